package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conclave/internal/agent"
	"github.com/fyrsmithlabs/conclave/internal/contextgraph"
	"github.com/fyrsmithlabs/conclave/internal/events"
	"github.com/fyrsmithlabs/conclave/internal/logging"
	"github.com/fyrsmithlabs/conclave/internal/taskgraph"
	"github.com/fyrsmithlabs/conclave/internal/voting"
)

const decompositionRole = "tech_lead"

// runDevelopment decomposes the architecture into tasks on first entry,
// then drives the executor until the graph settles. Persisted tasks are
// restored instead of re-planned.
func (o *Orchestrator) runDevelopment(ctx context.Context, p *Project) error {
	graph := taskgraph.New()
	if len(p.Tasks) == 0 {
		tasks, err := o.decompose(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ce *taskgraph.CycleError
			if errors.As(err, &ce) {
				return o.block(ctx, p, "task plan rejected: "+ce.Error())
			}
			return o.block(ctx, p, fmt.Sprintf("decomposition failed: %v", err))
		}
		if err := graph.AddTasks(tasks); err != nil {
			return o.block(ctx, p, "task plan rejected: "+err.Error())
		}
		p.Tasks = graph.Tasks()
		o.logger.Audit(ctx, "tasks.planned", zap.Int("tasks", len(p.Tasks)))
		if err := o.save(ctx, p); err != nil {
			return err
		}
	} else if err := graph.Restore(p.Tasks); err != nil {
		return o.block(ctx, p, "persisted tasks invalid: "+err.Error())
	}

	graph.OnTransition(func(t taskgraph.Task, tr taskgraph.Transition) {
		o.taskTransition(ctx, p.ID, t, tr)
	})
	rev := &gateReviewer{o: o, project: p.Clone(), parent: lastTraceID(*p)}
	exec := taskgraph.NewExecutor(graph, o.agents, rev, taskgraph.Options{
		Workers:         o.tasks.Workers,
		MaxAttempts:     o.tasks.MaxAttempts,
		DispatchTimeout: o.tasks.DispatchTimeout.Duration(),
		Context:         p.Artifacts[PhaseArchitecture],
		Logger:          o.logger.Underlying(),
	})

	summary, runErr := exec.Run(ctx)
	p.Tasks = graph.Tasks()
	rev.mergeInto(p)
	if runErr != nil {
		return runErr
	}

	o.report(PhaseProgress{
		ProjectID:  p.ID,
		Phase:      PhaseDevelopment,
		Status:     p.Status,
		Message:    fmt.Sprintf("%d/%d tasks done", summary.Counts[taskgraph.StatusDone], summary.Total),
		Percentage: p.Phase.Progress(),
	})
	if len(summary.Escalated) > 0 {
		return o.block(ctx, p, "tasks escalated: "+strings.Join(summary.Escalated, ", "))
	}
	if !summary.Complete() {
		return o.block(ctx, p, "tasks cannot start: "+strings.Join(summary.Blocked, ", "))
	}

	artifact := developmentArtifact(p.Tasks)
	if p.Artifacts == nil {
		p.Artifacts = make(map[Phase]string)
	}
	p.Artifacts[PhaseDevelopment] = artifact
	o.archive(ctx, p, PhaseDevelopment, artifact)
	return o.transition(ctx, p, "", fmt.Sprintf("%d tasks done", summary.Total))
}

// decompose asks the tech lead for a task plan. Malformed plans go back
// with the problems listed; a dependency cycle is returned at once.
func (o *Orchestrator) decompose(ctx context.Context, p *Project) ([]taskgraph.Task, error) {
	var feedback []string
	var lastErr error
	for attempt := 1; attempt <= o.tasks.MaxAttempts; attempt++ {
		art, err := o.invoke(ctx, agent.Request{
			Role:         decompositionRole,
			Instructions: DecompositionPrompt(*p, feedback),
			Context:      p.Feature,
		})
		if err != nil {
			return nil, err
		}
		parsed := taskgraph.ParsePlan(art.Content)
		if parsed.OK() {
			for _, w := range taskgraph.PlanWarnings(parsed.Data) {
				o.logger.Info(ctx, "task plan warning", zap.String("warning", w))
			}
			return parsed.Data, nil
		}
		if len(parsed.Data) > 0 {
			if err := taskgraph.ValidatePlan(parsed.Data); taskgraph.IsCycle(err) {
				return nil, err
			}
		}
		lastErr = parsed.Err(decompositionRole)
		feedback = parsed.Errors
		o.logger.Info(ctx, "task plan rejected", zap.Int("attempt", attempt), zap.Strings("problems", feedback))
	}
	return nil, lastErr
}

func (o *Orchestrator) taskTransition(ctx context.Context, projectID string, t taskgraph.Task, tr taskgraph.Transition) {
	e := events.New(events.TaskTransition, projectID)
	e.Phase = string(PhaseDevelopment)
	e.TaskID = t.ID
	e.Outcome = string(tr.To)
	e.Message = tr.Reason
	e.Data = map[string]any{"from": string(tr.From), "attempt_count": t.AttemptCount}
	o.publish(ctx, e)

	if tr.To == taskgraph.StatusEscalated {
		tctx, _ := logging.WithRun(ctx, logging.Run{TaskID: t.ID})
		o.logger.Audit(tctx, "task.escalated",
			zap.Int("attempt_count", t.AttemptCount), zap.String("last_error", t.LastError))
	}
}

func developmentArtifact(tasks []taskgraph.Task) string {
	var b strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&b, "## %s: %s\n\n%s\n\n", t.ID, t.Title, strings.TrimSpace(t.Artifact))
	}
	return strings.TrimSpace(b.String())
}

// gateReviewer reviews task artifacts through the gate of each task's
// category and records a decision trace per review. The executor calls it
// from several workers at once.
type gateReviewer struct {
	o       *Orchestrator
	project Project
	parent  string

	mu      sync.Mutex
	refs    []DecisionRef
	pending []contextgraph.DecisionTrace
}

func (r *gateReviewer) Review(ctx context.Context, task taskgraph.Task, art agent.Artifact) (taskgraph.Review, error) {
	o := r.o
	gateID := task.Category.Gate()
	gate, err := o.gates.Catalog().Gate(gateID)
	if err != nil {
		return taskgraph.Review{}, err
	}
	ctx, _ = logging.WithRun(ctx, logging.Run{GateID: gateID, TaskID: task.ID})

	dec, err := o.gates.Evaluate(ctx, gateID, voting.Input{
		Artifact:        art.Content,
		Context:         GateContext(r.project) + "\n## Task\n" + taskgraph.Instructions(task) + o.recurring(ctx, gateID),
		ContextQuery:    task.Title + "\n" + task.Description,
		ExcludeProject:  r.project.ID,
		MinOutcomeScore: &minPrecedentScore,
	})
	if err != nil {
		return taskgraph.Review{}, err
	}

	t := o.decisionTrace(r.project, gate, dec, decisionSubject{
		phase:    PhaseDevelopment,
		taskID:   task.ID,
		title:    task.Title,
		artifact: art.Content,
		parent:   r.parent,
	})
	ref := DecisionRef{
		GateID:     gateID,
		DecisionID: dec.ID,
		TaskID:     task.ID,
		Outcome:    string(dec.Outcome),
		Attempt:    task.AttemptCount + 1,
		At:         dec.CompletedAt,
	}
	stored, ok := o.storeTrace(ctx, t)
	r.mu.Lock()
	if ok {
		ref.TraceID = stored.TraceID
	} else {
		r.pending = append(r.pending, t)
		pendingTraces.Inc()
	}
	r.refs = append(r.refs, ref)
	r.mu.Unlock()
	o.publishDecision(ctx, r.project, dec, task.ID, ref.Attempt)

	review := taskgraph.Review{Conditions: dec.Conditions, DecisionID: dec.ID}
	switch dec.Outcome {
	case voting.Approved:
		review.Verdict = taskgraph.VerdictApproved
	case voting.ApprovedWithConditions:
		review.Verdict = taskgraph.VerdictApprovedWithConditions
	default:
		review.Verdict = taskgraph.VerdictRejected
		review.Feedback = append(dec.Concerns(), dec.Suggestions()...)
		if dec.Quorum != nil {
			review.Feedback = append(review.Feedback, dec.Quorum.Error())
		}
		if len(review.Feedback) == 0 {
			review.Feedback = []string{dec.Summary()}
		}
	}
	return review, nil
}

func (r *gateReviewer) mergeInto(p *Project) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.Decisions = append(p.Decisions, r.refs...)
	p.PendingTraces = append(p.PendingTraces, r.pending...)
	r.refs, r.pending = nil, nil
}
