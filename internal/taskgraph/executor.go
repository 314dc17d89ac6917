package taskgraph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conclave/internal/agent"
)

var tracer = otel.Tracer("conclave.taskgraph")

// Verdict is a review outcome.
type Verdict string

const (
	VerdictApproved               Verdict = "approved"
	VerdictApprovedWithConditions Verdict = "approved_with_conditions"
	VerdictRejected               Verdict = "rejected"
)

// Review is the result of checking one task artifact.
type Review struct {
	Verdict    Verdict  `json:"verdict"`
	Feedback   []string `json:"feedback,omitempty"`
	Conditions []string `json:"conditions,omitempty"`
	DecisionID string   `json:"decision_id,omitempty"`

	// Duplicate is set when the task had already completed.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Approved reports whether the task may be marked done.
func (r Review) Approved() bool {
	return r.Verdict == VerdictApproved || r.Verdict == VerdictApprovedWithConditions
}

// Reviewer checks a task artifact, normally through the gate for the
// task's category.
type Reviewer interface {
	Review(ctx context.Context, task Task, artifact agent.Artifact) (Review, error)
}

// ReviewerFunc adapts a function to Reviewer.
type ReviewerFunc func(ctx context.Context, task Task, artifact agent.Artifact) (Review, error)

// Review calls f.
func (f ReviewerFunc) Review(ctx context.Context, task Task, artifact agent.Artifact) (Review, error) {
	return f(ctx, task, artifact)
}

// Options configures an Executor.
type Options struct {
	// Workers bounds how many tasks are in_progress at once.
	Workers int
	// MaxAttempts is the retry budget per task.
	MaxAttempts int
	// DispatchTimeout bounds each agent call.
	DispatchTimeout time.Duration
	// Context is shared material handed to every agent call, such as the
	// architecture the tasks were decomposed from.
	Context string
	Logger  *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.Workers < 1 {
		o.Workers = 4
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = 10 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Executor dispatches ready tasks to agents and reviews their output.
type Executor struct {
	graph    *Graph
	agents   agent.Capability
	reviewer Reviewer
	opts     Options
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewExecutor creates an executor over graph.
func NewExecutor(graph *Graph, agents agent.Capability, reviewer Reviewer, opts Options) *Executor {
	opts.applyDefaults()
	e := &Executor{
		graph:    graph,
		agents:   agents,
		reviewer: reviewer,
		opts:     opts,
		logger:   opts.Logger.Named("taskgraph"),
	}
	graph.OnTransition(e.observe)
	return e
}

// Graph returns the graph the executor drives.
func (e *Executor) Graph() *Graph { return e.graph }

func (e *Executor) observe(t Task, tr Transition) {
	transitionsTotal.WithLabelValues(string(tr.To)).Inc()
	if tr.To == StatusInProgress {
		inProgress.Inc()
	}
	if tr.From == StatusInProgress {
		inProgress.Dec()
	}

	fields := []zap.Field{
		zap.String("task.id", t.ID),
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
		zap.Int("attempt_count", t.AttemptCount),
	}
	if tr.To == StatusEscalated {
		escalationsTotal.Inc()
		e.logger.Warn("task escalated", append(fields, zap.String("reason", tr.Reason), zap.String("last_error", t.LastError))...)
		return
	}
	e.logger.Debug("task transition", fields...)
}

// Dispatch starts a ready task and invokes its agent. It returns
// ErrNoWorker, leaving the task ready, when all workers are busy. An agent
// error is recorded as a failed attempt and returned.
func (e *Executor) Dispatch(ctx context.Context, id string) (agent.Artifact, error) {
	task, err := e.graph.start(id, e.opts.Workers)
	if err != nil {
		return agent.Artifact{}, err
	}
	return e.invoke(ctx, task)
}

func (e *Executor) invoke(ctx context.Context, task Task) (agent.Artifact, error) {
	ctx, span := tracer.Start(ctx, "Executor.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.category", string(task.Category)),
		attribute.Int("task.attempt", task.AttemptCount+1),
	)

	req := agent.Request{
		Role:         task.Category.Role(),
		Instructions: Instructions(task),
		Context:      e.opts.Context,
	}

	start := time.Now()
	art, err := agent.WithDeadline(ctx, e.agents, e.opts.DispatchTimeout, req)
	dispatchDuration.WithLabelValues(string(task.Category)).Observe(time.Since(start).Seconds())
	if err == nil {
		return art, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "agent failed")

	if ctx.Err() != nil {
		// Aborted: the task is returned to pending by Cancel, not charged an attempt.
		return agent.Artifact{}, err
	}

	var feedback []string
	var ve *agent.ValidationError
	if errors.As(err, &ve) {
		feedback = append(feedback, ve.Errors...)
	}
	e.graph.fail(task.ID, err.Error(), feedback, "", e.opts.MaxAttempts)
	e.logger.Info("agent attempt failed",
		zap.String("task.id", task.ID),
		zap.Bool("transient", agent.IsTransient(err)),
		zap.Error(err),
	)
	return agent.Artifact{}, err
}

// Complete reviews an artifact for an in_progress task. Approval marks the
// task done; rejection consumes one attempt. Completing a task that is
// already done is a no-op and returns a Review with Duplicate set.
func (e *Executor) Complete(ctx context.Context, id string, artifact agent.Artifact) (Review, error) {
	task, done, err := e.graph.claimReview(id)
	if err != nil {
		return Review{}, err
	}
	if done {
		e.logger.Debug("duplicate completion ignored", zap.String("task.id", id))
		return Review{Verdict: VerdictApproved, Duplicate: true}, nil
	}
	defer e.graph.releaseReview(id)

	ctx, span := tracer.Start(ctx, "Executor.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id), attribute.String("gate.id", task.Category.Gate()))

	review, err := e.reviewer.Review(ctx, task, artifact)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "review failed")
		if ctx.Err() == nil {
			e.graph.fail(id, fmt.Sprintf("review failed: %v", err), nil, artifact.Content, e.opts.MaxAttempts)
		}
		return Review{}, err
	}
	span.SetAttributes(attribute.String("verdict", string(review.Verdict)))

	if review.Approved() {
		e.graph.finish(id, artifact.Content, review.Conditions)
		return review, nil
	}

	reason := "rejected by " + task.Category.Gate()
	if review.DecisionID != "" {
		reason += " (" + review.DecisionID + ")"
	}
	e.graph.fail(id, reason, review.Feedback, artifact.Content, e.opts.MaxAttempts)
	return review, nil
}

// Run drives the graph until no task is ready or running, keeping at most
// Workers tasks in flight. When ctx is cancelled it waits for workers to
// return and sends unfinished tasks back to pending.
func (e *Executor) Run(ctx context.Context) (Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		cancel()
		return Summary{}, ErrAlreadyRunning
	}
	e.running = true
	e.cancel = cancel
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.cancel = nil
		e.mu.Unlock()
		cancel()
	}()

	ctx, span := tracer.Start(ctx, "Executor.Run")
	defer span.End()

	finished := make(chan struct{}, e.opts.Workers)
	active := 0
	for {
		if ctx.Err() == nil {
			e.graph.ReadyTasks()
			for _, t := range e.graph.Ready() {
				if active >= e.opts.Workers {
					break
				}
				task, err := e.graph.start(t.ID, e.opts.Workers)
				if err != nil {
					if errors.Is(err, ErrNoWorker) {
						break
					}
					continue
				}
				active++
				go func(task Task) {
					defer func() { finished <- struct{}{} }()
					e.work(ctx, task)
				}(task)
			}
		}
		if active == 0 {
			break
		}
		<-finished
		active--
	}

	summary := e.Summary()
	span.SetAttributes(
		attribute.Int("tasks.done", summary.Counts[StatusDone]),
		attribute.Int("tasks.escalated", len(summary.Escalated)),
	)
	if err := ctx.Err(); err != nil {
		e.graph.resetInProgress("aborted")
		return e.Summary(), err
	}
	return summary, nil
}

func (e *Executor) work(ctx context.Context, task Task) {
	art, err := e.invoke(ctx, task)
	if err != nil {
		return
	}
	if _, err := e.Complete(ctx, task.ID, art); err != nil && ctx.Err() == nil {
		e.logger.Warn("task review failed", zap.String("task.id", task.ID), zap.Error(err))
	}
}

// Cancel stops a running Run and returns in_progress tasks to pending.
// Agent and reviewer calls already in flight see a cancelled context.
func (e *Executor) Cancel() []string {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()
	return e.graph.resetInProgress("aborted")
}

// Summary reports progress over the whole graph.
func (e *Executor) Summary() Summary {
	return e.graph.Summary()
}

// Summary is a point-in-time view of a graph.
type Summary struct {
	Total     int            `json:"total"`
	Counts    map[Status]int `json:"counts"`
	Escalated []string       `json:"escalated,omitempty"`
	Blocked   []string       `json:"blocked,omitempty"`
}

// Complete reports whether every task is done.
func (s Summary) Complete() bool {
	return s.Total > 0 && s.Counts[StatusDone] == s.Total
}

// Summary reports counts per status and the ids needing a human.
func (g *Graph) Summary() Summary {
	s := Summary{Total: g.Len(), Counts: g.Counts(), Blocked: g.Blocked()}
	for _, t := range g.filter(func(t *Task) bool { return t.Status == StatusEscalated }) {
		s.Escalated = append(s.Escalated, t.ID)
	}
	return s
}

// Instructions renders the agent contract for a task.
func Instructions(t Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement task %s: %s\n", t.ID, t.Title)
	fmt.Fprintf(&b, "Category: %s, size: %s\n", t.Category, t.Size)
	if t.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", t.Description)
	}
	if len(t.TargetFiles) > 0 {
		fmt.Fprintf(&b, "\nTarget files:\n")
		for _, f := range t.TargetFiles {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	if len(t.AcceptanceCriteria) > 0 {
		fmt.Fprintf(&b, "\nAcceptance criteria (all must hold):\n")
		for i, c := range t.AcceptanceCriteria {
			fmt.Fprintf(&b, "%d. %s\n", i+1, c)
		}
	}
	if t.ImplementationNotes != "" {
		fmt.Fprintf(&b, "\nImplementation notes:\n%s\n", t.ImplementationNotes)
	}
	if len(t.Feedback) > 0 {
		fmt.Fprintf(&b, "\nA previous attempt was rejected (%d so far). Address this feedback:\n", t.AttemptCount)
		for _, f := range t.Feedback {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	return b.String()
}
