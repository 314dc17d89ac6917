package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conclave/internal/agent"
	"github.com/fyrsmithlabs/conclave/internal/contextgraph"
	"github.com/fyrsmithlabs/conclave/internal/events"
	"github.com/fyrsmithlabs/conclave/internal/logging"
	"github.com/fyrsmithlabs/conclave/internal/voting"
)

const (
	committeeActor = "voting_committee"
	queryLimit     = 1500
	lessonLimit    = 5
)

// minPrecedentScore keeps precedents that went badly wrong out of voter
// material.
var minPrecedentScore = -0.5

// KnowledgeSource supplies conditions and resolutions learned on earlier
// decisions. *contextgraph.Graph implements it.
type KnowledgeSource interface {
	TribalKnowledge(ctx context.Context, tags []string) ([]string, error)
}

// LessonSource supplies the concerns voters keep raising at a gate.
// *contextgraph.Graph implements it.
type LessonSource interface {
	Lessons(ctx context.Context, tag string) ([]contextgraph.Lesson, error)
}

// runGate evaluates the gate of the current phase. A rejection sends the
// feedback to the revision role and evaluates again, up to the gate's
// retry budget; after that the project blocks.
func (o *Orchestrator) runGate(ctx context.Context, p *Project) error {
	gateID := p.Phase.Gate()
	gate, err := o.gates.Catalog().Gate(gateID)
	if err != nil {
		return err
	}
	ctx, _ = logging.WithRun(ctx, logging.Run{GateID: gateID})

	reviewedPhase := p.Phase.Reviews()
	artifact := p.Artifact(reviewedPhase)
	if strings.TrimSpace(artifact) == "" {
		return o.block(ctx, p, fmt.Sprintf("gate %s has no %s artifact to review", gateID, reviewedPhase))
	}
	if p.GateRetries == nil {
		p.GateRetries = make(map[string]int)
	}

	retries := gate.Retries(o.gates.Config())
	for attempt := 0; ; attempt++ {
		dec, err := o.gates.Evaluate(ctx, gateID, voting.Input{
			Artifact:        artifact,
			Context:         GateContext(*p) + o.knowledge(ctx, p.Feature+"\n"+artifact) + o.recurring(ctx, gateID),
			ContextQuery:    p.Feature + "\n" + truncate(artifact, queryLimit),
			ExcludeProject:  p.ID,
			MinOutcomeScore: &minPrecedentScore,
		})
		if err != nil {
			return fmt.Errorf("evaluating gate %s: %w", gateID, err)
		}
		t := o.decisionTrace(*p, gate, dec, decisionSubject{
			phase:    reviewedPhase,
			artifact: artifact,
			commit:   p.Commits[reviewedPhase],
			parent:   lastTraceID(*p),
		})
		o.recordDecision(ctx, p, t, DecisionRef{
			GateID:     gateID,
			DecisionID: dec.ID,
			Outcome:    string(dec.Outcome),
			Attempt:    attempt + 1,
			At:         dec.CompletedAt,
		})
		o.publishDecision(ctx, *p, dec, "", attempt+1)

		if dec.Passed() {
			if len(dec.Conditions) > 0 {
				if p.Conditions == nil {
					p.Conditions = make(map[string][]string)
				}
				p.Conditions[gateID] = dec.Conditions
			}
			if err := o.transition(ctx, p, "", fmt.Sprintf("gate %s %s", gateID, dec.Outcome)); err != nil {
				return err
			}
			o.pause(ctx, p, gateID, dec.ID, string(dec.Outcome), dec.Summary())
			return nil
		}
		if attempt >= retries {
			return o.block(ctx, p, fmt.Sprintf("gate %s still rejected after %d revisions", gateID, retries))
		}

		p.GateRetries[gateID]++
		gateRevisions.WithLabelValues(gateID).Inc()
		revised, err := o.revise(ctx, gate, reviewedPhase, dec.Feedback, artifact)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logger.Warn(ctx, "revision failed, re-evaluating current artifact",
				zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		artifact = revised
		p.Artifacts[reviewedPhase] = revised
		o.archive(ctx, p, reviewedPhase, revised)
	}
}

// knowledge renders what earlier decisions in the same domains settled
// on. Lookup failures only cost the section.
func (o *Orchestrator) knowledge(ctx context.Context, text string) string {
	ks, ok := o.traces.(KnowledgeSource)
	if !ok {
		return ""
	}
	lines, err := ks.TribalKnowledge(ctx, contextgraph.DomainTags(text))
	if err != nil {
		o.logger.Debug(ctx, "tribal knowledge unavailable", zap.Error(err))
		return ""
	}
	if len(lines) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n## Lessons From Earlier Decisions\n")
	for _, l := range lines {
		fmt.Fprintf(&b, "- %s\n", l)
	}
	return b.String()
}

// recurring renders the strongest lessons learned at gateID so voters
// check for them up front.
func (o *Orchestrator) recurring(ctx context.Context, gateID string) string {
	ls, ok := o.traces.(LessonSource)
	if !ok {
		return ""
	}
	lessons, err := ls.Lessons(ctx, gateID)
	if err != nil {
		o.logger.Debug(ctx, "lessons unavailable", zap.Error(err))
		return ""
	}
	if len(lessons) == 0 {
		return ""
	}
	if len(lessons) > lessonLimit {
		lessons = lessons[:lessonLimit]
	}
	var b strings.Builder
	b.WriteString("\n## Recurring Concerns\n")
	for _, l := range lessons {
		label := fmt.Sprintf("raised %dx", l.Occurrences)
		if l.Rule {
			label += ", rule"
		}
		fmt.Fprintf(&b, "- %s (%s)", l.Pattern, label)
		if l.Correction != "" {
			fmt.Fprintf(&b, ": %s", l.Correction)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// revise asks the gate's revision role to rework a rejected artifact.
func (o *Orchestrator) revise(ctx context.Context, gate voting.GateConfig, phase Phase, feedback, artifact string) (string, error) {
	role := gate.RevisionRole
	if role == "" {
		role = phase.Agent()
	}
	art, err := o.invoke(ctx, agent.Request{
		Role:         role,
		Instructions: voting.RevisionPrompt(feedback, artifact),
	})
	if err != nil {
		return "", err
	}
	return art.Content, nil
}

// decisionSubject is what a gate decision was about.
type decisionSubject struct {
	phase    Phase
	taskID   string
	title    string
	artifact string
	commit   string
	parent   string
}

// decisionTrace builds the trace for one gate decision.
func (o *Orchestrator) decisionTrace(p Project, gate voting.GateConfig, dec voting.GateDecision, s decisionSubject) contextgraph.DecisionTrace {
	ctxText := fmt.Sprintf("%s: %s", gate.Name, truncate(strings.TrimSpace(p.Feature), 300))
	source := string(s.phase)
	if s.taskID != "" {
		ctxText = fmt.Sprintf("%s (task %s: %s)", ctxText, s.taskID, s.title)
		source = "task:" + s.taskID
	}

	inputs := []contextgraph.Input{
		{
			Type:        "artifact",
			Source:      source,
			ContentHash: contextgraph.ContentHash(s.artifact),
			Summary:     truncate(strings.TrimSpace(s.artifact), 200),
		},
		{Type: "gate_decision", Source: gate.ID, Summary: dec.ID},
	}
	if s.commit != "" {
		inputs = append(inputs, contextgraph.Input{Type: "commit", Source: "workspace", Summary: s.commit})
	}

	matched := make([]contextgraph.PrecedentMatch, 0, len(dec.Precedents))
	for _, pr := range dec.Precedents {
		matched = append(matched, pr.Match())
	}

	tags := append(contextgraph.DomainTags(p.Feature+"\n"+s.artifact), gate.ID)
	if dec.Quorum != nil {
		tags = append(tags, "quorum_error")
	}

	return contextgraph.DecisionTrace{
		Timestamp:         dec.CompletedAt,
		ProjectID:         p.ID,
		FeatureID:         s.taskID,
		Context:           ctxText,
		DecisionType:      dec.DecisionType,
		Inputs:            inputs,
		PrecedentsMatched: matched,
		ConflictsResolved: voting.Conflicts(dec.Votes, dec.Outcome),
		Findings:          voting.Findings(dec.Votes),
		Reasoning:         dec.Feedback,
		Decision:          string(dec.Outcome),
		DecisionSummary:   dec.Summary(),
		Conditions:        dec.Conditions,
		Actor:             committeeActor,
		ActorType:         contextgraph.ActorAgent,
		Tags:              tags,
		ParentTrace:       s.parent,
	}
}

// storeTrace hands t to the context graph. On failure the trace is
// returned unstored so the caller can keep it for a later flush.
func (o *Orchestrator) storeTrace(ctx context.Context, t contextgraph.DecisionTrace) (contextgraph.DecisionTrace, bool) {
	stored, err := o.traces.RecordTrace(context.WithoutCancel(ctx), t)
	if err != nil {
		o.logger.Error(ctx, "decision trace not stored, queued for retry",
			zap.String("decision", t.Decision), zap.Error(err))
		return t, false
	}
	e := events.New(events.TraceRecorded, stored.ProjectID)
	e.TraceID = stored.TraceID
	e.Outcome = stored.Decision
	o.publish(ctx, e)
	return stored, true
}

// recordDecision stores a gate trace and links it to p. A trace the
// context graph rejects is kept on the project and retried later.
func (o *Orchestrator) recordDecision(ctx context.Context, p *Project, t contextgraph.DecisionTrace, ref DecisionRef) {
	stored, ok := o.storeTrace(ctx, t)
	if ok {
		ref.TraceID = stored.TraceID
	} else {
		p.PendingTraces = append(p.PendingTraces, t)
		pendingTraces.Inc()
	}
	p.Decisions = append(p.Decisions, ref)
}

// flushPending retries traces the context graph failed to store earlier.
func (o *Orchestrator) flushPending(ctx context.Context, p *Project) {
	if len(p.PendingTraces) == 0 {
		return
	}
	var keep []contextgraph.DecisionTrace
	for _, t := range p.PendingTraces {
		stored, ok := o.storeTrace(ctx, t)
		if !ok {
			keep = append(keep, t)
			continue
		}
		pendingTraces.Dec()
		decisionID := gateDecisionID(stored)
		for i := range p.Decisions {
			if p.Decisions[i].DecisionID == decisionID && p.Decisions[i].TraceID == "" {
				p.Decisions[i].TraceID = stored.TraceID
			}
		}
	}
	if len(keep) < len(p.PendingTraces) {
		o.logger.Info(ctx, "pending decision traces flushed",
			zap.Int("stored", len(p.PendingTraces)-len(keep)), zap.Int("remaining", len(keep)))
	}
	p.PendingTraces = keep
}

func (o *Orchestrator) publishDecision(ctx context.Context, p Project, dec voting.GateDecision, taskID string, attempt int) {
	e := events.New(events.GateDecided, p.ID)
	e.Phase = string(p.Phase)
	e.GateID = dec.GateID
	e.TaskID = taskID
	e.Outcome = string(dec.Outcome)
	e.Message = dec.Summary()
	e.Data = map[string]any{"decision_id": dec.ID, "attempt": attempt}
	if dec.Quorum != nil {
		e.Data["quorum_error"] = dec.Quorum.Error()
	}
	o.publish(ctx, e)
}

func gateDecisionID(t contextgraph.DecisionTrace) string {
	for _, in := range t.Inputs {
		if in.Type == "gate_decision" {
			return in.Summary
		}
	}
	return ""
}

func lastTraceID(p Project) string {
	for i := len(p.Decisions) - 1; i >= 0; i-- {
		if id := p.Decisions[i].TraceID; id != "" {
			return id
		}
	}
	return ""
}
