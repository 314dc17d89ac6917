package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conclave/internal/contextgraph"
	"github.com/fyrsmithlabs/conclave/internal/events"
	"github.com/fyrsmithlabs/conclave/internal/logging"
	"github.com/fyrsmithlabs/conclave/internal/taskgraph"
)

// ErrInvalidIntervention is returned when an operator action does not
// apply to the project's state.
var ErrInvalidIntervention = errors.New("invalid intervention")

// Autonomy sets where the pipeline stops for a human.
type Autonomy string

const (
	// AutonomyAutonomous stops only when work blocks.
	AutonomyAutonomous Autonomy = "autonomous"
	// AutonomyBalanced also pauses after the architecture and release gates.
	AutonomyBalanced Autonomy = "balanced"
	// AutonomyPair pauses after every phase gate.
	AutonomyPair Autonomy = "pair"
)

// PausesAfter reports whether a passed gateID waits for approval.
func (a Autonomy) PausesAfter(gateID string) bool {
	switch a {
	case AutonomyPair:
		return true
	case AutonomyBalanced:
		return gateID == "architecture_approval" || gateID == "release_readiness"
	}
	return false
}

// Checkpoint is a passed gate waiting for a human to approve it.
type Checkpoint struct {
	GateID     string    `json:"gate_id"`
	DecisionID string    `json:"decision_id"`
	Outcome    string    `json:"outcome"`
	Summary    string    `json:"summary,omitempty"`
	At         time.Time `json:"at"`
}

// Action is an operator decision on a stopped project.
type Action string

const (
	// ActionRetry re-runs the phase a project blocked in. Escalated tasks
	// get a fresh attempt budget and gates a fresh revision budget.
	ActionRetry Action = "retry"
	// ActionApprove accepts a checkpoint, or overrides the gate a project
	// blocked in and moves past it.
	ActionApprove Action = "approve"
)

// Intervention is what an operator decided and why.
type Intervention struct {
	Action Action `json:"action"`
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

const defaultOperator = "operator"

// Unblock applies an operator decision to a blocked project or one
// waiting at a checkpoint, leaving it active.
func (o *Orchestrator) Unblock(ctx context.Context, id string, in Intervention) (Project, error) {
	l := o.lock(id)
	l.Lock()
	defer l.Unlock()

	p, err := o.store.Load(ctx, id)
	if err != nil {
		return Project{}, err
	}
	if in.Actor == "" {
		in.Actor = defaultOperator
	}
	ctx, _ = logging.WithRun(ctx, logging.Run{ProjectID: id, Phase: string(p.Phase)})

	switch {
	case p.Status == StatusAwaitingApproval && in.Action == ActionApprove:
		err = o.approveCheckpoint(ctx, &p, in)
	case p.Status == StatusAwaitingApproval:
		err = fmt.Errorf("%w: %s waits at a checkpoint, only approve applies", ErrInvalidIntervention, id)
	case p.Status != StatusBlocked:
		err = fmt.Errorf("%w: %s is %s", ErrNotActive, id, p.Status)
	case in.Action == ActionRetry:
		err = o.retryBlocked(ctx, &p, in)
	case in.Action == ActionApprove:
		err = o.overrideGate(ctx, &p, in)
	default:
		err = fmt.Errorf("%w: unknown action %q", ErrInvalidIntervention, in.Action)
	}
	if err != nil {
		return p, err
	}
	if err := o.save(ctx, &p); err != nil {
		return p, err
	}

	o.logger.Audit(ctx, "project.unblocked",
		zap.String("action", string(in.Action)),
		zap.String("actor", in.Actor),
		zap.String("reason", truncate(in.Reason, 200)),
		zap.String("phase", string(p.Phase)))
	e := events.New(events.ProjectUnblocked, id)
	e.Phase = string(p.Phase)
	e.Message = fmt.Sprintf("%s by %s", in.Action, in.Actor)
	e.Data = map[string]any{"action": string(in.Action), "actor": in.Actor}
	o.publish(ctx, e)
	return p, nil
}

// pause stops p after gateID passed when the autonomy level asks for it.
func (o *Orchestrator) pause(ctx context.Context, p *Project, gateID, decisionID, outcome, summary string) {
	if !o.autonomy.PausesAfter(gateID) || p.Status != StatusActive {
		return
	}
	p.Status = StatusAwaitingApproval
	p.Checkpoint = &Checkpoint{
		GateID:     gateID,
		DecisionID: decisionID,
		Outcome:    outcome,
		Summary:    summary,
		At:         o.now().UTC(),
	}
	checkpointsReached.WithLabelValues(gateID).Inc()
	o.logger.Audit(ctx, "project.checkpoint", zap.String("gate_id", gateID), zap.String("next_phase", string(p.Phase)))
	e := events.New(events.ProjectPaused, p.ID)
	e.Phase = string(p.Phase)
	e.GateID = gateID
	e.Outcome = outcome
	e.Message = fmt.Sprintf("%s %s, awaiting approval", gateID, outcome)
	o.publish(ctx, e)
}

func (o *Orchestrator) approveCheckpoint(ctx context.Context, p *Project, in Intervention) error {
	cp := p.Checkpoint
	if cp == nil {
		return fmt.Errorf("%w: %s has no checkpoint", ErrInvalidIntervention, p.ID)
	}
	o.recordHumanDecision(ctx, p, cp.GateID, "checkpoint", in,
		fmt.Sprintf("checkpoint after %s approved by %s", cp.GateID, in.Actor))
	p.Checkpoint = nil
	p.Status = StatusActive
	return nil
}

// retryBlocked puts p back into the phase it blocked in.
func (o *Orchestrator) retryBlocked(ctx context.Context, p *Project, in Intervention) error {
	phase := p.BlockedIn
	if phase == "" {
		return fmt.Errorf("%w: %s has no blocked phase", ErrInvalidIntervention, p.ID)
	}
	switch {
	case phase == PhaseDevelopment && len(p.Tasks) > 0:
		reopened, err := reopenEscalated(p, in)
		if err != nil {
			return err
		}
		o.logger.Info(ctx, "escalated tasks reopened", zap.Strings("tasks", reopened))
	case phase.IsGate():
		delete(p.GateRetries, phase.Gate())
	}
	o.resume(ctx, p, phase, fmt.Sprintf("retry by %s", in.Actor))
	return nil
}

// overrideGate records a human approval for the gate p blocked in and
// moves past it.
func (o *Orchestrator) overrideGate(ctx context.Context, p *Project, in Intervention) error {
	phase := p.BlockedIn
	if !phase.IsGate() {
		return fmt.Errorf("%w: %s blocked in %s, which has no gate to approve; retry it instead",
			ErrInvalidIntervention, p.ID, phase)
	}
	if in.Reason == "" {
		return fmt.Errorf("%w: overriding a gate needs a reason", ErrInvalidIntervention)
	}
	gateID := phase.Gate()
	o.resume(ctx, p, phase, fmt.Sprintf("override by %s", in.Actor))
	o.recordHumanDecision(ctx, p, gateID, "gate_override", in, in.Reason)
	return o.transition(ctx, p, "", fmt.Sprintf("gate %s approved by %s", gateID, in.Actor))
}

// resume reverses a block without the pipeline-order check Blocked
// otherwise enforces.
func (o *Orchestrator) resume(ctx context.Context, p *Project, phase Phase, reason string) {
	p.History = append(p.History, PhaseChange{From: p.Phase, To: phase, At: o.now().UTC(), Reason: reason})
	p.Phase = phase
	p.Status = StatusActive
	p.BlockedIn = ""
	p.BlockedReason = ""
	phaseTransitions.WithLabelValues(string(phase)).Inc()

	e := events.New(events.PhaseChanged, p.ID)
	e.Phase = string(phase)
	e.Message = reason
	e.Data = map[string]any{"from": string(PhaseBlocked)}
	o.publish(ctx, e)
}

// recordHumanDecision stores an operator decision on gateID as a trace
// and links it to p.
func (o *Orchestrator) recordHumanDecision(ctx context.Context, p *Project, gateID, kind string, in Intervention, summary string) {
	name := gateID
	if gate, err := o.gates.Catalog().Gate(gateID); err == nil {
		name = gate.Name
	}
	decisionID := kind + "-" + uuid.NewString()[:8]
	now := o.now().UTC()
	attempt := 1
	for _, d := range p.Decisions {
		if d.GateID == gateID && d.TaskID == "" {
			attempt++
		}
	}
	t := contextgraph.DecisionTrace{
		Timestamp:    now,
		ProjectID:    p.ID,
		Context:      fmt.Sprintf("%s: %s", name, truncate(p.Feature, 300)),
		DecisionType: kind,
		Inputs: []contextgraph.Input{
			{Type: "intervention", Source: in.Actor, Summary: truncate(in.Reason, 200)},
			{Type: "gate_decision", Source: gateID, Summary: decisionID},
		},
		Reasoning:       in.Reason,
		Decision:        "approved",
		DecisionSummary: summary,
		Actor:           in.Actor,
		ActorType:       contextgraph.ActorHuman,
		Tags:            []string{gateID, kind},
		ParentTrace:     lastTraceID(*p),
	}
	o.recordDecision(ctx, p, t, DecisionRef{
		GateID:     gateID,
		DecisionID: decisionID,
		Outcome:    "approved",
		Attempt:    attempt,
		At:         now,
	})
}

// reopenEscalated gives every escalated task of p a fresh attempt budget.
func reopenEscalated(p *Project, in Intervention) ([]string, error) {
	graph := taskgraph.New()
	if err := graph.Restore(p.Tasks); err != nil {
		return nil, fmt.Errorf("restoring tasks: %w", err)
	}
	var ids []string
	for _, t := range p.Tasks {
		if t.Status == taskgraph.StatusEscalated {
			ids = append(ids, t.ID)
		}
	}
	reason := "retry by " + in.Actor
	if in.Reason != "" {
		reason += ": " + in.Reason
	}
	if _, err := graph.Reopen(ids, reason); err != nil {
		return nil, err
	}
	p.Tasks = graph.Tasks()
	return ids, nil
}
