package orchestrator

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for phase moves outside the pipeline order.
var ErrInvalidTransition = errors.New("invalid phase transition")

// Phase is a step of the pipeline.
type Phase string

const (
	PhaseIdeation           Phase = "ideation"
	PhasePrioritization     Phase = "prioritization"
	PhaseRequirements       Phase = "requirements"
	PhaseRequirementsReview Phase = "requirements_review"
	PhaseDesign             Phase = "design"
	PhaseArchitecture       Phase = "architecture"
	PhaseArchitectureReview Phase = "architecture_review"
	PhaseDevelopment        Phase = "development"
	PhaseCodeReview         Phase = "code_review"
	PhaseSimplification     Phase = "simplification"
	PhaseTesting            Phase = "testing"
	PhaseTestReview         Phase = "test_review"
	PhaseDocumentation      Phase = "documentation"
	PhaseReleaseReview      Phase = "release_review"
	PhaseDeployment         Phase = "deployment"
	PhaseComplete           Phase = "complete"

	// PhaseBlocked is terminal. Gates enter it when rework is exhausted,
	// Development when tasks escalate, agent phases when the agent keeps
	// failing.
	PhaseBlocked Phase = "blocked"
)

// AllPhases returns the pipeline in execution order. PhaseBlocked is not
// part of the order.
func AllPhases() []Phase {
	return []Phase{
		PhaseIdeation, PhasePrioritization, PhaseRequirements, PhaseRequirementsReview,
		PhaseDesign, PhaseArchitecture, PhaseArchitectureReview, PhaseDevelopment,
		PhaseCodeReview, PhaseSimplification, PhaseTesting, PhaseTestReview,
		PhaseDocumentation, PhaseReleaseReview, PhaseDeployment, PhaseComplete,
	}
}

var (
	phaseGates = map[Phase]string{
		PhaseRequirementsReview: "requirements_approval",
		PhaseArchitectureReview: "architecture_approval",
		PhaseCodeReview:         "code_review",
		PhaseTestReview:         "test_coverage",
		PhaseReleaseReview:      "release_readiness",
	}

	// reviewed is the phase whose artifact each gate judges.
	reviewed = map[Phase]Phase{
		PhaseRequirementsReview: PhaseRequirements,
		PhaseArchitectureReview: PhaseArchitecture,
		PhaseCodeReview:         PhaseDevelopment,
		PhaseTestReview:         PhaseTesting,
		PhaseReleaseReview:      PhaseDocumentation,
	}

	phaseAgents = map[Phase]string{
		PhaseIdeation:       "ideation",
		PhasePrioritization: "product_owner",
		PhaseRequirements:   "business_analyst",
		PhaseDesign:         "ui_ux_designer",
		PhaseArchitecture:   "solutions_architect",
		PhaseDevelopment:    "developer",
		PhaseSimplification: "code_simplifier",
		PhaseTesting:        "test_writer",
		PhaseDocumentation:  "technical_writer",
		PhaseDeployment:     "devops",
	}
)

func (p Phase) index() int {
	for i, q := range AllPhases() {
		if q == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p == PhaseBlocked || p.index() >= 0
}

// Next returns the phase after p.
func (p Phase) Next() (Phase, bool) {
	i := p.index()
	all := AllPhases()
	if i < 0 || i+1 >= len(all) {
		return "", false
	}
	return all[i+1], true
}

// IsGate reports whether p is a voting gate.
func (p Phase) IsGate() bool {
	_, ok := phaseGates[p]
	return ok
}

// Gate returns the gate id evaluated in p, or "".
func (p Phase) Gate() string { return phaseGates[p] }

// Reviews returns the phase whose artifact the gate in p judges.
func (p Phase) Reviews() Phase { return reviewed[p] }

// Agent returns the role that produces p's artifact, or "".
func (p Phase) Agent() string { return phaseAgents[p] }

// Terminal reports whether no further phase follows.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseBlocked
}

// Progress is how far through the pipeline p is, 0 to 100.
func (p Phase) Progress() int {
	i := p.index()
	if i < 0 {
		return 0
	}
	return i * 100 / (len(AllPhases()) - 1)
}

// CanTransition checks that to directly follows from. Any phase still in
// progress may move to Blocked.
func CanTransition(from, to Phase) error {
	if to == PhaseBlocked {
		if from.index() >= 0 && !from.Terminal() {
			return nil
		}
		return fmt.Errorf("%w: %s cannot block", ErrInvalidTransition, from)
	}
	if from.index() < 0 {
		return fmt.Errorf("%w: unknown current phase %q", ErrInvalidTransition, from)
	}
	if to.index() < 0 {
		return fmt.Errorf("%w: unknown target phase %q", ErrInvalidTransition, to)
	}
	if next, ok := from.Next(); !ok || next != to {
		return fmt.Errorf("%w: %s to %s skips the pipeline order", ErrInvalidTransition, from, to)
	}
	return nil
}
