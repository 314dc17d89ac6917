package http

import (
	"github.com/fyrsmithlabs/conclave/internal/contextgraph"
	"github.com/fyrsmithlabs/conclave/internal/orchestrator"
	"github.com/fyrsmithlabs/conclave/internal/taskgraph"
	"github.com/fyrsmithlabs/conclave/internal/voting"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// GatesResponse is the response body for GET /api/v1/gates.
type GatesResponse struct {
	Gates []voting.GateConfig `json:"gates"`
}

// EvaluateRequest is the request body for POST /api/v1/gates/:gate/evaluate.
type EvaluateRequest struct {
	Artifact     string               `json:"artifact"`
	Context      string               `json:"context,omitempty"`
	ContextQuery string               `json:"context_query,omitempty"`
	Voters       []voting.VoterConfig `json:"voters,omitempty"`
}

// EvaluateResponse wraps a gate decision with its rendered summary.
type EvaluateResponse struct {
	Decision voting.GateDecision `json:"decision"`
	Passed   bool                `json:"passed"`
	Summary  string              `json:"summary"`
}

// PrecedentsResponse is the response body for GET /api/v1/precedents.
type PrecedentsResponse struct {
	Query      string                   `json:"query"`
	Precedents []contextgraph.Precedent `json:"precedents"`
	// Degraded is set when the similarity index failed and no precedents
	// could be looked up.
	Degraded string `json:"degraded,omitempty"`
}

// OutcomeRequest is the request body for POST /api/v1/traces/:id/outcome.
// Score is required.
type OutcomeRequest struct {
	Outcome  string   `json:"outcome"`
	Score    *float64 `json:"score"`
	Notes    string   `json:"notes,omitempty"`
	Override bool     `json:"override,omitempty"`
	Actor    string   `json:"actor,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// StartProjectRequest is the request body for POST /api/v1/projects.
type StartProjectRequest struct {
	ID      string `json:"id,omitempty"`
	Feature string `json:"feature"`
}

// UnblockRequest is the request body for POST /api/v1/projects/:id/unblock.
// Action is retry or approve.
type UnblockRequest struct {
	Action string `json:"action"`
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// LessonsResponse is the response body for GET /api/v1/lessons.
type LessonsResponse struct {
	Gate    string                `json:"gate,omitempty"`
	Lessons []contextgraph.Lesson `json:"lessons"`
}

// ProjectsResponse is the response body for GET /api/v1/projects.
type ProjectsResponse struct {
	Projects []ProjectStatus `json:"projects"`
}

// ProjectStatus is the short form of a project.
type ProjectStatus struct {
	ID            string              `json:"id"`
	Feature       string              `json:"feature"`
	Phase         orchestrator.Phase  `json:"phase"`
	Status        orchestrator.Status `json:"status"`
	Progress      int                 `json:"progress"`
	BlockedIn     orchestrator.Phase  `json:"blocked_in,omitempty"`
	BlockedReason string              `json:"blocked_reason,omitempty"`
}

func projectStatus(p orchestrator.Project) ProjectStatus {
	progress := p.Phase.Progress()
	if p.BlockedIn != "" {
		progress = p.BlockedIn.Progress()
	}
	return ProjectStatus{
		ID:            p.ID,
		Feature:       p.Feature,
		Phase:         p.Phase,
		Status:        p.Status,
		Progress:      progress,
		BlockedIn:     p.BlockedIn,
		BlockedReason: p.BlockedReason,
	}
}

// ValidatePlanRequest is the request body for POST /api/v1/tasks/validate.
// Plan is YAML, bare or fenced.
type ValidatePlanRequest struct {
	Plan string `json:"plan"`
}

// ValidatePlanResponse reports whether a task plan is usable.
type ValidatePlanResponse struct {
	Valid    bool             `json:"valid"`
	Tasks    []taskgraph.Task `json:"tasks,omitempty"`
	Errors   []string         `json:"errors,omitempty"`
	Warnings []string         `json:"warnings,omitempty"`
	Cycle    []string         `json:"cycle,omitempty"`
}
