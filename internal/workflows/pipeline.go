// Package workflows runs conclave pipelines as durable Temporal workflows.
//
// PipelineWorkflow drives one project by calling the AdvancePhase activity
// until the project completes, blocks or is aborted. Each activity call
// runs one phase through the orchestrator, so a worker crash loses at most
// the phase in flight; the orchestrator's own store holds the state.
package workflows

import (
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fyrsmithlabs/conclave/internal/orchestrator"
)

// AbortSignal is the signal name that aborts a running pipeline. It is
// checked between phases.
const AbortSignal = "abort"

// ErrInvalidInput indicates workflow input validation failed.
var ErrInvalidInput = errors.New("invalid workflow input")

// PipelineInput starts or resumes a pipeline. A set ProjectID with an
// empty Feature drives an existing project.
type PipelineInput struct {
	ProjectID string
	Feature   string
	// MaxAdvances bounds the number of AdvancePhase calls. Zero means
	// twice the number of phases.
	MaxAdvances int
}

// Validate checks that the input names a project or a feature.
func (in PipelineInput) Validate() error {
	if in.ProjectID == "" && in.Feature == "" {
		return fmt.Errorf("%w: project id or feature is required", ErrInvalidInput)
	}
	if in.MaxAdvances < 0 {
		return fmt.Errorf("%w: MaxAdvances must be >= 0", ErrInvalidInput)
	}
	return nil
}

// PipelineResult is the final state of a pipeline run.
type PipelineResult struct {
	ProjectID     string
	Phase         orchestrator.Phase
	Status        orchestrator.Status
	BlockedIn     orchestrator.Phase
	BlockedReason string
	Aborted       bool
	Steps         []PhaseResult
	StartTime     time.Time
	EndTime       time.Time
	Duration      time.Duration
}

// Finished reports whether the project reached Complete.
func (r PipelineResult) Finished() bool {
	return r.Status == orchestrator.StatusComplete
}

func activityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		// Gates run many agents and may revise several times.
		StartToCloseTimeout: 2 * time.Hour,
		HeartbeatTimeout:    2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{ErrTypeProjectNotFound, ErrTypeInvalidProject},
		},
	}
}

// PipelineWorkflow runs a project to a terminal state.
func PipelineWorkflow(ctx workflow.Context, input PipelineInput) (*PipelineResult, error) {
	logger := workflow.GetLogger(ctx)
	if err := input.Validate(); err != nil {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidProject, err)
	}
	logger.Info("Starting pipeline", "project", input.ProjectID)

	ctx = workflow.WithActivityOptions(ctx, activityOptions())
	result := &PipelineResult{StartTime: workflow.Now(ctx)}
	abort := workflow.GetSignalChannel(ctx, AbortSignal)

	var a *Activities
	var state PhaseResult
	var err error
	if input.Feature != "" {
		err = workflow.ExecuteActivity(ctx, a.StartProject, StartInput{ProjectID: input.ProjectID, Feature: input.Feature}).Get(ctx, &state)
	} else {
		err = workflow.ExecuteActivity(ctx, a.ProjectStatus, ProjectInput{ProjectID: input.ProjectID}).Get(ctx, &state)
	}
	if err != nil {
		return result, err
	}
	result.ProjectID = state.ProjectID

	limit := input.MaxAdvances
	if limit == 0 {
		limit = 2 * len(orchestrator.AllPhases())
	}
	for n := 0; state.Status == orchestrator.StatusActive; n++ {
		if abort.ReceiveAsync(nil) {
			logger.Info("Abort signal received", "project", state.ProjectID, "phase", state.Phase)
			if err := workflow.ExecuteActivity(ctx, a.AbortProject, ProjectInput{ProjectID: state.ProjectID}).Get(ctx, &state); err != nil {
				return result.finish(ctx, state), err
			}
			result.Aborted = true
			break
		}
		if n >= limit {
			return result.finish(ctx, state), temporal.NewNonRetryableApplicationError(
				fmt.Sprintf("project %s still active after %d advances", state.ProjectID, limit), ErrTypeAdvanceLimit, nil)
		}

		from := state.Phase
		if err := workflow.ExecuteActivity(ctx, a.AdvancePhase, ProjectInput{ProjectID: state.ProjectID}).Get(ctx, &state); err != nil {
			logger.Error("Phase failed", "project", state.ProjectID, "phase", from, "error", err)
			return result.finish(ctx, state), err
		}
		result.Steps = append(result.Steps, state)
		logger.Info("Phase advanced", "project", state.ProjectID, "from", from, "to", state.Phase, "status", state.Status)
	}

	result.finish(ctx, state)
	logger.Info("Pipeline finished",
		"project", result.ProjectID,
		"phase", result.Phase,
		"status", result.Status,
		"duration", result.Duration,
	)
	return result, nil
}

func (r *PipelineResult) finish(ctx workflow.Context, state PhaseResult) *PipelineResult {
	r.Phase = state.Phase
	r.Status = state.Status
	r.BlockedIn = state.BlockedIn
	r.BlockedReason = state.BlockedReason
	r.EndTime = workflow.Now(ctx)
	r.Duration = r.EndTime.Sub(r.StartTime)
	return r
}
