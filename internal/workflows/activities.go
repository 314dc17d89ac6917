package workflows

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conclave/internal/orchestrator"
)

// Projects is the orchestrator surface the activities drive.
type Projects interface {
	Start(ctx context.Context, id, feature string) (orchestrator.Project, error)
	Get(ctx context.Context, id string) (orchestrator.Project, error)
	Advance(ctx context.Context, id string) (orchestrator.Project, error)
	Abort(ctx context.Context, id string) (orchestrator.Project, error)
}

// StartInput is the input of StartProject.
type StartInput struct {
	ProjectID string
	Feature   string
}

// ProjectInput names one project.
type ProjectInput struct {
	ProjectID string
}

// PhaseResult is the project state after an activity.
type PhaseResult struct {
	ProjectID     string
	Phase         orchestrator.Phase
	Status        orchestrator.Status
	BlockedIn     orchestrator.Phase
	BlockedReason string
	Progress      int
}

func phaseResult(p orchestrator.Project) PhaseResult {
	progress := p.Phase.Progress()
	if p.BlockedIn != "" {
		progress = p.BlockedIn.Progress()
	}
	return PhaseResult{
		ProjectID:     p.ID,
		Phase:         p.Phase,
		Status:        p.Status,
		BlockedIn:     p.BlockedIn,
		BlockedReason: p.BlockedReason,
		Progress:      progress,
	}
}

// Activities are the pipeline activities. Register a pointer with the
// worker; the workflow calls the methods by name.
type Activities struct {
	Projects Projects
	// HeartbeatInterval is how often a running phase heartbeats. Zero
	// means 30 seconds.
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func (a *Activities) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

// StartProject creates the project. A retry after a lost result finds
// the project already created and returns it.
func (a *Activities) StartProject(ctx context.Context, in StartInput) (PhaseResult, error) {
	defer observeActivity(ctx, "start_project", time.Now())

	p, err := a.Projects.Start(ctx, in.ProjectID, in.Feature)
	if errors.Is(err, orchestrator.ErrProjectExists) && in.ProjectID != "" {
		a.logger().Info("project already started", zap.String("project_id", in.ProjectID))
		p, err = a.Projects.Get(ctx, in.ProjectID)
	}
	if err != nil {
		return PhaseResult{}, activityError(ctx, "start_project", err)
	}
	return phaseResult(p), nil
}

// ProjectStatus reads the project state.
func (a *Activities) ProjectStatus(ctx context.Context, in ProjectInput) (PhaseResult, error) {
	p, err := a.Projects.Get(ctx, in.ProjectID)
	if err != nil {
		return PhaseResult{}, activityError(ctx, "project_status", err)
	}
	return phaseResult(p), nil
}

// AdvancePhase runs the project's current phase. It heartbeats while the
// phase runs. A project that is no longer active is returned as is.
func (a *Activities) AdvancePhase(ctx context.Context, in ProjectInput) (PhaseResult, error) {
	defer observeActivity(ctx, "advance_phase", time.Now())

	stop := a.heartbeat(ctx)
	p, err := a.Projects.Advance(ctx, in.ProjectID)
	stop()

	if errors.Is(err, orchestrator.ErrNotActive) {
		p, err = a.Projects.Get(ctx, in.ProjectID)
	}
	if err != nil {
		a.logger().Warn("advance failed", zap.String("project_id", in.ProjectID), zap.Error(err))
		return PhaseResult{}, activityError(ctx, "advance_phase", err)
	}
	phasesAdvanced.Add(ctx, 1)
	return phaseResult(p), nil
}

// AbortProject aborts the project.
func (a *Activities) AbortProject(ctx context.Context, in ProjectInput) (PhaseResult, error) {
	defer observeActivity(ctx, "abort_project", time.Now())

	p, err := a.Projects.Abort(ctx, in.ProjectID)
	if errors.Is(err, orchestrator.ErrNotActive) {
		p, err = a.Projects.Get(ctx, in.ProjectID)
	}
	if err != nil {
		return PhaseResult{}, activityError(ctx, "abort_project", err)
	}
	return phaseResult(p), nil
}

func (a *Activities) heartbeat(ctx context.Context) (stop func()) {
	interval := a.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				activity.RecordHeartbeat(ctx)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(done) }
}
