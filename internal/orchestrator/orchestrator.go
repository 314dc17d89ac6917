package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conclave/internal/agent"
	"github.com/fyrsmithlabs/conclave/internal/config"
	"github.com/fyrsmithlabs/conclave/internal/contextgraph"
	"github.com/fyrsmithlabs/conclave/internal/events"
	"github.com/fyrsmithlabs/conclave/internal/logging"
	"github.com/fyrsmithlabs/conclave/internal/taskgraph"
	"github.com/fyrsmithlabs/conclave/internal/voting"
)

var tracer = otel.Tracer("conclave.orchestrator")

var (
	// ErrInvalidProjectID is returned for ids unusable in logs, subjects
	// and workspace paths.
	ErrInvalidProjectID = errors.New("invalid project id")

	// ErrFeatureRequired is returned by Start without a feature description.
	ErrFeatureRequired = errors.New("feature description is required")

	// ErrNoTraceRecorder is returned by New without a trace recorder.
	ErrNoTraceRecorder = errors.New("orchestrator needs a trace recorder")

	projectIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)
)

// GateRunner evaluates gates. *voting.Engine implements it.
type GateRunner interface {
	Evaluate(ctx context.Context, gateID string, in voting.Input) (voting.GateDecision, error)
	Catalog() *voting.Catalog
	Config() config.VotingConfig
}

// TraceRecorder persists decision traces. *contextgraph.Graph implements it.
type TraceRecorder interface {
	RecordTrace(ctx context.Context, t contextgraph.DecisionTrace) (contextgraph.DecisionTrace, error)
}

// Archiver versions artifacts. *workspace.Repo implements it.
type Archiver interface {
	Commit(ctx context.Context, projectID, phase, content string) (string, error)
}

// UsageSource hands over the model usage booked against a project.
// *agent.Meter implements it.
type UsageSource interface {
	Drain(projectID string) agent.Ledger
}

// PhaseProgress reports progress during a run.
type PhaseProgress struct {
	ProjectID  string `json:"project_id"`
	Phase      Phase  `json:"phase"`
	Status     Status `json:"status"`
	Message    string `json:"message"`
	Percentage int    `json:"percentage"`
}

// ProgressCallback receives progress updates.
type ProgressCallback func(progress PhaseProgress)

// Options configures an Orchestrator.
type Options struct {
	Traces   TraceRecorder
	Store    ProjectStore
	Archiver Archiver
	Events   events.Sink
	Usage    UsageSource
	Tasks    config.TasksConfig
	// Autonomy defaults to AutonomyAutonomous.
	Autonomy Autonomy
	// AgentTimeout bounds each phase agent call.
	AgentTimeout time.Duration
	// Backoff is the first wait between transient agent retries; it doubles
	// per retry.
	Backoff    time.Duration
	OnProgress ProgressCallback
	Logger     *logging.Logger
}

// Orchestrator runs projects through the pipeline.
type Orchestrator struct {
	agents   agent.Capability
	gates    GateRunner
	traces   TraceRecorder
	store    ProjectStore
	archiver Archiver
	events   events.Sink
	usage    UsageSource
	tasks    config.TasksConfig
	autonomy Autonomy
	timeout  time.Duration
	backoff  time.Duration
	progress ProgressCallback
	logger   *logging.Logger
	now      func() time.Time

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	running map[string]context.CancelFunc
}

// New builds an Orchestrator. The store defaults to memory and events to
// a no-op sink.
func New(agents agent.Capability, gates GateRunner, opts Options) (*Orchestrator, error) {
	if opts.Traces == nil {
		return nil, ErrNoTraceRecorder
	}
	if opts.Store == nil {
		opts.Store = NewMemoryProjectStore()
	}
	if opts.Events == nil {
		opts.Events = events.Nop()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.AgentTimeout <= 0 {
		opts.AgentTimeout = 10 * time.Minute
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	if opts.Tasks.MaxAttempts < 1 {
		opts.Tasks.MaxAttempts = 3
	}
	if opts.Autonomy == "" {
		opts.Autonomy = AutonomyAutonomous
	}
	return &Orchestrator{
		agents:   agents,
		gates:    gates,
		traces:   opts.Traces,
		store:    opts.Store,
		archiver: opts.Archiver,
		events:   opts.Events,
		usage:    opts.Usage,
		tasks:    opts.Tasks,
		autonomy: opts.Autonomy,
		timeout:  opts.AgentTimeout,
		backoff:  opts.Backoff,
		progress: opts.OnProgress,
		logger:   opts.Logger.Named("orchestrator"),
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
		running:  make(map[string]context.CancelFunc),
	}, nil
}

// Start creates a project in Ideation. An empty id gets a generated one.
func (o *Orchestrator) Start(ctx context.Context, id, feature string) (Project, error) {
	if id == "" {
		id = "proj-" + uuid.NewString()[:8]
	}
	if !projectIDPattern.MatchString(id) {
		return Project{}, fmt.Errorf("%w: %q", ErrInvalidProjectID, id)
	}
	if feature == "" {
		return Project{}, ErrFeatureRequired
	}
	now := o.now().UTC()
	p := Project{
		ID:          id,
		Feature:     feature,
		Phase:       PhaseIdeation,
		Status:      StatusActive,
		Artifacts:   make(map[Phase]string),
		Commits:     make(map[Phase]string),
		GateRetries: make(map[string]int),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.Create(ctx, p); err != nil {
		return Project{}, err
	}
	ctx, _ = logging.WithRun(ctx, logging.Run{ProjectID: id, Phase: string(PhaseIdeation)})
	o.logger.Audit(ctx, "project.started", zap.String("feature", truncate(feature, 200)))
	o.publish(ctx, events.New(events.ProjectStarted, id))
	return p, nil
}

// Get returns a project.
func (o *Orchestrator) Get(ctx context.Context, id string) (Project, error) {
	return o.store.Load(ctx, id)
}

// List returns every project.
func (o *Orchestrator) List(ctx context.Context) ([]Project, error) {
	return o.store.List(ctx)
}

func (o *Orchestrator) lock(id string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[id]
	if !ok {
		l = &sync.Mutex{}
		o.locks[id] = l
	}
	return l
}

// Advance runs the current phase of a project and moves it on. Gate
// phases run their full rework loop in one call. The project is persisted
// whatever the result, including when ctx is cancelled.
func (o *Orchestrator) Advance(ctx context.Context, id string) (Project, error) {
	l := o.lock(id)
	l.Lock()
	defer l.Unlock()

	p, err := o.store.Load(ctx, id)
	if err != nil {
		return Project{}, err
	}
	if !p.Active() {
		return p, fmt.Errorf("%w: %s is %s", ErrNotActive, id, p.Status)
	}

	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.running[id] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, id)
		o.mu.Unlock()
		cancel()
	}()

	ctx, _ = logging.WithRun(ctx, logging.Run{ProjectID: id, Phase: string(p.Phase)})
	ctx, span := tracer.Start(ctx, "Orchestrator.Advance")
	defer span.End()
	span.SetAttributes(attribute.String("project.id", id), attribute.String("phase", string(p.Phase)))

	o.flushPending(ctx, &p)

	phase := p.Phase
	switch {
	case phase.IsGate():
		err = o.runGate(ctx, &p)
	case phase == PhaseDevelopment:
		err = o.runDevelopment(ctx, &p)
	case phase.Agent() != "":
		err = o.runAgentPhase(ctx, &p)
	case phase == PhaseComplete:
		p.Status = StatusComplete
	default:
		err = fmt.Errorf("%w: cannot run phase %q", ErrInvalidTransition, phase)
	}

	if saveErr := o.save(ctx, &p); saveErr != nil {
		err = errors.Join(err, saveErr)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "advance failed")
	}
	return p, err
}

// Run advances a project until it completes, blocks or fails.
func (o *Orchestrator) Run(ctx context.Context, id string) (Project, error) {
	for {
		p, err := o.Advance(ctx, id)
		if err != nil || !p.Active() {
			return p, err
		}
	}
}

// Abort stops a running advance and marks the project aborted. Tasks in
// flight go back to pending. Completed projects cannot be aborted.
func (o *Orchestrator) Abort(ctx context.Context, id string) (Project, error) {
	o.mu.Lock()
	if cancel, ok := o.running[id]; ok {
		cancel()
	}
	o.mu.Unlock()

	l := o.lock(id)
	l.Lock()
	defer l.Unlock()

	p, err := o.store.Load(ctx, id)
	if err != nil {
		return Project{}, err
	}
	if p.Status == StatusComplete {
		return p, fmt.Errorf("%w: %s is complete", ErrNotActive, id)
	}
	reset := resetInProgress(&p, o.now().UTC())
	p.Status = StatusAborted
	if err := o.save(ctx, &p); err != nil {
		return p, err
	}

	ctx, _ = logging.WithRun(ctx, logging.Run{ProjectID: id, Phase: string(p.Phase)})
	o.logger.Audit(ctx, "project.aborted", zap.String("tasks_reset", strings.Join(reset, ",")))
	e := events.New(events.ProjectAborted, id)
	e.Phase = string(p.Phase)
	o.publish(ctx, e)
	return p, nil
}

// Resume reactivates an aborted project at the phase it stopped in. A
// project aborted at a checkpoint waits there again.
func (o *Orchestrator) Resume(ctx context.Context, id string) (Project, error) {
	l := o.lock(id)
	l.Lock()
	defer l.Unlock()

	p, err := o.store.Load(ctx, id)
	if err != nil {
		return Project{}, err
	}
	if p.Status != StatusAborted {
		return p, fmt.Errorf("%w: %s is %s, only aborted projects resume", ErrNotActive, id, p.Status)
	}
	p.Status = StatusActive
	if p.Checkpoint != nil {
		p.Status = StatusAwaitingApproval
	}
	if err := o.save(ctx, &p); err != nil {
		return p, err
	}
	ctx, _ = logging.WithRun(ctx, logging.Run{ProjectID: id, Phase: string(p.Phase)})
	o.logger.Audit(ctx, "project.resumed")
	return p, nil
}

// save persists p even when ctx was cancelled, so an abort never loses
// task state.
func (o *Orchestrator) save(ctx context.Context, p *Project) error {
	p.UpdatedAt = o.now().UTC()
	if o.usage != nil {
		p.Usage.Merge(o.usage.Drain(p.ID))
	}
	if err := o.store.Save(context.WithoutCancel(ctx), *p); err != nil {
		o.logger.Error(ctx, "persisting project failed", zap.Error(err))
		return fmt.Errorf("saving project %s: %w", p.ID, err)
	}
	return nil
}

// transition moves p to the next phase, or to to when set.
func (o *Orchestrator) transition(ctx context.Context, p *Project, to Phase, reason string) error {
	from := p.Phase
	if to == "" {
		next, ok := from.Next()
		if !ok {
			return fmt.Errorf("%w: %s is last", ErrInvalidTransition, from)
		}
		to = next
	}
	if err := CanTransition(from, to); err != nil {
		return err
	}
	now := o.now().UTC()
	p.History = append(p.History, PhaseChange{From: from, To: to, At: now, Reason: reason})
	p.Phase = to
	switch to {
	case PhaseComplete:
		p.Status = StatusComplete
	case PhaseBlocked:
		p.Status = StatusBlocked
	}
	phaseTransitions.WithLabelValues(string(to)).Inc()

	o.logger.Audit(ctx, "phase.changed",
		zap.String("from", string(from)), zap.String("to", string(to)), zap.String("reason", reason))
	e := events.New(events.PhaseChanged, p.ID)
	e.Phase = string(to)
	e.Message = reason
	e.Data = map[string]any{"from": string(from)}
	o.publish(ctx, e)

	o.report(PhaseProgress{
		ProjectID:  p.ID,
		Phase:      to,
		Status:     p.Status,
		Message:    fmt.Sprintf("%s -> %s", from, to),
		Percentage: to.Progress(),
	})
	if to == PhaseComplete {
		o.publish(ctx, events.New(events.ProjectCompleted, p.ID))
	}
	return nil
}

// block stops the project in Blocked for a human to pick up.
func (o *Orchestrator) block(ctx context.Context, p *Project, reason string) error {
	p.BlockedIn = p.Phase
	p.BlockedReason = reason
	if err := o.transition(ctx, p, PhaseBlocked, reason); err != nil {
		return err
	}
	projectsBlocked.WithLabelValues(string(p.BlockedIn)).Inc()
	o.logger.Audit(ctx, "project.escalated",
		zap.String("blocked_in", string(p.BlockedIn)), zap.String("reason", reason))
	e := events.New(events.ProjectBlocked, p.ID)
	e.Phase = string(p.BlockedIn)
	e.Message = reason
	o.publish(ctx, e)
	return nil
}

func (o *Orchestrator) report(pr PhaseProgress) {
	if o.progress != nil {
		o.progress(pr)
	}
}

func (o *Orchestrator) publish(ctx context.Context, e events.Event) {
	if err := o.events.Publish(context.WithoutCancel(ctx), e); err != nil {
		o.logger.Warn(ctx, "event not published", zap.String("event", string(e.Type)), zap.Error(err))
	}
}

// archive commits an artifact when a workspace is configured. Failures are
// logged; the pipeline does not depend on the workspace.
func (o *Orchestrator) archive(ctx context.Context, p *Project, phase Phase, content string) {
	if o.archiver == nil {
		return
	}
	hash, err := o.archiver.Commit(ctx, p.ID, string(phase), content)
	if err != nil {
		o.logger.Warn(ctx, "artifact not archived", zap.String("phase", string(phase)), zap.Error(err))
		return
	}
	if p.Commits == nil {
		p.Commits = make(map[Phase]string)
	}
	p.Commits[phase] = hash
}

// invoke calls an agent, retrying transient failures with exponential
// backoff within the task attempt budget.
func (o *Orchestrator) invoke(ctx context.Context, req agent.Request) (agent.Artifact, error) {
	var lastErr error
	wait := o.backoff
	for attempt := 1; attempt <= o.tasks.MaxAttempts; attempt++ {
		art, err := agent.WithDeadline(ctx, o.agents, o.timeout, req)
		if err == nil && art.Content == "" {
			err = &agent.ValidationError{Role: req.Role, Errors: []string{agent.ErrEmptyOutput.Error()}}
		}
		if err == nil {
			return art, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return agent.Artifact{}, ctx.Err()
		}
		o.logger.Info(ctx, "agent attempt failed",
			zap.String("role", req.Role), zap.Int("attempt", attempt),
			zap.Bool("transient", agent.IsTransient(err)), zap.Error(err))
		if attempt == o.tasks.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return agent.Artifact{}, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return agent.Artifact{}, lastErr
}

// runAgentPhase produces the artifact for an agent phase.
func (o *Orchestrator) runAgentPhase(ctx context.Context, p *Project) error {
	phase := p.Phase
	role := phase.Agent()
	art, err := o.invoke(ctx, agent.Request{
		Role:         role,
		Instructions: PhaseInstructions(*p, phase),
		Context:      p.Feature,
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return o.block(ctx, p, fmt.Sprintf("%s agent failed after %d attempts: %v", role, o.tasks.MaxAttempts, err))
	}
	if p.Artifacts == nil {
		p.Artifacts = make(map[Phase]string)
	}
	p.Artifacts[phase] = art.Content
	o.archive(ctx, p, phase, art.Content)
	return o.transition(ctx, p, "", "artifact produced by "+role)
}

// resetInProgress returns persisted in_progress tasks to pending.
func resetInProgress(p *Project, now time.Time) []string {
	var ids []string
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if t.Status != taskgraph.StatusInProgress {
			continue
		}
		t.Transitions = append(t.Transitions, taskgraph.Transition{
			From: t.Status, To: taskgraph.StatusPending, At: now, Reason: "aborted",
		})
		t.Status = taskgraph.StatusPending
		t.UpdatedAt = now
		ids = append(ids, t.ID)
	}
	return ids
}
