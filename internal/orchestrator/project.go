package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/conclave/internal/agent"
	"github.com/fyrsmithlabs/conclave/internal/contextgraph"
	"github.com/fyrsmithlabs/conclave/internal/taskgraph"
)

var (
	// ErrProjectNotFound is returned for unknown project ids.
	ErrProjectNotFound = errors.New("project not found")

	// ErrProjectExists is returned when starting a project with a taken id.
	ErrProjectExists = errors.New("project already exists")

	// ErrNotActive is returned when advancing a project that is complete,
	// blocked or aborted.
	ErrNotActive = errors.New("project is not active")
)

// Status is the lifecycle state of a project.
type Status string

const (
	StatusActive   Status = "active"
	StatusComplete Status = "complete"
	StatusBlocked  Status = "blocked"
	StatusAborted  Status = "aborted"
	// StatusAwaitingApproval is a project paused at a checkpoint.
	StatusAwaitingApproval Status = "awaiting_approval"
)

// PhaseChange is one entry of a project's phase history.
type PhaseChange struct {
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// DecisionRef links a project to one gate evaluation.
type DecisionRef struct {
	GateID     string    `json:"gate_id"`
	DecisionID string    `json:"decision_id"`
	TraceID    string    `json:"trace_id,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	Outcome    string    `json:"outcome"`
	Attempt    int       `json:"attempt"`
	At         time.Time `json:"at"`
}

// Project is the persisted state of one pipeline run.
type Project struct {
	ID      string `json:"id"`
	Feature string `json:"feature"`
	Phase   Phase  `json:"phase"`
	Status  Status `json:"status"`

	Artifacts map[Phase]string `json:"artifacts,omitempty"`
	// Commits holds the workspace commit of each artifact.
	Commits    map[Phase]string    `json:"commits,omitempty"`
	Conditions map[string][]string `json:"conditions,omitempty"`
	Tasks      []taskgraph.Task    `json:"tasks,omitempty"`

	// GateRetries counts revisions per gate id.
	GateRetries map[string]int `json:"gate_retries,omitempty"`
	Decisions   []DecisionRef  `json:"decisions,omitempty"`
	// PendingTraces were produced but not yet stored by the context graph.
	PendingTraces []contextgraph.DecisionTrace `json:"pending_traces,omitempty"`

	// Usage is the model spend of every agent call made for the project.
	Usage agent.Ledger `json:"usage"`

	// Checkpoint is set while the project waits for approval.
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`

	BlockedIn     Phase         `json:"blocked_in,omitempty"`
	BlockedReason string        `json:"blocked_reason,omitempty"`
	History       []PhaseChange `json:"history,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Active reports whether the project can advance.
func (p Project) Active() bool { return p.Status == StatusActive }

// Artifact returns the artifact produced in phase, or "".
func (p Project) Artifact(phase Phase) string { return p.Artifacts[phase] }

// Clone returns a deep copy.
func (p Project) Clone() Project {
	c := p
	c.Artifacts = copyMap(p.Artifacts)
	c.Commits = copyMap(p.Commits)
	c.GateRetries = copyMap(p.GateRetries)
	if p.Conditions != nil {
		c.Conditions = make(map[string][]string, len(p.Conditions))
		for k, v := range p.Conditions {
			c.Conditions[k] = append([]string(nil), v...)
		}
	}
	c.Tasks = append([]taskgraph.Task(nil), p.Tasks...)
	c.Decisions = append([]DecisionRef(nil), p.Decisions...)
	c.PendingTraces = append([]contextgraph.DecisionTrace(nil), p.PendingTraces...)
	c.History = append([]PhaseChange(nil), p.History...)
	c.Usage = p.Usage.Clone()
	if p.Checkpoint != nil {
		cp := *p.Checkpoint
		c.Checkpoint = &cp
	}
	return c
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ProjectStore persists project state so runs survive restarts.
type ProjectStore interface {
	// Create stores a new project; ErrProjectExists if the id is taken.
	Create(ctx context.Context, p Project) error
	// Save replaces an existing project.
	Save(ctx context.Context, p Project) error
	// Load returns ErrProjectNotFound for unknown ids.
	Load(ctx context.Context, id string) (Project, error)
	// List returns every project, oldest first.
	List(ctx context.Context) ([]Project, error)
}

// MemoryProjectStore keeps projects in process memory.
type MemoryProjectStore struct {
	mu       sync.RWMutex
	projects map[string]Project
}

// NewMemoryProjectStore returns an empty store.
func NewMemoryProjectStore() *MemoryProjectStore {
	return &MemoryProjectStore{projects: make(map[string]Project)}
}

func (s *MemoryProjectStore) Create(_ context.Context, p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrProjectExists, p.ID)
	}
	s.projects[p.ID] = p.Clone()
	return nil
}

func (s *MemoryProjectStore) Save(_ context.Context, p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, p.ID)
	}
	s.projects[p.ID] = p.Clone()
	return nil
}

func (s *MemoryProjectStore) Load(_ context.Context, id string) (Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return Project{}, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	return p.Clone(), nil
}

func (s *MemoryProjectStore) List(_ context.Context) ([]Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
