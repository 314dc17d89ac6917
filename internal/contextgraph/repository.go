package contextgraph

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Filter narrows a trace scan. Zero fields match everything.
type Filter struct {
	ProjectID    string
	DecisionType string
	Decision     string
	// Tags matches traces carrying any of the listed tags.
	Tags  []string
	Since time.Time
	Limit int
	// Match is applied after the other fields.
	Match func(DecisionTrace) bool
}

// Matches reports whether t passes every set field of f.
func (f Filter) Matches(t DecisionTrace) bool {
	if f.ProjectID != "" && t.ProjectID != f.ProjectID {
		return false
	}
	if f.DecisionType != "" && t.DecisionType != f.DecisionType {
		return false
	}
	if f.Decision != "" && t.Decision != f.Decision {
		return false
	}
	if !f.Since.IsZero() && t.Timestamp.Before(f.Since) {
		return false
	}
	if len(f.Tags) > 0 && !overlaps(f.Tags, t.Tags) {
		return false
	}
	if f.Match != nil && !f.Match(t) {
		return false
	}
	return true
}

// Repository is the durable, append-only trace log. Implementations must
// be safe for concurrent use.
type Repository interface {
	// Append stores a new trace. It returns ErrDuplicateTrace if the id exists.
	Append(ctx context.Context, t DecisionTrace) error
	// Get returns a *NotFoundError for unknown ids.
	Get(ctx context.Context, traceID string) (DecisionTrace, error)
	// UpdateOutcome replaces the outcome fields and correction history of an
	// existing trace. Everything else is immutable.
	UpdateOutcome(ctx context.Context, t DecisionTrace) error
	// Scan returns matching traces ordered by timestamp ascending.
	Scan(ctx context.Context, f Filter) ([]DecisionTrace, error)
}

// MemoryRepository keeps traces in process memory.
type MemoryRepository struct {
	mu     sync.RWMutex
	traces map[string]DecisionTrace
	order  []string
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{traces: make(map[string]DecisionTrace)}
}

func (r *MemoryRepository) Append(_ context.Context, t DecisionTrace) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.traces[t.TraceID]; ok {
		return ErrDuplicateTrace
	}
	r.traces[t.TraceID] = t.clone()
	r.order = append(r.order, t.TraceID)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, traceID string) (DecisionTrace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.traces[traceID]
	if !ok {
		return DecisionTrace{}, &NotFoundError{TraceID: traceID}
	}
	return t.clone(), nil
}

func (r *MemoryRepository) UpdateOutcome(_ context.Context, t DecisionTrace) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.traces[t.TraceID]
	if !ok {
		return &NotFoundError{TraceID: t.TraceID}
	}
	u := t.clone()
	cur.Outcome = u.Outcome
	cur.OutcomeScore = u.OutcomeScore
	cur.OutcomeNotes = u.OutcomeNotes
	cur.OutcomeAt = u.OutcomeAt
	cur.Corrections = u.Corrections
	r.traces[t.TraceID] = cur
	return nil
}

func (r *MemoryRepository) Scan(_ context.Context, f Filter) ([]DecisionTrace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DecisionTrace, 0)
	for _, id := range r.order {
		t := r.traces[id]
		if f.Matches(t) {
			out = append(out, t.clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
