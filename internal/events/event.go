package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names an event.
type Type string

const (
	ProjectStarted   Type = "project.started"
	ProjectCompleted Type = "project.completed"
	ProjectBlocked   Type = "project.blocked"
	ProjectAborted   Type = "project.aborted"
	ProjectPaused    Type = "project.awaiting_approval"
	ProjectUnblocked Type = "project.unblocked"
	PhaseChanged     Type = "phase.changed"
	GateDecided      Type = "gate.decided"
	TaskTransition   Type = "task.transition"
	TraceRecorded    Type = "trace.recorded"
)

// Event is one pipeline occurrence.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	ProjectID string         `json:"project_id"`
	Phase     string         `json:"phase,omitempty"`
	GateID    string         `json:"gate_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	At        time.Time      `json:"at"`
}

// New returns an event with a fresh id and timestamp.
func New(t Type, projectID string) Event {
	return Event{ID: uuid.NewString(), Type: t, ProjectID: projectID, At: time.Now().UTC()}
}

// Sink receives events. Publishing is best effort; callers log failures
// and carry on.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

type nopSink struct{}

func (nopSink) Publish(context.Context, Event) error { return nil }

// Nop returns a Sink that drops everything.
func Nop() Sink { return nopSink{} }

// Recorder is an in-memory Sink.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish stores e.
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the type of every published event, in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
