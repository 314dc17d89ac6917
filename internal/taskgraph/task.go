package taskgraph

import (
	"fmt"
	"time"
)

// Status is a task's scheduling state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusEscalated  Status = "escalated"
)

// AllStatuses returns every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{StatusPending, StatusReady, StatusInProgress, StatusDone, StatusFailed, StatusEscalated}
}

// Terminal reports whether the scheduler leaves the task alone. Only an
// operator moves an escalated task again.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusEscalated
}

// transitions lists the allowed moves. in_progress -> pending is the
// abort path and escalated -> pending is an operator reopening the task;
// everything else follows the normal lifecycle.
var transitions = map[Status][]Status{
	StatusPending:    {StatusReady},
	StatusReady:      {StatusInProgress},
	StatusInProgress: {StatusDone, StatusFailed, StatusPending},
	StatusFailed:     {StatusReady, StatusEscalated},
	StatusEscalated:  {StatusPending},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Category is the kind of work a task represents.
type Category string

const (
	CategoryModel       Category = "model"
	CategoryAPI         Category = "api"
	CategoryService     Category = "service"
	CategoryIntegration Category = "integration"
	CategoryUI          Category = "ui"
	CategoryDatabase    Category = "database"
	CategoryConfig      Category = "config"
	CategoryTest        Category = "test"
	CategoryDocs        Category = "docs"
	CategoryInfra       Category = "infra"
)

// AllCategories returns every known category.
func AllCategories() []Category {
	return []Category{
		CategoryModel, CategoryAPI, CategoryService, CategoryIntegration, CategoryUI,
		CategoryDatabase, CategoryConfig, CategoryTest, CategoryDocs, CategoryInfra,
	}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range AllCategories() {
		if c == known {
			return true
		}
	}
	return false
}

// Gate returns the gate id that reviews tasks of this category.
func (c Category) Gate() string {
	switch c {
	case CategoryTest:
		return "test_coverage"
	case CategoryDocs:
		return "release_readiness"
	default:
		return "code_review"
	}
}

// Role returns the agent role that implements tasks of this category.
func (c Category) Role() string {
	switch c {
	case CategoryTest:
		return "test_writer"
	case CategoryDocs:
		return "technical_writer"
	default:
		return "developer"
	}
}

// Size is a rough effort estimate.
type Size string

const (
	SizeSmall  Size = "S"
	SizeMedium Size = "M"
	SizeLarge  Size = "L"
)

// Valid reports whether s is a known size.
func (s Size) Valid() bool {
	return s == SizeSmall || s == SizeMedium || s == SizeLarge
}

// Transition is one recorded status change.
type Transition struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Task is one atomic unit of implementation work.
type Task struct {
	ID                  string       `json:"id" yaml:"id"`
	Title               string       `json:"title" yaml:"title"`
	Description         string       `json:"description,omitempty" yaml:"description"`
	Category            Category     `json:"category" yaml:"category"`
	Size                Size         `json:"size" yaml:"size"`
	AcceptanceCriteria  []string     `json:"acceptance_criteria,omitempty" yaml:"acceptance_criteria"`
	DependsOn           []string     `json:"depends_on,omitempty" yaml:"depends_on"`
	TargetFiles         []string     `json:"target_files,omitempty" yaml:"target_files"`
	ImplementationNotes string       `json:"implementation_notes,omitempty" yaml:"implementation_notes"`
	Status              Status       `json:"status" yaml:"-"`
	AttemptCount        int          `json:"attempt_count" yaml:"-"`
	Feedback            []string     `json:"feedback,omitempty" yaml:"-"`
	Artifact            string       `json:"artifact,omitempty" yaml:"-"`
	LastError           string       `json:"last_error,omitempty" yaml:"-"`
	Transitions         []Transition `json:"transitions,omitempty" yaml:"-"`
	CreatedAt           time.Time    `json:"created_at" yaml:"-"`
	UpdatedAt           time.Time    `json:"updated_at" yaml:"-"`
}

func (t *Task) moveTo(to Status, reason string, now time.Time) error {
	if !canTransition(t.Status, to) {
		return fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, t.ID, t.Status, to)
	}
	t.Transitions = append(t.Transitions, Transition{From: t.Status, To: to, At: now, Reason: reason})
	t.Status = to
	t.UpdatedAt = now
	return nil
}

func (t *Task) clone() Task {
	c := *t
	c.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.TargetFiles = append([]string(nil), t.TargetFiles...)
	c.Feedback = append([]string(nil), t.Feedback...)
	c.Transitions = append([]Transition(nil), t.Transitions...)
	return c
}
