package taskgraph

import (
	"errors"
	"strings"
)

var (
	// ErrDuplicateTask is returned when a task id is already in the graph or repeated in a batch.
	ErrDuplicateTask = errors.New("duplicate task id")

	// ErrUnknownDependency is returned when a task depends on an id that does not exist.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrInvalidTask is returned for tasks missing required fields.
	ErrInvalidTask = errors.New("invalid task")

	// ErrTaskNotFound is returned for lookups of an unknown id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrNoWorker is returned by Dispatch when all workers are busy.
	// The task stays ready.
	ErrNoWorker = errors.New("no free worker")

	// ErrReviewInProgress is returned when a second completion races a review.
	ErrReviewInProgress = errors.New("task review already in progress")

	// ErrAlreadyRunning is returned when Run is called on a running executor.
	ErrAlreadyRunning = errors.New("executor already running")
)

// CycleError reports a dependency cycle. Path starts and ends with the
// same task id.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "circular dependency detected: " + strings.Join(e.Path, " -> ")
}

// IsCycle reports whether err is a CycleError.
func IsCycle(err error) bool {
	var ce *CycleError
	return errors.As(err, &ce)
}
