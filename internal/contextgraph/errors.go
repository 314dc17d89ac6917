package contextgraph

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is matched by every NotFoundError.
	ErrNotFound = errors.New("trace not found")

	// ErrAlreadyRecorded is matched by every AlreadyRecordedError.
	ErrAlreadyRecorded = errors.New("outcome already recorded")

	// ErrDuplicateTrace is returned when appending an id that already exists.
	ErrDuplicateTrace = errors.New("duplicate trace id")

	// ErrInvalidTrace is returned for traces missing required fields.
	ErrInvalidTrace = errors.New("invalid trace")

	// ErrInvalidOutcome is returned for unknown labels or scores outside [-1,1].
	ErrInvalidOutcome = errors.New("invalid outcome")

	// ErrIndexUnavailable is wrapped by PrecedentStoreError when no index is configured.
	ErrIndexUnavailable = errors.New("similarity index unavailable")
)

// NotFoundError reports an unknown trace id.
type NotFoundError struct {
	TraceID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("trace %s not found", e.TraceID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// AlreadyRecordedError reports an outcome write on a trace that has one.
type AlreadyRecordedError struct {
	TraceID string
	Outcome string
}

func (e *AlreadyRecordedError) Error() string {
	return fmt.Sprintf("trace %s already has outcome %q; pass override to correct it", e.TraceID, e.Outcome)
}

func (e *AlreadyRecordedError) Is(target error) bool { return target == ErrAlreadyRecorded }

// PrecedentStoreError reports that the similarity index could not serve a
// request. Lookups degrade to no precedents when it occurs.
type PrecedentStoreError struct {
	Op  string
	Err error
}

func (e *PrecedentStoreError) Error() string {
	return fmt.Sprintf("precedent store %s: %v", e.Op, e.Err)
}

func (e *PrecedentStoreError) Unwrap() error { return e.Err }
