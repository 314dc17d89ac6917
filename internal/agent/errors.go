package agent

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoProvider is returned when no model provider is configured.
	ErrNoProvider = errors.New("no agent provider configured")

	// ErrEmptyOutput is returned when a provider answers with nothing.
	ErrEmptyOutput = errors.New("empty agent output")
)

// TransientError wraps network failures, timeouts and rate limits.
type TransientError struct {
	Role string
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient agent error (role %s): %v", e.Role, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError reports malformed agent output.
type ValidationError struct {
	Role   string
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid output from %s: %s", e.Role, strings.Join(e.Errors, "; "))
}

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
