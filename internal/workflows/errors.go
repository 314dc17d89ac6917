package workflows

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/conclave/internal/orchestrator"
)

// Application error types. The first two are not retried.
const (
	ErrTypeProjectNotFound = "ProjectNotFound"
	ErrTypeInvalidProject  = "InvalidProject"
	ErrTypeAdvanceLimit    = "AdvanceLimit"
)

// activityError wraps err with the operation and marks caller mistakes as
// non-retryable. Everything else is left to the retry policy.
func activityError(ctx context.Context, op string, err error) error {
	activityErrors.Add(ctx, 1)
	switch {
	case errors.Is(err, orchestrator.ErrProjectNotFound):
		return temporal.NewNonRetryableApplicationError(fmt.Sprintf("%s: %v", op, err), ErrTypeProjectNotFound, err)
	case errors.Is(err, orchestrator.ErrInvalidProjectID),
		errors.Is(err, orchestrator.ErrFeatureRequired),
		errors.Is(err, orchestrator.ErrInvalidTransition):
		return temporal.NewNonRetryableApplicationError(fmt.Sprintf("%s: %v", op, err), ErrTypeInvalidProject, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
