package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithDeadline_FillsRoleAndDuration(t *testing.T) {
	c := Func(func(ctx context.Context, req Request) (Artifact, error) {
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return Artifact{Content: "ok"}, nil
	})

	art, err := WithDeadline(context.Background(), c, time.Second, Request{Role: "developer"})
	require.NoError(t, err)
	assert.Equal(t, "developer", art.Role)
	assert.Equal(t, "ok", art.Content)
}

func TestWithDeadline_TimeoutIsTransient(t *testing.T) {
	c := Func(func(ctx context.Context, req Request) (Artifact, error) {
		<-ctx.Done()
		return Artifact{}, errors.New("provider gave up")
	})

	_, err := WithDeadline(context.Background(), c, 10*time.Millisecond, Request{Role: "qa"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithDeadline_PassesValidationErrors(t *testing.T) {
	c := Func(func(ctx context.Context, req Request) (Artifact, error) {
		return Artifact{}, &ValidationError{Role: req.Role, Errors: []string{"bad"}}
	})

	_, err := WithDeadline(context.Background(), c, time.Second, Request{Role: "qa"})
	assert.True(t, IsValidation(err))
	assert.False(t, IsTransient(err))
}
