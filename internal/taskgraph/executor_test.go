package taskgraph

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/conclave/internal/agent"
	"github.com/fyrsmithlabs/conclave/internal/agent/agenttest"
	"github.com/fyrsmithlabs/conclave/internal/telemetry"
)

func approveAll() (Reviewer, *atomic.Int32) {
	var calls atomic.Int32
	return ReviewerFunc(func(context.Context, Task, agent.Artifact) (Review, error) {
		calls.Add(1)
		return Review{Verdict: VerdictApproved}, nil
	}), &calls
}

func statuses(tk Task) []Status {
	out := make([]Status, 0, len(tk.Transitions))
	for _, tr := range tk.Transitions {
		out = append(out, tr.To)
	}
	return out
}

func TestExecutor_DependentTaskBecomesReadyAfterApproval(t *testing.T) {
	ctx := context.Background()
	g := New()
	require.NoError(t, g.AddTasks([]Task{task("A"), task("B", "A")}))

	agents := agenttest.NewScripted(nil)
	agents.Default = "package a"
	reviewer, _ := approveAll()
	ex := NewExecutor(g, agents, reviewer, Options{Workers: 2})

	assert.Equal(t, []string{"A"}, ids(g.ReadyTasks()))

	art, err := ex.Dispatch(ctx, "A")
	require.NoError(t, err)
	review, err := ex.Complete(ctx, "A", art)
	require.NoError(t, err)
	assert.True(t, review.Approved())

	assert.Equal(t, []string{"B"}, ids(g.ReadyTasks()))

	a, _ := g.Get("A")
	assert.Equal(t, StatusDone, a.Status)
	assert.Equal(t, "package a", a.Artifact)
}

func TestExecutor_Run_EscalatesAfterThreeRejections(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTasks([]Task{task("T1")}))

	agents := agenttest.NewScripted(nil)
	agents.Default = "attempt"
	var reviews atomic.Int32
	reviewer := ReviewerFunc(func(context.Context, Task, agent.Artifact) (Review, error) {
		reviews.Add(1)
		return Review{Verdict: VerdictRejected, Feedback: []string{"missing error handling"}}, nil
	})
	ex := NewExecutor(g, agents, reviewer, Options{Workers: 2, MaxAttempts: 3})

	summary, err := ex.Run(context.Background())
	require.NoError(t, err)

	got, _ := g.Get("T1")
	assert.Equal(t, StatusEscalated, got.Status)
	assert.Equal(t, 3, got.AttemptCount)
	assert.Equal(t, 3, agents.CallsFor("developer"))
	assert.Equal(t, int32(3), reviews.Load())
	assert.Equal(t, []string{"T1"}, summary.Escalated)
	assert.Equal(t, []Status{
		StatusReady, StatusInProgress, StatusFailed,
		StatusReady, StatusInProgress, StatusFailed,
		StatusReady, StatusInProgress, StatusFailed,
		StatusEscalated,
	}, statuses(got))

	_, err = ex.Dispatch(context.Background(), "T1")
	assert.ErrorIs(t, err, ErrInvalidTransition, "escalated tasks are never dispatched again")
	assert.Equal(t, 3, agents.CallsFor("developer"))
}

func TestExecutor_Run_AgentErrorsConsumeAttempts(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTasks([]Task{task("T1")}))

	var calls atomic.Int32
	agents := agent.Func(func(_ context.Context, req agent.Request) (agent.Artifact, error) {
		calls.Add(1)
		return agent.Artifact{}, &agent.TransientError{Role: req.Role, Err: errors.New("rate limited")}
	})
	reviewer, reviews := approveAll()
	ex := NewExecutor(g, agents, reviewer, Options{Workers: 1, MaxAttempts: 2})

	summary, err := ex.Run(context.Background())
	require.NoError(t, err)

	got, _ := g.Get("T1")
	assert.Equal(t, StatusEscalated, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Contains(t, got.LastError, "rate limited")
	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, reviews.Load(), "failed dispatches are never reviewed")
	assert.Equal(t, []string{"T1"}, summary.Escalated)
}

func TestExecutor_RejectionFeedbackReachesNextAttempt(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTasks([]Task{task("T1")}))

	agents := agenttest.NewScripted(map[string][]string{"developer": {"v1", "v2"}})
	var n atomic.Int32
	reviewer := ReviewerFunc(func(_ context.Context, _ Task, art agent.Artifact) (Review, error) {
		if n.Add(1) == 1 {
			return Review{Verdict: VerdictRejected, Feedback: []string{"add input validation"}}, nil
		}
		return Review{Verdict: VerdictApprovedWithConditions, Conditions: []string{"document the limits"}}, nil
	})
	ex := NewExecutor(g, agents, reviewer, Options{Workers: 1})

	summary, err := ex.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Complete())

	got, _ := g.Get("T1")
	assert.Equal(t, StatusDone, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, "v2", got.Artifact)
	assert.Contains(t, got.Feedback, "document the limits")

	require.Len(t, agents.Calls, 2)
	assert.NotContains(t, agents.Calls[0].Instructions, "add input validation")
	assert.Contains(t, agents.Calls[1].Instructions, "add input validation")
}

func TestExecutor_ValidationErrorBecomesFeedback(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTasks([]Task{task("T1")}))
	g.ReadyTasks()

	agents := agent.Func(func(_ context.Context, req agent.Request) (agent.Artifact, error) {
		return agent.Artifact{}, &agent.ValidationError{Role: req.Role, Errors: []string{"no code block"}}
	})
	reviewer, _ := approveAll()
	ex := NewExecutor(g, agents, reviewer, Options{Workers: 1})

	_, err := ex.Dispatch(context.Background(), "T1")
	require.Error(t, err)
	assert.True(t, agent.IsValidation(err))

	got, _ := g.Get("T1")
	assert.Equal(t, StatusReady, got.Status)
	assert.Equal(t, []string{"no code block"}, got.Feedback)
}

func TestExecutor_Dispatch_NoFreeWorker(t *testing.T) {
	ctx := context.Background()
	g := New()
	require.NoError(t, g.AddTasks([]Task{task("T1"), task("T2")}))
	g.ReadyTasks()

	agents := agenttest.NewScripted(nil)
	reviewer, _ := approveAll()
	ex := NewExecutor(g, agents, reviewer, Options{Workers: 1})

	_, err := ex.Dispatch(ctx, "T1")
	require.NoError(t, err)

	_, err = ex.Dispatch(ctx, "T2")
	assert.ErrorIs(t, err, ErrNoWorker)

	t2, _ := g.Get("T2")
	assert.Equal(t, StatusReady, t2.Status)
}

func TestExecutor_Run_RespectsWorkerBound(t *testing.T) {
	g := New()
	batch := []Task{task("T1"), task("T2"), task("T3"), task("T4"), task("T5"), task("T6")}
	require.NoError(t, g.AddTasks(batch))

	var cur, peak atomic.Int32
	agents := agent.Func(func(context.Context, agent.Request) (agent.Artifact, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		cur.Add(-1)
		return agent.Artifact{Content: "ok"}, nil
	})
	reviewer, _ := approveAll()
	ex := NewExecutor(g, agents, reviewer, Options{Workers: 2})

	summary, err := ex.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Complete())
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 6, summary.Counts[StatusDone])
}

func TestExecutor_Complete_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	g := New()
	require.NoError(t, g.AddTasks([]Task{task("T1")}))
	g.ReadyTasks()

	agents := agenttest.NewScripted(nil)
	reviewer, reviews := approveAll()
	ex := NewExecutor(g, agents, reviewer, Options{Workers: 1})

	art, err := ex.Dispatch(ctx, "T1")
	require.NoError(t, err)

	first, err := ex.Complete(ctx, "T1", art)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := ex.Complete(ctx, "T1", art)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, int32(1), reviews.Load())

	got, _ := g.Get("T1")
	done := 0
	for _, s := range statuses(got) {
		if s == StatusDone {
			done++
		}
	}
	assert.Equal(t, 1, done)
}

func TestExecutor_Complete_RequiresInProgress(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTasks([]Task{task("T1")}))
	reviewer, _ := approveAll()
	ex := NewExecutor(g, agenttest.NewScripted(nil), reviewer, Options{})

	_, err := ex.Complete(context.Background(), "T1", agent.Artifact{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestExecutor_Cancel_ReturnsInProgressToPending(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTasks([]Task{task("T1")}))

	started := make(chan struct{}, 1)
	agents := agent.Func(func(ctx context.Context, _ agent.Request) (agent.Artifact, error) {
		started <- struct{}{}
		<-ctx.Done()
		return agent.Artifact{}, ctx.Err()
	})
	reviewer, _ := approveAll()
	ex := NewExecutor(g, agents, reviewer, Options{Workers: 1})

	type result struct {
		summary Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		s, err := ex.Run(context.Background())
		done <- result{s, err}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task was never dispatched")
	}

	assert.Equal(t, []string{"T1"}, ex.Cancel())

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Cancel")
	}
	assert.ErrorIs(t, res.err, context.Canceled)

	got, _ := g.Get("T1")
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.AttemptCount, "aborting does not charge an attempt")
	assert.Equal(t, "aborted", got.Transitions[len(got.Transitions)-1].Reason)
}

func TestExecutor_Run_RejectsConcurrentRun(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTasks([]Task{task("T1")}))

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	agents := agent.Func(func(ctx context.Context, _ agent.Request) (agent.Artifact, error) {
		started <- struct{}{}
		<-release
		return agent.Artifact{Content: "ok"}, nil
	})
	reviewer, _ := approveAll()
	ex := NewExecutor(g, agents, reviewer, Options{Workers: 1})

	done := make(chan error, 1)
	go func() {
		_, err := ex.Run(context.Background())
		done <- err
	}()
	<-started

	_, err := ex.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	require.NoError(t, <-done)
}

func TestInstructions(t *testing.T) {
	tk := Task{
		ID:                 "AUTH-001",
		Title:              "User model",
		Category:           CategoryModel,
		Size:               SizeSmall,
		TargetFiles:        []string{"internal/user/model.go"},
		AcceptanceCriteria: []string{"email is unique", "password is hashed"},
		Feedback:           []string{"hash with bcrypt"},
		AttemptCount:       1,
	}
	out := Instructions(tk)
	assert.Contains(t, out, "Implement task AUTH-001: User model")
	assert.Contains(t, out, "1. email is unique")
	assert.Contains(t, out, "2. password is hashed")
	assert.Contains(t, out, "- internal/user/model.go")
	assert.Contains(t, out, "- hash with bcrypt")
}

func TestExecutor_RecordsSpans(t *testing.T) {
	rec := telemetry.GlobalRecorder()
	g := New()
	require.NoError(t, g.AddTasks([]Task{task("traced-1")}))

	agents := agenttest.NewScripted(nil)
	agents.Default = "package traced"
	reject := ReviewerFunc(func(context.Context, Task, agent.Artifact) (Review, error) {
		return Review{Verdict: VerdictRejected, Feedback: []string{"missing tests"}}, nil
	})
	ex := NewExecutor(g, agents, reject, Options{Workers: 1, MaxAttempts: 2})

	_, err := ex.Run(context.Background())
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		rec.RequireSpan(t, "Executor.Dispatch",
			attribute.String("task.id", "traced-1"),
			attribute.String("task.category", string(CategoryService)),
			attribute.Int("task.attempt", attempt),
		)
	}
	completes := rec.Find("Executor.Complete",
		attribute.String("task.id", "traced-1"),
		attribute.String("gate.id", CategoryService.Gate()),
		attribute.String("verdict", string(VerdictRejected)),
	)
	assert.Len(t, completes, 2)
	assert.Len(t, rec.Find("Executor.Complete", attribute.String("task.id", "traced-1"), attribute.String("verdict", string(VerdictApproved))), 0)
}
