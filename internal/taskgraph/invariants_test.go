package taskgraph

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/conclave/internal/agent"
)

// randomDAG builds n tasks where each task may depend on any earlier one.
func randomDAG(r *rand.Rand, n int) []Task {
	tasks := make([]Task, n)
	for i := range tasks {
		var deps []string
		for j := 0; j < i; j++ {
			if r.Intn(4) == 0 {
				deps = append(deps, fmt.Sprintf("T%02d", j))
			}
		}
		tasks[i] = task(fmt.Sprintf("T%02d", i), deps...)
	}
	// Shuffle so insertion order is not topological.
	r.Shuffle(len(tasks), func(i, j int) { tasks[i], tasks[j] = tasks[j], tasks[i] })
	return tasks
}

func TestGraph_RandomDAGs_ReadyAndTransitionsHold(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			r := rand.New(rand.NewSource(seed))
			g := New()
			require.NoError(t, g.AddTasks(randomDAG(r, 4+r.Intn(12))))

			agents := agent.Func(func(_ context.Context, req agent.Request) (agent.Artifact, error) {
				if r.Intn(6) == 0 {
					return agent.Artifact{}, &agent.TransientError{Role: req.Role, Err: errors.New("rate limited")}
				}
				return agent.Artifact{Content: "code"}, nil
			})
			reviewer := ReviewerFunc(func(context.Context, Task, agent.Artifact) (Review, error) {
				if r.Intn(3) == 0 {
					return Review{Verdict: VerdictRejected, Feedback: []string{"try again"}}, nil
				}
				return Review{Verdict: VerdictApproved}, nil
			})
			ex := NewExecutor(g, agents, reviewer, Options{Workers: 1, MaxAttempts: 3})
			ctx := context.Background()

			for round := 0; round < 200; round++ {
				before := statusByID(g.Tasks())
				promoted := g.ReadyTasks()
				assertReadyMatchesDefinition(t, before, promoted)

				ready := g.Ready()
				if len(ready) == 0 {
					break
				}
				for _, tk := range ready {
					art, err := ex.Dispatch(ctx, tk.ID)
					if err != nil {
						continue
					}
					_, err = ex.Complete(ctx, tk.ID, art)
					require.NoError(t, err)
				}
			}

			assert.Empty(t, g.Ready(), "scheduling settles")
			for _, tk := range g.Tasks() {
				assertTransitionChain(t, tk)
				assert.LessOrEqual(t, tk.AttemptCount, 3, tk.ID)
				switch tk.Status {
				case StatusDone, StatusEscalated:
				case StatusPending:
					assert.Contains(t, g.Blocked(), tk.ID, "pending tasks wait on an escalated dependency")
				default:
					t.Errorf("task %s settled in %s", tk.ID, tk.Status)
				}
			}
		})
	}
}

func statusByID(tasks []Task) map[string]Task {
	out := make(map[string]Task, len(tasks))
	for _, tk := range tasks {
		out[tk.ID] = tk
	}
	return out
}

// assertReadyMatchesDefinition checks that ReadyTasks promoted exactly the
// pending tasks whose dependencies were all done.
func assertReadyMatchesDefinition(t *testing.T, before map[string]Task, promoted []Task) {
	t.Helper()
	var want []string
	for _, tk := range before {
		if tk.Status != StatusPending {
			continue
		}
		ok := true
		for _, dep := range tk.DependsOn {
			if before[dep].Status != StatusDone {
				ok = false
				break
			}
		}
		if ok {
			want = append(want, tk.ID)
		}
	}
	assert.ElementsMatch(t, want, ids(promoted))
}

// assertTransitionChain checks that the history only takes allowed moves
// and that each move starts where the previous one ended.
func assertTransitionChain(t *testing.T, tk Task) {
	t.Helper()
	prev := StatusPending
	for i, tr := range tk.Transitions {
		assert.Equal(t, prev, tr.From, "%s transition %d", tk.ID, i)
		assert.True(t, canTransition(tr.From, tr.To), "%s: %s -> %s", tk.ID, tr.From, tr.To)
		prev = tr.To
	}
	assert.Equal(t, prev, tk.Status, tk.ID)
}
