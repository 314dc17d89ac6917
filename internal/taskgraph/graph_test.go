package taskgraph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func task(id string, deps ...string) Task {
	return Task{ID: id, Title: "task " + id, Category: CategoryService, Size: SizeSmall, DependsOn: deps}
}

func ids(tasks []Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func TestGraph_AddTasks_EntersPending(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTasks([]Task{task("A"), task("B", "A")}))

	for _, tk := range g.Tasks() {
		assert.Equal(t, StatusPending, tk.Status)
		assert.Zero(t, tk.AttemptCount)
		assert.False(t, tk.CreatedAt.IsZero())
	}
	assert.Equal(t, 2, g.Len())
}

func TestGraph_AddTasks_CycleRejectsWholeBatch(t *testing.T) {
	g := New()
	err := g.AddTasks([]Task{task("X"), task("A", "B"), task("B", "A")})

	var ce *CycleError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{"A", "B", "A"}, ce.Path)
	assert.Contains(t, err.Error(), "A -> B -> A")
	assert.Zero(t, g.Len(), "no task from a failed batch is added")
}

func TestGraph_AddTasks_SelfDependency(t *testing.T) {
	err := New().AddTasks([]Task{task("A", "A")})
	require.True(t, IsCycle(err))
}

func TestGraph_AddTasks_Validation(t *testing.T) {
	tests := []struct {
		name  string
		batch []Task
		want  error
	}{
		{"unknown dependency", []Task{task("A", "missing")}, ErrUnknownDependency},
		{"duplicate in batch", []Task{task("A"), task("A")}, ErrDuplicateTask},
		{"missing id", []Task{{Title: "no id"}}, ErrInvalidTask},
		{"missing title", []Task{{ID: "A"}}, ErrInvalidTask},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New()
			err := g.AddTasks(tt.batch)
			assert.ErrorIs(t, err, tt.want)
			assert.Zero(t, g.Len())
		})
	}
}

func TestGraph_AddTasks_DuplicateAgainstExisting(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTasks([]Task{task("A")}))
	assert.ErrorIs(t, g.AddTasks([]Task{task("A")}), ErrDuplicateTask)
	require.NoError(t, g.AddTasks([]Task{task("B", "A")}), "later batches may depend on earlier tasks")
}

func TestGraph_ReadyTasks_RespectsDependencies(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTasks([]Task{task("A"), task("B", "A")}))

	assert.Equal(t, []string{"A"}, ids(g.ReadyTasks()))
	assert.Empty(t, g.ReadyTasks(), "ready tasks are not returned twice")

	a, err := g.Get("A")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, a.Status)

	_, err = g.start("A", 0)
	require.NoError(t, err)
	_, ok := g.finish("A", "done", nil)
	require.True(t, ok)

	assert.Equal(t, []string{"B"}, ids(g.ReadyTasks()))
}

func TestGraph_ReadyTasks_Diamond(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTasks([]Task{
		task("D", "B", "C"),
		task("A"),
		task("B", "A"),
		task("C", "A"),
	}))

	complete := func(id string) {
		t.Helper()
		_, err := g.start(id, 0)
		require.NoError(t, err)
		_, ok := g.finish(id, "", nil)
		require.True(t, ok)
	}

	assert.Equal(t, []string{"A"}, ids(g.ReadyTasks()))
	complete("A")
	assert.Equal(t, []string{"B", "C"}, ids(g.ReadyTasks()), "insertion order")
	complete("B")
	assert.Empty(t, g.ReadyTasks(), "D still waits on C")
	complete("C")
	assert.Equal(t, []string{"D"}, ids(g.ReadyTasks()))
}

func TestGraph_Fail_RetriesThenEscalates(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTasks([]Task{task("A")}))
	g.ReadyTasks()

	for attempt := 1; attempt <= 3; attempt++ {
		_, err := g.start("A", 0)
		require.NoError(t, err)
		got, ok := g.fail("A", "rejected", []string{"fix it"}, "", 3)
		require.True(t, ok)
		assert.Equal(t, attempt, got.AttemptCount)
		if attempt < 3 {
			assert.Equal(t, StatusReady, got.Status)
		} else {
			assert.Equal(t, StatusEscalated, got.Status)
		}
	}

	_, err := g.start("A", 0)
	assert.ErrorIs(t, err, ErrInvalidTransition, "escalated tasks are not scheduled")
}

func TestGraph_Reopen(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTasks([]Task{task("A"), task("B", "A")}))
	g.ReadyTasks()
	_, err := g.start("A", 0)
	require.NoError(t, err)
	g.fail("A", "rejected", []string{"add retries"}, "", 1)

	_, err = g.Reopen([]string{"A", "B"}, "operator retry")
	assert.ErrorIs(t, err, ErrInvalidTransition, "B is pending, so nothing reopens")
	_, err = g.Reopen([]string{"missing"}, "operator retry")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	a, _ := g.Get("A")
	require.Equal(t, StatusEscalated, a.Status)

	reopened, err := g.Reopen([]string{"A"}, "operator retry")
	require.NoError(t, err)
	require.Len(t, reopened, 1)
	assert.Equal(t, StatusPending, reopened[0].Status)
	assert.Zero(t, reopened[0].AttemptCount)
	assert.Equal(t, []string{"add retries"}, reopened[0].Feedback)
	last := reopened[0].Transitions[len(reopened[0].Transitions)-1]
	assert.Equal(t, Transition{From: StatusEscalated, To: StatusPending, At: last.At, Reason: "operator retry"}, last)

	assert.Equal(t, []string{"A"}, ids(g.ReadyTasks()))
}

func TestGraph_Blocked(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTasks([]Task{task("A"), task("B", "A"), task("C", "B"), task("D")}))
	g.ReadyTasks()
	_, err := g.start("A", 0)
	require.NoError(t, err)
	g.fail("A", "boom", nil, "", 1)

	assert.Equal(t, []string{"B", "C"}, g.Blocked())

	s := g.Summary()
	assert.Equal(t, []string{"A"}, s.Escalated)
	assert.Equal(t, 4, s.Total)
	assert.False(t, s.Complete())
}

func TestGraph_Restore(t *testing.T) {
	a := task("A")
	a.Status = StatusDone
	b := task("B", "A")
	b.Status = StatusInProgress
	b.AttemptCount = 1

	g := New()
	require.NoError(t, g.Restore([]Task{a, b}))

	got, err := g.Get("B")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotEmpty(t, got.Transitions)
	assert.Equal(t, StatusInProgress, got.Transitions[len(got.Transitions)-1].From)
	assert.Equal(t, []string{"B"}, ids(g.ReadyTasks()))
}

func TestGraph_OnTransition(t *testing.T) {
	g := New()
	var seen []Status
	g.OnTransition(func(_ Task, tr Transition) { seen = append(seen, tr.To) })

	require.NoError(t, g.AddTasks([]Task{task("A")}))
	g.ReadyTasks()
	_, err := g.start("A", 0)
	require.NoError(t, err)
	g.finish("A", "", nil)

	assert.Equal(t, []Status{StatusReady, StatusInProgress, StatusDone}, seen)
}

func TestGraph_Get_NotFound(t *testing.T) {
	_, err := New().Get("nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCategory_GateAndRole(t *testing.T) {
	assert.Equal(t, "test_coverage", CategoryTest.Gate())
	assert.Equal(t, "release_readiness", CategoryDocs.Gate())
	assert.Equal(t, "code_review", CategoryAPI.Gate())
	assert.Equal(t, "test_writer", CategoryTest.Role())
	assert.Equal(t, "developer", CategoryDatabase.Role())
	assert.False(t, Category("frontend").Valid())
}
