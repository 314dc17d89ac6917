package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/conclave/internal/taskgraph"
)

func TestMemoryProjectStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryProjectStore()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	older := Project{ID: "b", Feature: "search", Phase: PhaseIdeation, Status: StatusActive, CreatedAt: now}
	newer := Project{ID: "a", Feature: "billing", Phase: PhaseIdeation, Status: StatusActive, CreatedAt: now.Add(time.Minute)}
	require.NoError(t, s.Create(ctx, newer))
	require.NoError(t, s.Create(ctx, older))
	assert.ErrorIs(t, s.Create(ctx, older), ErrProjectExists)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)

	_, err = s.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrProjectNotFound)
	assert.ErrorIs(t, s.Save(ctx, Project{ID: "missing"}), ErrProjectNotFound)
}

func TestMemoryProjectStore_IsolatesCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryProjectStore()
	p := Project{
		ID:        "shop",
		Artifacts: map[Phase]string{PhaseIdeation: "ideas"},
		Tasks:     []taskgraph.Task{{ID: "T1", Status: taskgraph.StatusPending}},
	}
	require.NoError(t, s.Create(ctx, p))

	p.Artifacts[PhaseIdeation] = "changed"
	p.Tasks[0].Status = taskgraph.StatusDone

	got, err := s.Load(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, "ideas", got.Artifact(PhaseIdeation))
	assert.Equal(t, taskgraph.StatusPending, got.Tasks[0].Status)

	got.Artifacts[PhaseIdeation] = "mutated"
	again, err := s.Load(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, "ideas", again.Artifact(PhaseIdeation))
}

func TestResetInProgress(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	p := Project{Tasks: []taskgraph.Task{
		{ID: "T1", Status: taskgraph.StatusDone},
		{ID: "T2", Status: taskgraph.StatusInProgress},
		{ID: "T3", Status: taskgraph.StatusReady},
	}}

	ids := resetInProgress(&p, now)
	assert.Equal(t, []string{"T2"}, ids)
	assert.Equal(t, taskgraph.StatusPending, p.Tasks[1].Status)
	require.Len(t, p.Tasks[1].Transitions, 1)
	assert.Equal(t, taskgraph.Transition{From: taskgraph.StatusInProgress, To: taskgraph.StatusPending, At: now, Reason: "aborted"}, p.Tasks[1].Transitions[0])
	assert.Equal(t, taskgraph.StatusReady, p.Tasks[2].Status)
}
