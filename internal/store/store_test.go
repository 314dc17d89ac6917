package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/conclave/internal/config"
	"github.com/fyrsmithlabs/conclave/internal/contextgraph"
	"github.com/fyrsmithlabs/conclave/internal/orchestrator"
	"github.com/fyrsmithlabs/conclave/internal/taskgraph"
)

var base = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T, path string) *DB {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "conclave.db")
	}
	db, err := Open(context.Background(), config.StoreConfig{Path: path}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func trace(id, project, decision string, at time.Time, tags ...string) contextgraph.DecisionTrace {
	return contextgraph.DecisionTrace{
		TraceID:      id,
		Timestamp:    at,
		ProjectID:    project,
		Context:      "Code Review: " + id,
		DecisionType: "code_review",
		Decision:     decision,
		Tags:         tags,
		Inputs:       []contextgraph.Input{{Type: "artifact", Summary: "diff"}},
	}
}

func TestOpen_MigratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "conclave.db")
	db := openTestDB(t, path)
	assert.Equal(t, path, db.Path())
	require.NoError(t, db.Close())

	again := openTestDB(t, path)
	var version int
	require.NoError(t, again.db.QueryRow(`SELECT version FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)

	var rows int
	require.NoError(t, again.db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestTraceRepository_AppendGet(t *testing.T) {
	ctx := context.Background()
	repo := openTestDB(t, "").Traces()

	tr := trace("tr-1", "shop", "approved", base, "payments", "code_review")
	require.NoError(t, repo.Append(ctx, tr))
	assert.ErrorIs(t, repo.Append(ctx, tr), contextgraph.ErrDuplicateTrace)

	got, err := repo.Get(ctx, "tr-1")
	require.NoError(t, err)
	assert.Equal(t, tr.Context, got.Context)
	assert.Equal(t, tr.Tags, got.Tags)
	assert.True(t, tr.Timestamp.Equal(got.Timestamp))

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, contextgraph.ErrNotFound)
}

func TestTraceRepository_UpdateOutcome(t *testing.T) {
	ctx := context.Background()
	repo := openTestDB(t, "").Traces()
	require.NoError(t, repo.Append(ctx, trace("tr-1", "shop", "approved", base)))

	score := 0.5
	at := base.Add(time.Hour)
	update := trace("tr-1", "other", "rejected", base)
	update.Outcome = contextgraph.OutcomeSuccess
	update.OutcomeScore = &score
	update.OutcomeAt = &at
	update.OutcomeNotes = "shipped"
	require.NoError(t, repo.UpdateOutcome(ctx, update))

	got, err := repo.Get(ctx, "tr-1")
	require.NoError(t, err)
	assert.Equal(t, contextgraph.OutcomeSuccess, got.Outcome)
	assert.InDelta(t, 0.5, got.Score(), 1e-9)
	assert.Equal(t, "shipped", got.OutcomeNotes)
	assert.Equal(t, "shop", got.ProjectID, "non-outcome fields are immutable")
	assert.Equal(t, "approved", got.Decision)

	err = repo.UpdateOutcome(ctx, trace("missing", "shop", "approved", base))
	assert.ErrorIs(t, err, contextgraph.ErrNotFound)
}

func TestTraceRepository_Scan(t *testing.T) {
	ctx := context.Background()
	repo := openTestDB(t, "").Traces()
	// Appended out of time order on purpose.
	require.NoError(t, repo.Append(ctx, trace("c", "shop", "rejected", base.Add(2*time.Hour), "payments")))
	require.NoError(t, repo.Append(ctx, trace("a", "shop", "approved", base, "auth")))
	require.NoError(t, repo.Append(ctx, trace("b", "blog", "approved", base.Add(time.Hour), "payments", "auth")))

	ids := func(ts []contextgraph.DecisionTrace) []string {
		out := make([]string, len(ts))
		for i, tr := range ts {
			out[i] = tr.TraceID
		}
		return out
	}

	tests := []struct {
		name   string
		filter contextgraph.Filter
		want   []string
	}{
		{"all in time order", contextgraph.Filter{}, []string{"a", "b", "c"}},
		{"project", contextgraph.Filter{ProjectID: "shop"}, []string{"a", "c"}},
		{"decision", contextgraph.Filter{Decision: "approved"}, []string{"a", "b"}},
		{"since", contextgraph.Filter{Since: base.Add(time.Hour)}, []string{"b", "c"}},
		{"any tag", contextgraph.Filter{Tags: []string{"payments", "payments"}}, []string{"b", "c"}},
		{"limit keeps newest", contextgraph.Filter{Limit: 2}, []string{"b", "c"}},
		{"match", contextgraph.Filter{Match: func(t contextgraph.DecisionTrace) bool { return t.TraceID != "b" }}, []string{"a", "c"}},
		{"no hits", contextgraph.Filter{DecisionType: "architecture"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.Scan(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestTraceRepository_BacksContextGraph(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "conclave.db")
	graph, err := contextgraph.New(openTestDB(t, path).Traces(), contextgraph.Options{})
	require.NoError(t, err)

	rec, err := graph.RecordTrace(ctx, contextgraph.DecisionTrace{
		ProjectID: "shop",
		Context:   "Architecture Approval: checkout",
		Decision:  "approved",
	})
	require.NoError(t, err)
	_, err = graph.RecordOutcome(ctx, rec.TraceID, contextgraph.OutcomeUpdate{Outcome: contextgraph.OutcomeFailure, Score: -0.5})
	require.NoError(t, err)
	_, err = graph.RecordOutcome(ctx, rec.TraceID, contextgraph.OutcomeUpdate{Outcome: contextgraph.OutcomeSuccess, Score: 1})
	assert.ErrorIs(t, err, contextgraph.ErrAlreadyRecorded)

	reopened, err := contextgraph.New(openTestDB(t, path).Traces(), contextgraph.Options{})
	require.NoError(t, err)
	got, err := reopened.Get(ctx, rec.TraceID)
	require.NoError(t, err)
	assert.Equal(t, contextgraph.OutcomeFailure, got.Outcome)
	assert.InDelta(t, -0.5, got.Score(), 1e-9)
}

func TestProjectStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "conclave.db")
	projects := openTestDB(t, path).Projects()

	p := orchestrator.Project{
		ID:        "shop",
		Feature:   "checkout",
		Phase:     orchestrator.PhaseDevelopment,
		Status:    orchestrator.StatusActive,
		Artifacts: map[orchestrator.Phase]string{orchestrator.PhaseArchitecture: "services"},
		Tasks:     []taskgraph.Task{{ID: "T1", Title: "model", Status: taskgraph.StatusInProgress}},
		CreatedAt: base,
		UpdatedAt: base,
	}
	require.NoError(t, projects.Create(ctx, p))
	assert.ErrorIs(t, projects.Create(ctx, p), orchestrator.ErrProjectExists)
	require.NoError(t, projects.Create(ctx, orchestrator.Project{ID: "blog", Phase: orchestrator.PhaseIdeation, CreatedAt: base.Add(-time.Hour)}))

	p.Status = orchestrator.StatusAborted
	p.Tasks[0].Status = taskgraph.StatusPending
	require.NoError(t, projects.Save(ctx, p))
	assert.ErrorIs(t, projects.Save(ctx, orchestrator.Project{ID: "missing"}), orchestrator.ErrProjectNotFound)

	reopened := openTestDB(t, path).Projects()
	got, err := reopened.Load(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusAborted, got.Status)
	assert.Equal(t, "services", got.Artifact(orchestrator.PhaseArchitecture))
	assert.Equal(t, taskgraph.StatusPending, got.Tasks[0].Status)

	_, err = reopened.Load(ctx, "missing")
	assert.ErrorIs(t, err, orchestrator.ErrProjectNotFound)

	list, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "blog", list[0].ID)
	assert.Equal(t, "shop", list[1].ID)
}
