package contextgraph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternAnalysis(t *testing.T) {
	g, repo := newTestGraph(t, nil)
	ctx := context.Background()
	traces := []DecisionTrace{
		{TraceID: "1", ProjectID: "a", Decision: "approved", DecisionSummary: "use postgres", OutcomeScore: score(0.9)},
		{TraceID: "2", ProjectID: "a", Decision: "approved_with_conditions", DecisionSummary: "use postgres", OutcomeScore: score(0.2)},
		{TraceID: "3", ProjectID: "b", Decision: "rejected", DecisionSummary: "skip tests", OutcomeScore: score(-0.8)},
		{TraceID: "4", ProjectID: "b", Decision: "approved", DecisionSummary: "use postgres"},
		{TraceID: "5", ProjectID: "c", DecisionType: "testing", Decision: "rejected", OutcomeScore: score(0)},
	}
	for i, tr := range traces {
		tr.Context = "ctx"
		tr.Timestamp = base.Add(time.Duration(i) * time.Minute)
		seed(t, repo, tr)
	}

	s, err := g.PatternAnalysis(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, map[string]int{"approved": 2, "approved_with_conditions": 1, "rejected": 2}, s.ByDecision)
	assert.InDelta(t, 0.6, s.ApprovalRate, 1e-9)
	assert.Equal(t, 4, s.Scored)
	assert.InDelta(t, 0.075, s.AverageScore, 1e-9)
	assert.Equal(t, OutcomeDistribution{Success: 1, Partial: 1, Failure: 1, Neutral: 1}, s.Distribution)
	require.NotEmpty(t, s.CommonDecisions)
	assert.Equal(t, DecisionCount{Decision: "use postgres", Count: 3}, s.CommonDecisions[0])

	scoped, err := g.PatternAnalysis(ctx, Filter{ProjectID: "b"})
	require.NoError(t, err)
	assert.Equal(t, 2, scoped.Total)
	assert.InDelta(t, 0.5, scoped.ApprovalRate, 1e-9)

	pred, err := g.PatternAnalysis(ctx, Filter{Match: func(t DecisionTrace) bool { return t.DecisionType == "testing" }})
	require.NoError(t, err)
	assert.Equal(t, 1, pred.Total)
}

func TestPatternAnalysis_Empty(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	s, err := g.PatternAnalysis(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Zero(t, s.Total)
	assert.Zero(t, s.ApprovalRate)
	assert.Empty(t, s.CommonDecisions)
}

func TestTribalKnowledge(t *testing.T) {
	g, repo := newTestGraph(t, nil)
	seed(t, repo, DecisionTrace{
		TraceID: "old", ProjectID: "a", Context: "c", Decision: "approved_with_conditions", Timestamp: base,
		Tags: []string{"auth"}, Conditions: []string{"rotate signing keys"},
	})
	seed(t, repo, DecisionTrace{
		TraceID: "new", ProjectID: "b", Context: "c", Decision: "approved", Timestamp: base.Add(time.Hour),
		Tags: []string{"auth", "api"}, Conditions: []string{"rotate signing keys", "rate limit login"},
		ConflictsResolved: []Conflict{{Issue: "token lifetime", Resolution: "15 minutes", Reasoning: "matches policy"}},
	})
	seed(t, repo, DecisionTrace{
		TraceID: "other", ProjectID: "c", Context: "c", Decision: "approved", Timestamp: base,
		Tags: []string{"frontend"}, Conditions: []string{"unrelated"},
	})

	got, err := g.TribalKnowledge(context.Background(), []string{"auth"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"rotate signing keys",
		"rate limit login",
		"token lifetime: 15 minutes (matches policy)",
	}, got)

	none, err := g.TribalKnowledge(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTribalKnowledge_Capped(t *testing.T) {
	g, repo := newTestGraph(t, nil)
	conds := make([]string, 0, 15)
	for i := 0; i < 15; i++ {
		conds = append(conds, string(rune('a'+i)))
	}
	seed(t, repo, DecisionTrace{TraceID: "t", ProjectID: "p", Context: "c", Decision: "approved", Timestamp: base, Tags: []string{"x"}, Conditions: conds})

	got, err := g.TribalKnowledge(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Len(t, got, 10)
}
