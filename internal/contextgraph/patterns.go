package contextgraph

import (
	"context"
	"fmt"
	"sort"
)

const (
	commonDecisionLimit  = 5
	commonDecisionPrefix = 50
	tribalKnowledgeLimit = 10
)

// OutcomeDistribution buckets scored traces by outcome score.
type OutcomeDistribution struct {
	Success int `json:"success"`
	Partial int `json:"partial"`
	Failure int `json:"failure"`
	Neutral int `json:"neutral"`
}

// DecisionCount is one entry of PatternSummary.CommonDecisions.
type DecisionCount struct {
	Decision string `json:"decision"`
	Count    int    `json:"count"`
}

// PatternSummary is read-only statistics over a set of traces.
type PatternSummary struct {
	Total           int                 `json:"total"`
	ByDecision      map[string]int      `json:"by_decision"`
	ApprovalRate    float64             `json:"approval_rate"`
	Scored          int                 `json:"scored"`
	AverageScore    float64             `json:"average_score"`
	Distribution    OutcomeDistribution `json:"distribution"`
	CommonDecisions []DecisionCount     `json:"common_decisions"`
}

// PatternAnalysis summarizes every trace matching f. It may span projects.
func (g *Graph) PatternAnalysis(ctx context.Context, f Filter) (PatternSummary, error) {
	ctx, span := tracer.Start(ctx, "Graph.PatternAnalysis")
	defer span.End()

	traces, err := g.repo.Scan(ctx, f)
	if err != nil {
		return PatternSummary{}, fmt.Errorf("scanning traces: %w", err)
	}
	return Summarize(traces), nil
}

// Summarize computes a PatternSummary over traces.
func Summarize(traces []DecisionTrace) PatternSummary {
	s := PatternSummary{
		Total:           len(traces),
		ByDecision:      make(map[string]int),
		CommonDecisions: []DecisionCount{},
	}
	if len(traces) == 0 {
		return s
	}

	approved := 0
	sum := 0.0
	common := make(map[string]int)
	for _, t := range traces {
		s.ByDecision[t.Decision]++
		if t.Approved() {
			approved++
		}
		if t.OutcomeScore != nil {
			score := *t.OutcomeScore
			s.Scored++
			sum += score
			switch {
			case score > 0.5:
				s.Distribution.Success++
			case score > 0:
				s.Distribution.Partial++
			case score < 0:
				s.Distribution.Failure++
			default:
				s.Distribution.Neutral++
			}
		}
		key := t.DecisionSummary
		if key == "" {
			key = t.Decision
		}
		common[truncate(key, commonDecisionPrefix)]++
	}
	s.ApprovalRate = float64(approved) / float64(len(traces))
	if s.Scored > 0 {
		s.AverageScore = sum / float64(s.Scored)
	}

	for d, n := range common {
		s.CommonDecisions = append(s.CommonDecisions, DecisionCount{Decision: d, Count: n})
	}
	sort.Slice(s.CommonDecisions, func(i, j int) bool {
		a, b := s.CommonDecisions[i], s.CommonDecisions[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Decision < b.Decision
	})
	if len(s.CommonDecisions) > commonDecisionLimit {
		s.CommonDecisions = s.CommonDecisions[:commonDecisionLimit]
	}
	return s
}

// TribalKnowledge collects the conditions and conflict resolutions of
// traces tagged with any of tags, newest first, deduplicated and capped
// at ten entries.
func (g *Graph) TribalKnowledge(ctx context.Context, tags []string) ([]string, error) {
	if len(tags) == 0 {
		return []string{}, nil
	}
	traces, err := g.repo.Scan(ctx, Filter{Tags: tags})
	if err != nil {
		return nil, fmt.Errorf("scanning traces: %w", err)
	}

	out := make([]string, 0, tribalKnowledgeLimit)
	seen := make(map[string]bool)
	add := func(s string) bool {
		if s == "" || seen[s] {
			return len(out) < tribalKnowledgeLimit
		}
		seen[s] = true
		out = append(out, s)
		return len(out) < tribalKnowledgeLimit
	}

	for i := len(traces) - 1; i >= 0; i-- {
		t := traces[i]
		for _, c := range t.Conditions {
			if !add(c) {
				return out, nil
			}
		}
		for _, c := range t.ConflictsResolved {
			entry := c.Issue + ": " + c.Resolution
			if c.Reasoning != "" {
				entry += " (" + c.Reasoning + ")"
			}
			if !add(entry) {
				return out, nil
			}
		}
	}
	return out, nil
}
