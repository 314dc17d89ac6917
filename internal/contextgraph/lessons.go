package contextgraph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

const (
	lessonBaseConfidence = 50
	lessonConfidenceStep = 5
	lessonMaxConfidence  = 100

	ruleConfidence  = 80
	ruleOccurrences = 3

	lessonPatternWords = 2
)

// Lesson is a concern voters keep raising on rejected work, folded
// across every trace that recorded it.
type Lesson struct {
	ID          string    `json:"id"`
	Pattern     string    `json:"pattern"`
	Correction  string    `json:"correction,omitempty"`
	Severity    string    `json:"severity,omitempty"`
	LearnedFrom []string  `json:"learned_from"`
	TraceIDs    []string  `json:"trace_ids"`
	Occurrences int       `json:"occurrences"`
	Confidence  int       `json:"confidence"`
	Rule        bool      `json:"rule"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// Lessons folds the findings of rejected traces tagged with tag into
// lessons, strongest first. An empty tag reads every trace.
func (g *Graph) Lessons(ctx context.Context, tag string) ([]Lesson, error) {
	ctx, span := tracer.Start(ctx, "Graph.Lessons")
	defer span.End()

	f := Filter{Match: func(t DecisionTrace) bool { return !t.Approved() && len(t.Findings) > 0 }}
	if tag != "" {
		f.Tags = []string{tag}
	}
	traces, err := g.repo.Scan(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("scanning traces: %w", err)
	}
	lessons := FoldLessons(traces)
	span.SetAttributes(attribute.String("tag", tag), attribute.Int("lessons", len(lessons)))
	return lessons, nil
}

// FoldLessons merges the findings of traces, oldest first. A finding
// joins the first lesson whose pattern shares two words with it or
// contains it; otherwise it starts a new lesson at half confidence. Each
// repeat adds five points, and a lesson seen three times at eighty or
// more becomes a rule.
func FoldLessons(traces []DecisionTrace) []Lesson {
	sorted := append([]DecisionTrace(nil), traces...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	var lessons []*Lesson
	for _, t := range sorted {
		for _, f := range t.Findings {
			issue := strings.TrimSpace(f.Issue)
			if issue == "" {
				continue
			}
			if l := similarLesson(lessons, issue); l != nil {
				l.Occurrences++
				l.Confidence = min(lessonMaxConfidence, l.Confidence+lessonConfidenceStep)
				l.LearnedFrom = appendUnique(l.LearnedFrom, t.ProjectID)
				l.TraceIDs = appendUnique(l.TraceIDs, t.TraceID)
				if l.Correction == "" {
					l.Correction = f.Correction
				}
				l.LastSeen = t.Timestamp
				continue
			}
			lessons = append(lessons, &Lesson{
				ID:          "LESSON-" + ContentHash(strings.ToLower(issue))[:8],
				Pattern:     issue,
				Correction:  f.Correction,
				Severity:    f.Severity,
				LearnedFrom: appendUnique(nil, t.ProjectID),
				TraceIDs:    appendUnique(nil, t.TraceID),
				Occurrences: 1,
				Confidence:  lessonBaseConfidence,
				FirstSeen:   t.Timestamp,
				LastSeen:    t.Timestamp,
			})
		}
	}

	out := make([]Lesson, 0, len(lessons))
	for _, l := range lessons {
		l.Rule = l.Confidence >= ruleConfidence && l.Occurrences >= ruleOccurrences
		out = append(out, *l)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

func similarLesson(lessons []*Lesson, issue string) *Lesson {
	lower := strings.ToLower(issue)
	for _, l := range lessons {
		if strings.Contains(strings.ToLower(l.Pattern), lower) || SharesWords(l.Pattern, issue, lessonPatternWords) {
			return l
		}
	}
	return nil
}

// SharesWords reports whether a and b have at least n words in common,
// ignoring case.
func SharesWords(a, b string, n int) bool {
	wa := wordSet(strings.ToLower(a))
	shared := 0
	for w := range wordSet(strings.ToLower(b)) {
		if wa[w] {
			shared++
		}
	}
	return shared >= n
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(s) {
		out[w] = true
	}
	return out
}

func appendUnique(list []string, s string) []string {
	if s == "" {
		return list
	}
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
