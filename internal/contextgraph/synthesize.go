package contextgraph

import (
	"fmt"
	"sort"
	"strings"
)

// SynthesizePrecedents renders precedents as a Markdown brief for voters.
func SynthesizePrecedents(ps []Precedent) string {
	if len(ps) == 0 {
		return "No relevant precedents found."
	}

	var b strings.Builder
	b.WriteString("## Relevant Precedents\n\n")
	positive, negative := 0, 0
	for i, p := range ps {
		t := p.Trace
		decision := t.DecisionSummary
		if decision == "" {
			decision = t.Decision
		}
		fmt.Fprintf(&b, "### %d. %s (%.0f%% similar)\n", i+1, t.ProjectID, p.Similarity*100)
		fmt.Fprintf(&b, "**Context:** %s\n", truncate(t.Context, 200))
		fmt.Fprintf(&b, "**Decision:** %s\n", decision)
		if t.HasOutcome() {
			fmt.Fprintf(&b, "**Outcome:** %s %s (score: %+.1f)\n", outcomeMarker(t.OutcomeScore), t.Outcome, t.Score())
		} else {
			b.WriteString("**Outcome:** ❓ pending\n")
		}
		b.WriteString("\n")

		if t.OutcomeScore != nil {
			switch {
			case *t.OutcomeScore > 0:
				positive++
			case *t.OutcomeScore < 0:
				negative++
			}
		}
	}

	fmt.Fprintf(&b, "**Pattern:** %d/%d similar decisions led to positive outcomes.\n", positive, len(ps))
	if negative > 0 {
		fmt.Fprintf(&b, "**Warning:** %d similar decisions had negative outcomes.\n", negative)
	}
	return b.String()
}

func outcomeMarker(score *float64) string {
	if score == nil {
		return "❓"
	}
	switch s := *score; {
	case s > 0.5:
		return "✅"
	case s > 0:
		return "⚠️"
	case s < 0:
		return "❌"
	}
	return "❓"
}

var domainKeywords = map[string][]string{
	"healthcare":     {"hipaa", "health", "medical", "patient", "clinical"},
	"finance":        {"payment", "stripe", "billing", "invoice", "financial"},
	"auth":           {"authentication", "oauth", "login", "jwt", "session"},
	"security":       {"security", "vulnerability", "encryption", "ssl", "cors"},
	"database":       {"database", "sql", "postgres", "mongodb", "schema"},
	"api":            {"api", "endpoint", "rest", "graphql", "webhook"},
	"frontend":       {"react", "vue", "component", "ui", "css"},
	"infrastructure": {"deploy", "docker", "kubernetes", "cloud", "ci/cd"},
	"performance":    {"latency", "throughput", "cache", "performance", "scalab"},
	"testing":        {"test", "tests", "testing", "coverage", "e2e", "fixture"},
}

// DomainTags derives sorted domain tags from keywords found in text.
func DomainTags(text string) []string {
	lower := strings.ToLower(text)
	tags := make([]string, 0)
	for tag, words := range domainKeywords {
		for _, w := range words {
			if containsWord(lower, w) {
				tags = append(tags, tag)
				break
			}
		}
	}
	sort.Strings(tags)
	return tags
}

// containsWord matches short keywords on word boundaries so "ui" does not
// match "build". Longer keywords match as substrings.
func containsWord(text, word string) bool {
	if len(word) > 4 {
		return strings.Contains(text, word)
	}
	for i := 0; ; {
		j := strings.Index(text[i:], word)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(word)
		if (start == 0 || !isWordByte(text[start-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		i = start + 1
	}
}

func isWordByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}
