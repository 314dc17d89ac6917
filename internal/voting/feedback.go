package voting

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/conclave/internal/contextgraph"
)

// RenderFeedback aggregates votes into the Markdown handed back to the
// agent that must revise the artifact.
func RenderFeedback(votes []Vote) string {
	if len(votes) == 0 {
		return "No votes recorded."
	}
	votes = SortVotes(votes)

	approve := 0
	for _, v := range votes {
		if v.Approved() {
			approve++
		}
	}
	sections := []string{fmt.Sprintf("## Vote Summary\n- Approved: %d\n- Rejected: %d", approve, len(votes)-approve)}

	var concerns, suggestions []string
	for _, v := range votes {
		for _, c := range v.Concerns {
			concerns = append(concerns, fmt.Sprintf("- [%s] %s", v.Role, c))
		}
		for _, s := range v.Suggestions {
			suggestions = append(suggestions, fmt.Sprintf("- [%s] %s", v.Role, s))
		}
	}
	if len(concerns) > 0 {
		sections = append(sections, "## Concerns\n"+strings.Join(concerns, "\n"))
	}
	if len(suggestions) > 0 {
		sections = append(sections, "## Suggestions\n"+strings.Join(suggestions, "\n"))
	}

	var b strings.Builder
	b.WriteString("## Individual Assessments\n")
	for _, v := range votes {
		mark := "❌"
		if v.Approved() {
			mark = "✅"
		}
		fmt.Fprintf(&b, "\n### %s %s (%s confidence)\n%s\n", mark, v.Role, v.Confidence, v.Reasoning)
	}
	sections = append(sections, b.String())
	return strings.Join(sections, "\n\n")
}

// Conflicts extracts the disagreements worth recording on a decision
// trace: a split vote, and any concern raised by two or more voters.
func Conflicts(votes []Vote, outcome Outcome) []contextgraph.Conflict {
	votes = SortVotes(votes)
	var out []contextgraph.Conflict

	var approvers, rejecters []string
	for _, v := range votes {
		if v.Approved() {
			approvers = append(approvers, v.VoterID)
		} else {
			rejecters = append(rejecters, v.VoterID)
		}
	}
	if len(approvers) > 0 && len(rejecters) > 0 {
		out = append(out, contextgraph.Conflict{
			Issue:      "Voter disagreement on approval",
			Options:    []string{"approve", "reject"},
			Resolution: string(outcome),
			Reasoning: fmt.Sprintf("approved by %s; rejected by %s",
				strings.Join(approvers, ", "), strings.Join(rejecters, ", ")),
		})
	}

	counts := make(map[string]int)
	for _, v := range votes {
		seen := make(map[string]bool)
		for _, c := range v.Concerns {
			key := strings.ToLower(strings.TrimSpace(c.Issue))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			counts[key]++
		}
	}
	shared := make([]string, 0)
	for issue, n := range counts {
		if n >= 2 {
			shared = append(shared, issue)
		}
	}
	sort.Strings(shared)
	for _, issue := range shared {
		out = append(out, contextgraph.Conflict{
			Issue:      issue,
			Options:    []string{"address now", "defer", "accept risk"},
			Resolution: "flagged for review",
			Reasoning:  fmt.Sprintf("Raised by %d voters", counts[issue]),
		})
	}
	return out
}

// Findings pairs each concern of a rejecting vote with the voter's
// suggestion that shares two words with it, falling back to the voter's
// first suggestion.
func Findings(votes []Vote) []contextgraph.Finding {
	var out []contextgraph.Finding
	for _, v := range SortVotes(votes) {
		if v.Approved() {
			continue
		}
		for _, c := range v.Concerns {
			issue := strings.TrimSpace(c.Issue)
			if issue == "" {
				continue
			}
			out = append(out, contextgraph.Finding{
				Issue:      issue,
				Severity:   string(c.Severity),
				Correction: correctionFor(issue, v.Suggestions),
				Voter:      v.VoterID,
			})
		}
	}
	return out
}

func correctionFor(issue string, suggestions []string) string {
	for _, s := range suggestions {
		if contextgraph.SharesWords(issue, s, 2) {
			return s
		}
	}
	if len(suggestions) > 0 {
		return suggestions[0]
	}
	return ""
}
