package secrets

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Result contains the scrubbing result.
type Result struct {
	Scrubbed      string         `json:"scrubbed"`
	Findings      []Finding      `json:"findings,omitempty"`
	Duration      time.Duration  `json:"duration"`
	TotalFindings int            `json:"total_findings"`
	ByRule        map[string]int `json:"by_rule,omitempty"`
}

// Finding locates a detected secret. The matched value is never exported.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line"`
	StartColumn int    `json:"start_column"`
	EndColumn   int    `json:"end_column"`

	secret string
}

// HasFindings returns true if any secrets were found.
func (r *Result) HasFindings() bool {
	return r != nil && r.TotalFindings > 0
}

// RuleIDs returns the matched rule ids, sorted.
func (r *Result) RuleIDs() []string {
	ids := make([]string, 0, len(r.ByRule))
	for id := range r.ByRule {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Summary is a one-line description suitable for logs.
func (r *Result) Summary() string {
	if !r.HasFindings() {
		return "no secrets detected"
	}
	parts := make([]string, 0, len(r.ByRule))
	for _, id := range r.RuleIDs() {
		parts = append(parts, fmt.Sprintf("%s=%d", id, r.ByRule[id]))
	}
	return fmt.Sprintf("%d secret(s) redacted (%s)", r.TotalFindings, strings.Join(parts, ", "))
}
