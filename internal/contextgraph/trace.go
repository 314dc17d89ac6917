package contextgraph

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// ActorType identifies who made a decision.
type ActorType string

const (
	ActorAgent  ActorType = "agent"
	ActorHuman  ActorType = "human"
	ActorSystem ActorType = "system"
)

// Known outcome labels.
const (
	OutcomeSuccess        = "success"
	OutcomePartialSuccess = "partial_success"
	OutcomeFailure        = "failure"
	OutcomeUnknown        = "unknown"
)

// ValidOutcome reports whether s is a known outcome label.
func ValidOutcome(s string) bool {
	switch s {
	case OutcomeSuccess, OutcomePartialSuccess, OutcomeFailure, OutcomeUnknown:
		return true
	}
	return false
}

// Input is something that informed a decision.
type Input struct {
	Type        string `json:"type"`
	Source      string `json:"source,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
	Summary     string `json:"summary"`
}

// PrecedentMatch is a past decision a voter saw before deciding.
type PrecedentMatch struct {
	TraceID      string   `json:"trace_id"`
	ProjectID    string   `json:"project_id"`
	Similarity   float64  `json:"similarity"`
	Context      string   `json:"context,omitempty"`
	Decision     string   `json:"decision,omitempty"`
	Outcome      string   `json:"outcome,omitempty"`
	OutcomeScore *float64 `json:"outcome_score,omitempty"`
}

// Conflict records a disagreement and how it was settled.
type Conflict struct {
	Issue           string   `json:"issue"`
	Options         []string `json:"options,omitempty"`
	Resolution      string   `json:"resolution"`
	Reasoning       string   `json:"reasoning,omitempty"`
	PrecedentsCited []string `json:"precedents_cited,omitempty"`
}

// Finding is one concern a voter raised against a rejected artifact,
// paired with the suggestion that addresses it when there was one.
type Finding struct {
	Issue      string `json:"issue"`
	Severity   string `json:"severity,omitempty"`
	Correction string `json:"correction,omitempty"`
	Voter      string `json:"voter,omitempty"`
}

// Correction is one audited override of a recorded outcome.
type Correction struct {
	At              time.Time `json:"at"`
	Actor           string    `json:"actor,omitempty"`
	PreviousOutcome string    `json:"previous_outcome"`
	PreviousScore   *float64  `json:"previous_score,omitempty"`
	PreviousNotes   string    `json:"previous_notes,omitempty"`
	Reason          string    `json:"reason,omitempty"`
}

// DecisionTrace is the durable record of why a decision was made.
// Outcome fields are written once; later changes go through an override
// that appends a Correction.
type DecisionTrace struct {
	TraceID           string           `json:"trace_id"`
	Timestamp         time.Time        `json:"timestamp"`
	ProjectID         string           `json:"project_id"`
	FeatureID         string           `json:"feature_id,omitempty"`
	Context           string           `json:"context"`
	DecisionType      string           `json:"decision_type,omitempty"`
	Inputs            []Input          `json:"inputs,omitempty"`
	PrecedentsMatched []PrecedentMatch `json:"precedents_matched,omitempty"`
	ConflictsResolved []Conflict       `json:"conflicts_resolved,omitempty"`
	Findings          []Finding        `json:"findings,omitempty"`
	Reasoning         string           `json:"reasoning,omitempty"`
	Decision          string           `json:"decision"`
	DecisionSummary   string           `json:"decision_summary,omitempty"`
	Conditions        []string         `json:"conditions,omitempty"`
	Actor             string           `json:"actor,omitempty"`
	ActorType         ActorType        `json:"actor_type,omitempty"`
	Tags              []string         `json:"tags,omitempty"`
	ParentTrace       string           `json:"parent_trace,omitempty"`

	Outcome      string       `json:"outcome,omitempty"`
	OutcomeScore *float64     `json:"outcome_score,omitempty"`
	OutcomeNotes string       `json:"outcome_notes,omitempty"`
	OutcomeAt    *time.Time   `json:"outcome_at,omitempty"`
	Corrections  []Correction `json:"corrections,omitempty"`
}

// HasOutcome reports whether an outcome was recorded.
func (t DecisionTrace) HasOutcome() bool {
	return t.Outcome != ""
}

// Score returns the outcome score, or 0 when none was recorded.
func (t DecisionTrace) Score() float64 {
	if t.OutcomeScore == nil {
		return 0
	}
	return *t.OutcomeScore
}

// Approved reports whether the decision let the work proceed.
func (t DecisionTrace) Approved() bool {
	return t.Decision == "approved" || t.Decision == "approved_with_conditions"
}

// Match converts the trace into the form stored on later decisions.
func (t DecisionTrace) Match(similarity float64) PrecedentMatch {
	summary := t.DecisionSummary
	if summary == "" {
		summary = t.Decision
	}
	return PrecedentMatch{
		TraceID:      t.TraceID,
		ProjectID:    t.ProjectID,
		Similarity:   similarity,
		Context:      t.Context,
		Decision:     summary,
		Outcome:      t.Outcome,
		OutcomeScore: t.OutcomeScore,
	}
}

const searchReasoningLimit = 500

// SearchText is the text the similarity index embeds for a trace.
func (t DecisionTrace) SearchText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Context: %s\n", t.Context)
	if t.DecisionType != "" {
		fmt.Fprintf(&b, "Type: %s\n", t.DecisionType)
	}
	decision := t.DecisionSummary
	if decision == "" {
		decision = t.Decision
	}
	fmt.Fprintf(&b, "Decision: %s\n", decision)
	for _, in := range t.Inputs {
		if in.Summary != "" {
			fmt.Fprintf(&b, "Input (%s): %s\n", in.Type, in.Summary)
		}
	}
	if t.Reasoning != "" {
		fmt.Fprintf(&b, "Reasoning: %s\n", truncate(t.Reasoning, searchReasoningLimit))
	}
	if len(t.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(t.Tags, ", "))
	}
	return b.String()
}

func (t DecisionTrace) clone() DecisionTrace {
	c := t
	c.Inputs = append([]Input(nil), t.Inputs...)
	c.PrecedentsMatched = append([]PrecedentMatch(nil), t.PrecedentsMatched...)
	c.ConflictsResolved = append([]Conflict(nil), t.ConflictsResolved...)
	c.Findings = append([]Finding(nil), t.Findings...)
	c.Conditions = append([]string(nil), t.Conditions...)
	c.Tags = append([]string(nil), t.Tags...)
	c.Corrections = append([]Correction(nil), t.Corrections...)
	if t.OutcomeScore != nil {
		s := *t.OutcomeScore
		c.OutcomeScore = &s
	}
	if t.OutcomeAt != nil {
		at := *t.OutcomeAt
		c.OutcomeAt = &at
	}
	return c
}

// NewTraceID derives a trace id from the project, context and timestamp:
// "TRACE-" followed by the first 12 upper-case hex digits of their
// BLAKE3 hash.
func NewTraceID(projectID, context string, ts time.Time) string {
	sum := blake3.Sum256([]byte(projectID + ":" + context + ":" + ts.UTC().Format(time.RFC3339Nano)))
	return "TRACE-" + strings.ToUpper(hex.EncodeToString(sum[:6]))
}

// ContentHash is the hex BLAKE3 digest recorded on trace inputs.
func ContentHash(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
