package voting

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/conclave/internal/agent"
)

// Value is a voter's verdict.
type Value string

const (
	Approve Value = "approve"
	Reject  Value = "reject"
)

// Confidence is how sure a voter is.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Severity grades a concern. Any critical concern rejects the gate.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// Concern is one issue a voter raised.
type Concern struct {
	Issue    string   `json:"issue"`
	Severity Severity `json:"severity,omitempty"`
}

// UnmarshalJSON accepts a plain string or an object with issue (or
// concern, or description) and severity.
func (c *Concern) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*c = Concern{Issue: s}
		return nil
	}
	var obj struct {
		Issue       string `json:"issue"`
		Concern     string `json:"concern"`
		Description string `json:"description"`
		Severity    string `json:"severity"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("concern must be a string or object: %w", err)
	}
	issue := obj.Issue
	if issue == "" {
		issue = obj.Concern
	}
	if issue == "" {
		issue = obj.Description
	}
	*c = Concern{Issue: issue, Severity: Severity(strings.ToLower(strings.TrimSpace(obj.Severity)))}
	return nil
}

// Critical reports whether the concern forces rejection.
func (c Concern) Critical() bool {
	return c.Severity == SeverityCritical
}

func (c Concern) String() string {
	if c.Severity == "" {
		return c.Issue
	}
	return fmt.Sprintf("(%s) %s", c.Severity, c.Issue)
}

// Vote is one voter's structured verdict. Votes are values and are not
// modified after parsing.
type Vote struct {
	VoterID     string     `json:"voter_id"`
	Role        string     `json:"role"`
	Blocking    bool       `json:"blocking"`
	Weight      float64    `json:"weight,omitempty"`
	Vote        Value      `json:"vote"`
	Confidence  Confidence `json:"confidence"`
	Reasoning   string     `json:"reasoning,omitempty"`
	Concerns    []Concern  `json:"concerns,omitempty"`
	Suggestions []string   `json:"suggestions,omitempty"`
}

// Approved reports whether the vote is approve.
func (v Vote) Approved() bool { return v.Vote == Approve }

type rawVote struct {
	Vote        string    `json:"vote"`
	Confidence  string    `json:"confidence"`
	Reasoning   string    `json:"reasoning"`
	Concerns    []Concern `json:"concerns"`
	Suggestions []string  `json:"suggestions"`
}

// ParseVote reads a vote from agent output. The JSON may sit in a fence
// or in surrounding prose. A missing confidence becomes low; a missing or
// unknown vote, or an unknown confidence or severity, is a validation
// failure.
func ParseVote(raw string) agent.Parsed[Vote] {
	p := agent.DecodeJSON[rawVote](raw)
	if !p.OK() {
		return agent.ValidationFailure[Vote](p.Errors...)
	}
	r := p.Data

	var errs []string
	v := Vote{
		Vote:        Value(strings.ToLower(strings.TrimSpace(r.Vote))),
		Confidence:  Confidence(strings.ToLower(strings.TrimSpace(r.Confidence))),
		Reasoning:   strings.TrimSpace(r.Reasoning),
		Suggestions: nonEmpty(r.Suggestions),
	}
	switch v.Vote {
	case Approve, Reject:
	case "":
		errs = append(errs, "missing vote")
	default:
		errs = append(errs, fmt.Sprintf("unknown vote %q (want approve or reject)", r.Vote))
	}
	switch v.Confidence {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
	case "":
		v.Confidence = ConfidenceLow
	default:
		errs = append(errs, fmt.Sprintf("unknown confidence %q", r.Confidence))
	}
	for _, c := range r.Concerns {
		if strings.TrimSpace(c.Issue) == "" {
			continue
		}
		if c.Severity != "" && !c.Severity.valid() {
			errs = append(errs, fmt.Sprintf("unknown severity %q", c.Severity))
			continue
		}
		v.Concerns = append(v.Concerns, c)
	}
	if len(errs) > 0 {
		return agent.ValidationFailure[Vote](errs...)
	}
	return agent.Success(v)
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
