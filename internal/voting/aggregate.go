package voting

import (
	"fmt"
	"sort"
)

// Outcome is the result of a gate.
type Outcome string

const (
	Approved               Outcome = "approved"
	ApprovedWithConditions Outcome = "approved_with_conditions"
	Rejected               Outcome = "rejected"
)

// Passed reports whether work may proceed.
func (o Outcome) Passed() bool {
	return o == Approved || o == ApprovedWithConditions
}

// Rules, in the order Aggregate applies them.
const (
	RuleQuorum          = "quorum"
	RuleCriticalConcern = "critical_concern"
	RuleBlockingReject  = "blocking_reject"
	RuleAdvisoryRatio   = "advisory_ratio"
)

const ratioEpsilon = 1e-9

// Weights maps confidence to tally weight.
type Weights struct {
	High   float64 `json:"high" toml:"high"`
	Medium float64 `json:"medium" toml:"medium"`
	Low    float64 `json:"low" toml:"low"`
}

// DefaultWeights are 3/2/1.
func DefaultWeights() Weights {
	return Weights{High: 3, Medium: 2, Low: 1}
}

// For returns the weight of c.
func (w Weights) For(c Confidence) float64 {
	switch c {
	case ConfidenceHigh:
		return w.High
	case ConfidenceMedium:
		return w.Medium
	default:
		return w.Low
	}
}

// Policy holds the aggregation parameters.
type Policy struct {
	Threshold float64 `json:"threshold"`
	// MinQuorum is the number of votes required. Zero means a majority of
	// the voter set; a value above the voter count means all of them.
	MinQuorum int     `json:"min_quorum"`
	Weights   Weights `json:"weights"`
}

// Required returns the quorum for a voter set of size n.
func (p Policy) Required(n int) int {
	if p.MinQuorum > 0 {
		return min(p.MinQuorum, n)
	}
	return n/2 + 1
}

// QuorumError reports that too few voters responded.
type QuorumError struct {
	Required  int `json:"required"`
	Responded int `json:"responded"`
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("quorum not met: %d of %d required votes", e.Responded, e.Required)
}

// AggregationTrace explains how an outcome was reached.
type AggregationTrace struct {
	Rule             string   `json:"rule"`
	Expected         int      `json:"expected"`
	Responded        int      `json:"responded"`
	Required         int      `json:"required"`
	ApproveWeight    float64  `json:"approve_weight"`
	RejectWeight     float64  `json:"reject_weight"`
	Ratio            float64  `json:"ratio"`
	Threshold        float64  `json:"threshold"`
	CriticalConcerns []string `json:"critical_concerns,omitempty"`
	BlockingRejects  []string `json:"blocking_rejects,omitempty"`
	AdvisoryRejects  []string `json:"advisory_rejects,omitempty"`
}

// Tally is the output of Aggregate.
type Tally struct {
	Outcome    Outcome          `json:"outcome"`
	Trace      AggregationTrace `json:"trace"`
	Conditions []string         `json:"conditions,omitempty"`
	Quorum     *QuorumError     `json:"quorum,omitempty"`
}

// Aggregate decides a gate from the votes that arrived out of expected
// voters. It is a pure function: the same votes and policy always give the
// same tally, whatever order the votes are in.
//
// Rules, first match wins:
//  1. fewer votes than the quorum rejects;
//  2. any critical concern rejects;
//  3. any blocking reject rejects;
//  4. the confidence-weighted approval ratio of advisory voters must reach
//     the threshold. If any advisory voter rejected, the gate passes with
//     their concerns and suggestions as conditions.
func Aggregate(votes []Vote, expected int, p Policy) Tally {
	sorted := SortVotes(votes)
	tr := AggregationTrace{
		Expected:  expected,
		Responded: len(sorted),
		Required:  p.Required(expected),
		Threshold: p.Threshold,
	}

	if tr.Responded < tr.Required {
		tr.Rule = RuleQuorum
		return Tally{
			Outcome: Rejected,
			Trace:   tr,
			Quorum:  &QuorumError{Required: tr.Required, Responded: tr.Responded},
		}
	}

	for _, v := range sorted {
		for _, c := range v.Concerns {
			if c.Critical() {
				tr.CriticalConcerns = append(tr.CriticalConcerns, fmt.Sprintf("[%s] %s", v.VoterID, c.Issue))
			}
		}
		if v.Vote == Reject {
			if v.Blocking {
				tr.BlockingRejects = append(tr.BlockingRejects, v.VoterID)
			} else {
				tr.AdvisoryRejects = append(tr.AdvisoryRejects, v.VoterID)
			}
		}
	}
	if len(tr.CriticalConcerns) > 0 {
		tr.Rule = RuleCriticalConcern
		return Tally{Outcome: Rejected, Trace: tr}
	}
	if len(tr.BlockingRejects) > 0 {
		tr.Rule = RuleBlockingReject
		return Tally{Outcome: Rejected, Trace: tr}
	}

	tr.Rule = RuleAdvisoryRatio
	advisory := 0
	for _, v := range sorted {
		if v.Blocking {
			continue
		}
		advisory++
		w := p.Weights.For(v.Confidence) * voterWeight(v)
		if v.Vote == Approve {
			tr.ApproveWeight += w
		} else {
			tr.RejectWeight += w
		}
	}
	total := tr.ApproveWeight + tr.RejectWeight
	switch {
	case advisory == 0:
		tr.Ratio = 1
	case total == 0:
		tr.Ratio = 0
	default:
		tr.Ratio = tr.ApproveWeight / total
	}

	if tr.Ratio+ratioEpsilon < p.Threshold {
		return Tally{Outcome: Rejected, Trace: tr}
	}
	if len(tr.AdvisoryRejects) == 0 {
		return Tally{Outcome: Approved, Trace: tr}
	}
	return Tally{Outcome: ApprovedWithConditions, Trace: tr, Conditions: conditions(sorted)}
}

func voterWeight(v Vote) float64 {
	if v.Weight <= 0 {
		return 1
	}
	return v.Weight
}

// conditions lists the concerns and suggestions of rejecting advisory
// voters, deduplicated in voter order.
func conditions(sorted []Vote) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, v := range sorted {
		if v.Blocking || v.Vote != Reject {
			continue
		}
		for _, c := range v.Concerns {
			add(c.Issue)
		}
		for _, s := range v.Suggestions {
			add(s)
		}
	}
	return out
}

// SortVotes returns a copy of votes ordered by voter id.
func SortVotes(votes []Vote) []Vote {
	out := append([]Vote(nil), votes...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].VoterID < out[j].VoterID })
	return out
}
