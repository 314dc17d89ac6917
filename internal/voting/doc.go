// Package voting runs quality gates. A gate asks a fixed set of voter
// roles to judge an artifact, then aggregates their structured votes into
// approved, approved_with_conditions or rejected.
//
// Aggregation is a pure function of the votes and the gate policy. The
// Engine adds everything around it: precedent lookup, concurrent voter
// calls with per-voter deadlines, exclusion of failed voters, metrics and
// audit records.
package voting
