// Package contextgraph records why decisions were made and finds similar
// past decisions.
//
// A DecisionTrace is appended once and never deleted. Its outcome is
// written later, exactly once, unless an override records a Correction.
// Traces are embedded into an Index (chromem-go embedded or Qdrant) so
// gate evaluations can look up precedents before voters decide. Index
// failures never fail a caller: lookups degrade to no precedents and the
// failure is logged as a PrecedentStoreError.
package contextgraph
