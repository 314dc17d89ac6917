package contextgraph

import "context"

// Doc is one entry in a similarity index.
type Doc struct {
	ID       string
	Text     string
	Metadata map[string]string
}

// Hit is a single similarity search result.
type Hit struct {
	ID         string
	Similarity float64
}

// Index finds traces similar to a query text. Hits are ordered by
// similarity, highest first. where restricts hits to documents whose
// metadata matches every key.
type Index interface {
	Add(ctx context.Context, doc Doc) error
	Query(ctx context.Context, text string, n int, where map[string]string) ([]Hit, error)
	Close() error
}

// Metadata keys written alongside each indexed trace.
const (
	metaProject      = "project_id"
	metaDecisionType = "decision_type"
	metaDecision     = "decision"
	metaTraceID      = "trace_id"
)

func docFor(t DecisionTrace) Doc {
	return Doc{
		ID:   t.TraceID,
		Text: t.SearchText(),
		Metadata: map[string]string{
			metaTraceID:      t.TraceID,
			metaProject:      t.ProjectID,
			metaDecisionType: t.DecisionType,
			metaDecision:     t.Decision,
		},
	}
}
