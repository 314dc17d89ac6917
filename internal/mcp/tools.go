package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conclave/internal/contextgraph"
	"github.com/fyrsmithlabs/conclave/internal/voting"
)

const (
	defaultPrecedentK = 5
	maxPrecedentK     = 25
	toolActor         = "mcp"
)

// toolFunc is a tool body. It returns the structured output and the text
// shown to the model.
type toolFunc[In, Out any] func(ctx context.Context, args In) (Out, string, error)

// instrument adds metrics and logging around a tool body.
func instrument[In, Out any](s *Server, name string, fn toolFunc[In, Out]) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, req *mcp.CallToolRequest, args In) (*mcp.CallToolResult, Out, error) {
		done := s.metrics.Begin(ctx, name)
		out, text, err := fn(ctx, args)
		done(err)
		if err != nil {
			s.logger.Warn("tool failed", zap.String("tool", name), zap.Error(err))
			var zero Out
			return nil, zero, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, out, nil
	}
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "gate_evaluate",
		Description: "Run a quality gate: voters review the artifact and the votes are aggregated into approved, approved_with_conditions or rejected",
	}, instrument(s, "gate_evaluate", s.gateEvaluate))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "precedent_search",
		Description: "Find past decision traces similar to a situation, most similar first",
	}, instrument(s, "precedent_search", s.precedentSearch))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "outcome_record",
		Description: "Record how a past decision turned out. Existing outcomes are only replaced with override",
	}, instrument(s, "outcome_record", s.outcomeRecord))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "pattern_analysis",
		Description: "Summarize decision traces: counts by decision, approval rate and outcome score distribution",
	}, instrument(s, "pattern_analysis", s.patternAnalysis))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "lesson_list",
		Description: "List findings that keep recurring in rejected gate decisions, with the correction that addressed them",
	}, instrument(s, "lesson_list", s.lessonList))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "project_status",
		Description: "Show a pipeline project's phase, status, tasks and gate decisions",
	}, instrument(s, "project_status", s.projectStatus))
}

// ===== GATE_EVALUATE =====

type gateEvaluateInput struct {
	GateID       string `json:"gate_id" jsonschema:"Gate to run, e.g. code_review"`
	Artifact     string `json:"artifact" jsonschema:"The work product under review"`
	Context      string `json:"context,omitempty" jsonschema:"Extra material every voter receives"`
	ContextQuery string `json:"context_query,omitempty" jsonschema:"Precedent search text (default: start of the artifact)"`
}

type voteSummary struct {
	VoterID    string   `json:"voter_id"`
	Role       string   `json:"role"`
	Blocking   bool     `json:"blocking"`
	Vote       string   `json:"vote"`
	Confidence string   `json:"confidence"`
	Reasoning  string   `json:"reasoning,omitempty"`
	Concerns   []string `json:"concerns,omitempty"`
}

type gateEvaluateOutput struct {
	DecisionID  string        `json:"decision_id"`
	GateID      string        `json:"gate_id"`
	Outcome     string        `json:"outcome"`
	Passed      bool          `json:"passed"`
	Rule        string        `json:"rule"`
	Votes       []voteSummary `json:"votes"`
	Excluded    []string      `json:"excluded,omitempty"`
	Conditions  []string      `json:"conditions,omitempty"`
	Suggestions []string      `json:"suggestions,omitempty"`
	QuorumError string        `json:"quorum_error,omitempty"`
	Precedents  int           `json:"precedents"`
	Feedback    string        `json:"feedback,omitempty"`
}

func (s *Server) gateEvaluate(ctx context.Context, args gateEvaluateInput) (gateEvaluateOutput, string, error) {
	if args.GateID == "" {
		return gateEvaluateOutput{}, "", fmt.Errorf("gate_id is required")
	}
	if strings.TrimSpace(args.Artifact) == "" {
		return gateEvaluateOutput{}, "", fmt.Errorf("artifact is required")
	}

	dec, err := s.gates.Evaluate(ctx, args.GateID, voting.Input{
		Artifact:     args.Artifact,
		Context:      args.Context,
		ContextQuery: args.ContextQuery,
	})
	if err != nil {
		return gateEvaluateOutput{}, "", fmt.Errorf("gate evaluation failed: %w", err)
	}

	out := gateEvaluateOutput{
		DecisionID:  dec.ID,
		GateID:      dec.GateID,
		Outcome:     string(dec.Outcome),
		Passed:      dec.Passed(),
		Rule:        dec.Trace.Rule,
		Votes:       make([]voteSummary, 0, len(dec.Votes)),
		Conditions:  s.scrubAll(dec.Conditions),
		Suggestions: s.scrubAll(dec.Suggestions()),
		Precedents:  len(dec.Precedents),
		Feedback:    s.scrub(dec.Feedback),
	}
	for _, v := range dec.Votes {
		vs := voteSummary{
			VoterID:    v.VoterID,
			Role:       v.Role,
			Blocking:   v.Blocking,
			Vote:       string(v.Vote),
			Confidence: string(v.Confidence),
			Reasoning:  s.scrub(v.Reasoning),
		}
		for _, c := range v.Concerns {
			vs.Concerns = append(vs.Concerns, s.scrub(c.String()))
		}
		out.Votes = append(out.Votes, vs)
	}
	for _, ex := range dec.Excluded {
		out.Excluded = append(out.Excluded, fmt.Sprintf("%s: %s", ex.VoterID, ex.Kind))
	}
	if dec.Quorum != nil {
		out.QuorumError = dec.Quorum.Error()
	}
	return out, dec.Summary(), nil
}

// ===== PRECEDENT_SEARCH =====

type precedentSearchInput struct {
	Query           string   `json:"query" jsonschema:"Description of the current situation"`
	K               int      `json:"k,omitempty" jsonschema:"Maximum results (default: 5, max: 25)"`
	Threshold       float64  `json:"threshold,omitempty" jsonschema:"Minimum cosine similarity"`
	DecisionType    string   `json:"decision_type,omitempty" jsonschema:"Only traces of this decision type"`
	ExcludeProject  string   `json:"exclude_project,omitempty" jsonschema:"Drop traces from this project"`
	MinOutcomeScore *float64 `json:"min_outcome_score,omitempty" jsonschema:"Drop traces scored below this; unscored traces count as 0"`
}

type precedentSummary struct {
	TraceID      string   `json:"trace_id"`
	ProjectID    string   `json:"project_id"`
	DecisionType string   `json:"decision_type,omitempty"`
	Decision     string   `json:"decision"`
	Context      string   `json:"context"`
	Similarity   float64  `json:"similarity"`
	Outcome      string   `json:"outcome,omitempty"`
	OutcomeScore *float64 `json:"outcome_score,omitempty"`
}

type precedentSearchOutput struct {
	Precedents []precedentSummary `json:"precedents"`
	Count      int                `json:"count"`
	Degraded   string             `json:"degraded,omitempty"`
}

func (s *Server) precedentSearch(ctx context.Context, args precedentSearchInput) (precedentSearchOutput, string, error) {
	if strings.TrimSpace(args.Query) == "" {
		return precedentSearchOutput{}, "", fmt.Errorf("query is required")
	}
	k := args.K
	if k <= 0 {
		k = defaultPrecedentK
	}
	if k > maxPrecedentK {
		k = maxPrecedentK
	}

	ps, err := s.traces.FindPrecedents(ctx, contextgraph.Query{
		Text:            args.Query,
		K:               k,
		Threshold:       args.Threshold,
		DecisionType:    args.DecisionType,
		ExcludeProject:  args.ExcludeProject,
		MinOutcomeScore: args.MinOutcomeScore,
	})
	out := precedentSearchOutput{Precedents: make([]precedentSummary, 0, len(ps))}
	var pse *contextgraph.PrecedentStoreError
	switch {
	case errors.As(err, &pse):
		out.Degraded = pse.Error()
	case err != nil:
		return precedentSearchOutput{}, "", fmt.Errorf("precedent search failed: %w", err)
	}

	for _, p := range ps {
		out.Precedents = append(out.Precedents, precedentSummary{
			TraceID:      p.Trace.TraceID,
			ProjectID:    p.Trace.ProjectID,
			DecisionType: p.Trace.DecisionType,
			Decision:     p.Trace.Decision,
			Context:      s.scrub(p.Trace.Context),
			Similarity:   p.Similarity,
			Outcome:      p.Trace.Outcome,
			OutcomeScore: p.Trace.OutcomeScore,
		})
	}
	out.Count = len(out.Precedents)
	if out.Degraded != "" {
		return out, "Precedent search unavailable: " + out.Degraded, nil
	}
	if out.Count == 0 {
		return out, "No precedents found", nil
	}
	return out, s.scrub(contextgraph.SynthesizePrecedents(ps)), nil
}

// ===== OUTCOME_RECORD =====

type outcomeRecordInput struct {
	TraceID  string  `json:"trace_id" jsonschema:"Decision trace to update"`
	Outcome  string  `json:"outcome" jsonschema:"success, partial_success, failure or unknown"`
	Score    float64 `json:"score" jsonschema:"Outcome score in [-1, 1]"`
	Notes    string  `json:"notes,omitempty" jsonschema:"What happened"`
	Override bool    `json:"override,omitempty" jsonschema:"Replace an existing outcome; the old one is kept as a correction"`
	Actor    string  `json:"actor,omitempty" jsonschema:"Who is recording (default: mcp)"`
	Reason   string  `json:"reason,omitempty" jsonschema:"Why an existing outcome is overridden"`
}

type outcomeRecordOutput struct {
	TraceID     string  `json:"trace_id"`
	Outcome     string  `json:"outcome"`
	Score       float64 `json:"score"`
	Corrections int     `json:"corrections"`
}

func (s *Server) outcomeRecord(ctx context.Context, args outcomeRecordInput) (outcomeRecordOutput, string, error) {
	if args.TraceID == "" {
		return outcomeRecordOutput{}, "", fmt.Errorf("trace_id is required")
	}
	actor := args.Actor
	if actor == "" {
		actor = toolActor
	}
	t, err := s.traces.RecordOutcome(ctx, args.TraceID, contextgraph.OutcomeUpdate{
		Outcome:  args.Outcome,
		Score:    args.Score,
		Notes:    args.Notes,
		Override: args.Override,
		Actor:    actor,
		Reason:   args.Reason,
	})
	if err != nil {
		return outcomeRecordOutput{}, "", fmt.Errorf("outcome not recorded: %w", err)
	}
	out := outcomeRecordOutput{
		TraceID:     t.TraceID,
		Outcome:     t.Outcome,
		Score:       t.Score(),
		Corrections: len(t.Corrections),
	}
	return out, fmt.Sprintf("Recorded %s (%.2f) for %s", out.Outcome, out.Score, out.TraceID), nil
}

// ===== PATTERN_ANALYSIS =====

type patternAnalysisInput struct {
	ProjectID    string   `json:"project_id,omitempty" jsonschema:"Only traces of this project"`
	DecisionType string   `json:"decision_type,omitempty" jsonschema:"Only traces of this decision type"`
	Decision     string   `json:"decision,omitempty" jsonschema:"Only traces with this decision"`
	Tags         []string `json:"tags,omitempty" jsonschema:"Only traces carrying any of these tags"`
	Since        string   `json:"since,omitempty" jsonschema:"Only traces at or after this RFC 3339 time"`
	Limit        int      `json:"limit,omitempty" jsonschema:"Only the newest N traces"`
}

func (s *Server) patternAnalysis(ctx context.Context, args patternAnalysisInput) (contextgraph.PatternSummary, string, error) {
	f := contextgraph.Filter{
		ProjectID:    args.ProjectID,
		DecisionType: args.DecisionType,
		Decision:     args.Decision,
		Tags:         args.Tags,
		Limit:        args.Limit,
	}
	if args.Since != "" {
		at, err := time.Parse(time.RFC3339, args.Since)
		if err != nil {
			return contextgraph.PatternSummary{}, "", fmt.Errorf("invalid since: %w", err)
		}
		f.Since = at
	}
	if f.Limit < 0 {
		return contextgraph.PatternSummary{}, "", fmt.Errorf("invalid limit: %d", f.Limit)
	}

	sum, err := s.traces.PatternAnalysis(ctx, f)
	if err != nil {
		return contextgraph.PatternSummary{}, "", fmt.Errorf("pattern analysis failed: %w", err)
	}
	text := fmt.Sprintf("%d traces, %.0f%% approved", sum.Total, sum.ApprovalRate*100)
	if sum.Scored > 0 {
		text += fmt.Sprintf(", %d scored averaging %.2f", sum.Scored, sum.AverageScore)
	}
	return sum, text, nil
}

// ===== LESSON_LIST =====

type lessonListInput struct {
	GateID string `json:"gate_id,omitempty" jsonschema:"Only lessons from this gate"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Maximum results, most confident first"`
}

type lessonListOutput struct {
	Lessons []contextgraph.Lesson `json:"lessons"`
	Count   int                   `json:"count"`
}

func (s *Server) lessonList(ctx context.Context, args lessonListInput) (lessonListOutput, string, error) {
	lessons, err := s.traces.Lessons(ctx, args.GateID)
	if err != nil {
		return lessonListOutput{}, "", fmt.Errorf("lesson lookup failed: %w", err)
	}
	if args.Limit > 0 && len(lessons) > args.Limit {
		lessons = lessons[:args.Limit]
	}
	out := lessonListOutput{Lessons: make([]contextgraph.Lesson, 0, len(lessons))}
	var b strings.Builder
	for _, l := range lessons {
		l.Pattern = s.scrub(l.Pattern)
		l.Correction = s.scrub(l.Correction)
		out.Lessons = append(out.Lessons, l)
		fmt.Fprintf(&b, "- %s (seen %dx, confidence %d)", l.Pattern, l.Occurrences, l.Confidence)
		if l.Correction != "" {
			b.WriteString(": " + l.Correction)
		}
		b.WriteString("\n")
	}
	out.Count = len(out.Lessons)
	if out.Count == 0 {
		return out, "No lessons recorded", nil
	}
	return out, strings.TrimSuffix(b.String(), "\n"), nil
}

// ===== PROJECT_STATUS =====

type projectStatusInput struct {
	ProjectID string `json:"project_id" jsonschema:"Project identifier"`
}

type taskSummary struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
}

type decisionSummary struct {
	GateID  string `json:"gate_id"`
	TaskID  string `json:"task_id,omitempty"`
	Outcome string `json:"outcome"`
	TraceID string `json:"trace_id,omitempty"`
	Attempt int    `json:"attempt"`
}

type projectStatusOutput struct {
	ID            string            `json:"id"`
	Feature       string            `json:"feature"`
	Phase         string            `json:"phase"`
	Status        string            `json:"status"`
	Progress      int               `json:"progress"`
	BlockedIn     string            `json:"blocked_in,omitempty"`
	BlockedReason string            `json:"blocked_reason,omitempty"`
	Tasks         []taskSummary     `json:"tasks,omitempty"`
	Decisions     []decisionSummary `json:"decisions,omitempty"`
	PendingTraces int               `json:"pending_traces"`
}

func (s *Server) projectStatus(ctx context.Context, args projectStatusInput) (projectStatusOutput, string, error) {
	if args.ProjectID == "" {
		return projectStatusOutput{}, "", fmt.Errorf("project_id is required")
	}
	p, err := s.projects.Get(ctx, args.ProjectID)
	if err != nil {
		return projectStatusOutput{}, "", fmt.Errorf("project lookup failed: %w", err)
	}

	progress := p.Phase.Progress()
	if p.BlockedIn != "" {
		progress = p.BlockedIn.Progress()
	}
	out := projectStatusOutput{
		ID:            p.ID,
		Feature:       s.scrub(p.Feature),
		Phase:         string(p.Phase),
		Status:        string(p.Status),
		Progress:      progress,
		BlockedIn:     string(p.BlockedIn),
		BlockedReason: s.scrub(p.BlockedReason),
		PendingTraces: len(p.PendingTraces),
	}
	for _, t := range p.Tasks {
		out.Tasks = append(out.Tasks, taskSummary{ID: t.ID, Title: t.Title, Status: string(t.Status), Attempts: t.AttemptCount})
	}
	for _, d := range p.Decisions {
		out.Decisions = append(out.Decisions, decisionSummary{GateID: d.GateID, TaskID: d.TaskID, Outcome: d.Outcome, TraceID: d.TraceID, Attempt: d.Attempt})
	}

	text := fmt.Sprintf("%s: %s (%s, %d%%)", p.ID, p.Phase, p.Status, progress)
	if p.BlockedReason != "" {
		text += " - " + out.BlockedReason
	}
	return out, text, nil
}

func (s *Server) scrubAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = s.scrub(v)
	}
	return out
}
