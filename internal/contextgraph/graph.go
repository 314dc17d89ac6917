package contextgraph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conclave/internal/secrets"
)

var tracer = otel.Tracer("conclave.contextgraph")

const (
	defaultK         = 5
	maxIDCollisions  = 8
	overfetchFactor  = 3
	overfetchPadding = 10
	// maxPrecedentWindow caps how many index hits one lookup may scan.
	maxPrecedentWindow = 1000
)

// Options configures a Graph.
type Options struct {
	// Index serves precedent lookups. A nil index makes every lookup
	// degrade to no precedents.
	Index Index
	// Scrubber redacts secrets from trace text before it is stored.
	Scrubber secrets.Scrubber
	Logger   *zap.Logger
}

// Graph is the context graph: an append-only trace log plus the
// similarity index over it. Writers are serialized; readers never take
// the write lock.
type Graph struct {
	repo     Repository
	index    Index
	scrubber secrets.Scrubber
	logger   *zap.Logger

	writeMu sync.Mutex
	now     func() time.Time
}

// New builds a Graph over repo.
func New(repo Repository, opts Options) (*Graph, error) {
	if repo == nil {
		return nil, fmt.Errorf("context graph: repository is required")
	}
	if opts.Scrubber == nil {
		opts.Scrubber = secrets.Nop()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Graph{
		repo:     repo,
		index:    opts.Index,
		scrubber: opts.Scrubber,
		logger:   opts.Logger,
		now:      time.Now,
	}, nil
}

// RecordTrace appends t and indexes it. A trace without an id gets one
// from NewTraceID. Index failures are logged; the trace is kept.
func (g *Graph) RecordTrace(ctx context.Context, t DecisionTrace) (DecisionTrace, error) {
	ctx, span := tracer.Start(ctx, "Graph.RecordTrace")
	defer span.End()

	if t.ProjectID == "" || t.Context == "" || t.Decision == "" {
		err := fmt.Errorf("%w: project_id, context and decision are required", ErrInvalidTrace)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return DecisionTrace{}, err
	}
	if t.OutcomeScore != nil && !validScore(*t.OutcomeScore) {
		return DecisionTrace{}, fmt.Errorf("%w: score %v outside [-1, 1]", ErrInvalidOutcome, *t.OutcomeScore)
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = g.now().UTC()
	}
	if t.ActorType == "" {
		t.ActorType = ActorAgent
	}
	t = g.scrub(t)

	if err := g.append(ctx, &t); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return DecisionTrace{}, err
	}
	span.SetAttributes(
		attribute.String("trace.id", t.TraceID),
		attribute.String("project.id", t.ProjectID),
		attribute.String("decision", t.Decision),
	)
	tracesRecorded.WithLabelValues(t.Decision).Inc()

	if g.index != nil {
		if err := g.index.Add(ctx, docFor(t)); err != nil {
			indexFailures.WithLabelValues("add").Inc()
			g.logger.Warn("trace recorded but not indexed",
				zap.String("trace_id", t.TraceID),
				zap.Error(&PrecedentStoreError{Op: "add", Err: err}))
		}
	}
	return t, nil
}

func (g *Graph) append(ctx context.Context, t *DecisionTrace) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	if t.TraceID != "" {
		if err := g.repo.Append(ctx, *t); err != nil {
			return fmt.Errorf("appending trace %s: %w", t.TraceID, err)
		}
		return nil
	}
	for i := 0; i < maxIDCollisions; i++ {
		seed := t.Context
		if i > 0 {
			seed += "#" + strconv.Itoa(i)
		}
		t.TraceID = NewTraceID(t.ProjectID, seed, t.Timestamp)
		err := g.repo.Append(ctx, *t)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrDuplicateTrace) {
			return fmt.Errorf("appending trace %s: %w", t.TraceID, err)
		}
	}
	return fmt.Errorf("appending trace: %w after %d id derivations", ErrDuplicateTrace, maxIDCollisions)
}

func (g *Graph) scrub(t DecisionTrace) DecisionTrace {
	if !g.scrubber.IsEnabled() {
		return t
	}
	found := 0
	clean := func(s string) string {
		if s == "" {
			return s
		}
		res := g.scrubber.Scrub(s)
		found += res.TotalFindings
		return res.Scrubbed
	}
	t = t.clone()
	t.Context = clean(t.Context)
	t.Reasoning = clean(t.Reasoning)
	t.DecisionSummary = clean(t.DecisionSummary)
	t.OutcomeNotes = clean(t.OutcomeNotes)
	for i := range t.Inputs {
		t.Inputs[i].Summary = clean(t.Inputs[i].Summary)
	}
	for i := range t.Conditions {
		t.Conditions[i] = clean(t.Conditions[i])
	}
	for i := range t.ConflictsResolved {
		t.ConflictsResolved[i].Issue = clean(t.ConflictsResolved[i].Issue)
		t.ConflictsResolved[i].Reasoning = clean(t.ConflictsResolved[i].Reasoning)
	}
	for i := range t.Findings {
		t.Findings[i].Issue = clean(t.Findings[i].Issue)
		t.Findings[i].Correction = clean(t.Findings[i].Correction)
	}
	if found > 0 {
		g.logger.Warn("secrets redacted from decision trace",
			zap.String("project_id", t.ProjectID),
			zap.Int("findings", found))
	}
	return t
}

// Get returns a single trace.
func (g *Graph) Get(ctx context.Context, traceID string) (DecisionTrace, error) {
	return g.repo.Get(ctx, traceID)
}

// ProjectTraces returns every trace for a project, oldest first.
func (g *Graph) ProjectTraces(ctx context.Context, projectID string) ([]DecisionTrace, error) {
	return g.repo.Scan(ctx, Filter{ProjectID: projectID})
}

// Query describes a precedent lookup.
type Query struct {
	Text string
	// K caps the number of results. Zero means 5.
	K int
	// Threshold is the minimum cosine similarity.
	Threshold    float64
	DecisionType string
	// ExcludeProject drops traces from one project, usually the caller's.
	ExcludeProject string
	// MinOutcomeScore drops traces scored below it. Unscored traces count as 0.
	MinOutcomeScore *float64
}

// Precedent is a past trace returned by FindPrecedents.
type Precedent struct {
	Trace      DecisionTrace `json:"trace"`
	Similarity float64       `json:"similarity"`
}

// Match converts p into the form recorded on a new trace.
func (p Precedent) Match() PrecedentMatch {
	return p.Trace.Match(p.Similarity)
}

// FindPrecedents returns at most q.K traces with similarity at or above
// q.Threshold, most similar first and newest first among equals.
//
// When the index is missing or fails, it returns an empty slice and a
// *PrecedentStoreError. Callers are expected to proceed without
// precedents.
func (g *Graph) FindPrecedents(ctx context.Context, q Query) ([]Precedent, error) {
	ctx, span := tracer.Start(ctx, "Graph.FindPrecedents")
	defer span.End()
	start := time.Now()
	defer func() { precedentLatency.Observe(time.Since(start).Seconds()) }()

	if q.K <= 0 {
		q.K = defaultK
	}
	span.SetAttributes(attribute.Int("k", q.K), attribute.Float64("threshold", q.Threshold))

	if strings.TrimSpace(q.Text) == "" {
		precedentLookups.WithLabelValues("empty").Inc()
		return []Precedent{}, nil
	}
	if g.index == nil {
		return []Precedent{}, g.degrade(span, &PrecedentStoreError{Op: "query", Err: ErrIndexUnavailable})
	}

	var where map[string]string
	if q.DecisionType != "" {
		where = map[string]string{metaDecisionType: q.DecisionType}
	}
	// Project and outcome filters run after the index lookup, so the window
	// widens until K precedents survive or the index runs out of matches.
	var (
		out  = make([]Precedent, 0, q.K)
		seen = make(map[string]bool)
		n    = q.K*overfetchFactor + overfetchPadding
	)
	for {
		hits, err := g.index.Query(ctx, q.Text, n, where)
		if err != nil {
			indexFailures.WithLabelValues("query").Inc()
			return []Precedent{}, g.degrade(span, &PrecedentStoreError{Op: "query", Err: err})
		}
		belowThreshold := false
		for _, h := range hits {
			if h.Similarity < q.Threshold {
				belowThreshold = true
				continue
			}
			if seen[h.ID] {
				continue
			}
			seen[h.ID] = true
			if p, ok := g.admit(ctx, h, q); ok {
				out = append(out, p)
			}
		}
		if len(out) >= q.K || belowThreshold || len(hits) < n || n >= maxPrecedentWindow {
			break
		}
		n = min(n*overfetchFactor, maxPrecedentWindow)
	}
	span.SetAttributes(attribute.Int("window", n))
	sortPrecedents(out)
	if len(out) > q.K {
		out = out[:q.K]
	}

	if len(out) == 0 {
		precedentLookups.WithLabelValues("empty").Inc()
	} else {
		precedentLookups.WithLabelValues("hit").Inc()
	}
	span.SetAttributes(attribute.Int("results", len(out)))
	return out, nil
}

// admit loads the trace behind h and applies the project and outcome filters.
func (g *Graph) admit(ctx context.Context, h Hit, q Query) (Precedent, bool) {
	t, err := g.repo.Get(ctx, h.ID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			g.logger.Debug("skipping precedent", zap.String("trace_id", h.ID), zap.Error(err))
		}
		return Precedent{}, false
	}
	if q.ExcludeProject != "" && t.ProjectID == q.ExcludeProject {
		return Precedent{}, false
	}
	if q.MinOutcomeScore != nil && t.Score() < *q.MinOutcomeScore {
		return Precedent{}, false
	}
	return Precedent{Trace: t, Similarity: h.Similarity}, true
}

func (g *Graph) degrade(span trace.Span, err *PrecedentStoreError) error {
	precedentLookups.WithLabelValues("error").Inc()
	span.RecordError(err)
	g.logger.Warn("precedent lookup degraded to no precedents", zap.Error(err))
	return err
}

func sortPrecedents(ps []Precedent) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Similarity != ps[j].Similarity {
			return ps[i].Similarity > ps[j].Similarity
		}
		if !ps[i].Trace.Timestamp.Equal(ps[j].Trace.Timestamp) {
			return ps[i].Trace.Timestamp.After(ps[j].Trace.Timestamp)
		}
		return ps[i].Trace.TraceID < ps[j].Trace.TraceID
	})
}

// OutcomeUpdate is a request to set or correct a trace outcome.
type OutcomeUpdate struct {
	Outcome string
	Score   float64
	Notes   string
	// Override permits replacing an existing outcome. The previous values
	// are kept as a Correction.
	Override bool
	Actor    string
	Reason   string
}

// RecordOutcome sets the outcome of a trace. It returns a *NotFoundError
// for unknown ids and an *AlreadyRecordedError when an outcome exists and
// u.Override is false; the stored outcome is left untouched in both cases.
func (g *Graph) RecordOutcome(ctx context.Context, traceID string, u OutcomeUpdate) (DecisionTrace, error) {
	ctx, span := tracer.Start(ctx, "Graph.RecordOutcome")
	defer span.End()
	span.SetAttributes(attribute.String("trace.id", traceID), attribute.Bool("override", u.Override))

	if !ValidOutcome(u.Outcome) {
		return DecisionTrace{}, fmt.Errorf("%w: unknown outcome %q", ErrInvalidOutcome, u.Outcome)
	}
	if !validScore(u.Score) {
		return DecisionTrace{}, fmt.Errorf("%w: score %v outside [-1, 1]", ErrInvalidOutcome, u.Score)
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	t, err := g.repo.Get(ctx, traceID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return DecisionTrace{}, err
	}
	if t.HasOutcome() && !u.Override {
		err := &AlreadyRecordedError{TraceID: traceID, Outcome: t.Outcome}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return DecisionTrace{}, err
	}

	now := g.now().UTC()
	notes := u.Notes
	if g.scrubber.IsEnabled() {
		notes = g.scrubber.Scrub(notes).Scrubbed
	}
	overrode := t.HasOutcome()
	if overrode {
		t.Corrections = append(t.Corrections, Correction{
			At:              now,
			Actor:           u.Actor,
			PreviousOutcome: t.Outcome,
			PreviousScore:   t.OutcomeScore,
			PreviousNotes:   t.OutcomeNotes,
			Reason:          u.Reason,
		})
		notes = strings.TrimSpace(notes + "\n" + correctionNote(now, u.Actor, t))
	}
	score := u.Score
	t.Outcome = u.Outcome
	t.OutcomeScore = &score
	t.OutcomeNotes = notes
	t.OutcomeAt = &now

	if err := g.repo.UpdateOutcome(ctx, t); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return DecisionTrace{}, fmt.Errorf("updating outcome for %s: %w", traceID, err)
	}
	outcomesRecorded.WithLabelValues(u.Outcome, strconv.FormatBool(overrode)).Inc()
	g.logger.Info("outcome recorded",
		zap.String("trace_id", traceID),
		zap.String("outcome", u.Outcome),
		zap.Float64("score", u.Score),
		zap.Int("corrections", len(t.Corrections)))
	return t, nil
}

func correctionNote(at time.Time, actor string, prev DecisionTrace) string {
	if actor == "" {
		actor = "unknown"
	}
	return fmt.Sprintf("[correction %s by %s] previous outcome %s (score %+.2f)",
		at.Format(time.RFC3339), actor, prev.Outcome, prev.Score())
}

func validScore(s float64) bool {
	return s >= -1 && s <= 1
}

// Close releases the similarity index.
func (g *Graph) Close() error {
	if g.index == nil {
		return nil
	}
	return g.index.Close()
}
