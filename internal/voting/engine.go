package voting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conclave/internal/agent"
	"github.com/fyrsmithlabs/conclave/internal/config"
	"github.com/fyrsmithlabs/conclave/internal/contextgraph"
	"github.com/fyrsmithlabs/conclave/internal/logging"
)

var tracer = otel.Tracer("conclave.voting")

const (
	defaultQueryLimit = 2000
	rawOutputLogLimit = 2000
)

// PrecedentFinder looks up similar past decisions.
type PrecedentFinder interface {
	FindPrecedents(ctx context.Context, q contextgraph.Query) ([]contextgraph.Precedent, error)
}

// Exclusion records a voter left out of the tally.
type Exclusion struct {
	VoterID string `json:"voter_id"`
	// Kind is timeout, malformed or error.
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// GateDecision is the immutable result of one evaluation.
type GateDecision struct {
	ID           string                   `json:"id"`
	GateID       string                   `json:"gate_id"`
	GateName     string                   `json:"gate_name"`
	DecisionType string                   `json:"decision_type"`
	Votes        []Vote                   `json:"votes"`
	Outcome      Outcome                  `json:"outcome"`
	Trace        AggregationTrace         `json:"aggregation_trace"`
	Conditions   []string                 `json:"conditions,omitempty"`
	Excluded     []Exclusion              `json:"excluded,omitempty"`
	Quorum       *QuorumError             `json:"quorum_error,omitempty"`
	Precedents   []contextgraph.Precedent `json:"precedents,omitempty"`
	Feedback     string                   `json:"feedback"`
	StartedAt    time.Time                `json:"started_at"`
	CompletedAt  time.Time                `json:"completed_at"`
}

// Passed reports whether the gate let the work through.
func (d GateDecision) Passed() bool { return d.Outcome.Passed() }

// Concerns returns every concern raised, prefixed by voter role.
func (d GateDecision) Concerns() []string {
	var out []string
	for _, v := range d.Votes {
		for _, c := range v.Concerns {
			out = append(out, fmt.Sprintf("[%s] %s", v.Role, c))
		}
	}
	return out
}

// Suggestions returns every suggestion, prefixed by voter role.
func (d GateDecision) Suggestions() []string {
	var out []string
	for _, v := range d.Votes {
		for _, s := range v.Suggestions {
			out = append(out, fmt.Sprintf("[%s] %s", v.Role, s))
		}
	}
	return out
}

// Summary is a one-line description for trace records.
func (d GateDecision) Summary() string {
	approve := 0
	for _, v := range d.Votes {
		if v.Approved() {
			approve++
		}
	}
	return fmt.Sprintf("%s %s (%d/%d approve, rule %s)", d.GateID, d.Outcome, approve, len(d.Votes), d.Trace.Rule)
}

// Input is what a gate evaluates.
type Input struct {
	Artifact string
	// Context is extra material every voter receives.
	Context string
	// ContextQuery is the precedent search text. It defaults to the start
	// of the artifact.
	ContextQuery string
	// Voters overrides the gate's configured voter set.
	Voters []VoterConfig
	// ExcludeProject and MinOutcomeScore narrow the precedent lookup.
	ExcludeProject  string
	MinOutcomeScore *float64
}

// Engine runs gates: precedent lookup, concurrent voting, aggregation.
type Engine struct {
	agents     agent.Capability
	precedents PrecedentFinder
	catalog    *Catalog
	cfg        config.VotingConfig
	logger     *logging.Logger
	now        func() time.Time
}

// NewEngine builds an Engine. precedents may be nil.
func NewEngine(agents agent.Capability, precedents PrecedentFinder, catalog *Catalog, cfg config.VotingConfig, logger *logging.Logger) *Engine {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Engine{
		agents:     agents,
		precedents: precedents,
		catalog:    catalog,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Catalog returns the engine's gate catalog.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// Config returns the voting defaults.
func (e *Engine) Config() config.VotingConfig { return e.cfg }

// Evaluate runs one gate over an artifact and returns its decision.
//
// Voters that error, time out or return malformed votes are excluded and
// logged. Too few responses reject the gate with a QuorumError on the
// decision; that is not returned as an error. Errors are returned only for
// an unknown gate, an empty voter set, or a cancelled ctx.
func (e *Engine) Evaluate(ctx context.Context, gateID string, in Input) (GateDecision, error) {
	gate, err := e.catalog.Gate(gateID)
	if err != nil {
		return GateDecision{}, err
	}
	voters := gate.Voters
	if len(in.Voters) > 0 {
		voters = in.Voters
	}
	if len(voters) == 0 {
		return GateDecision{}, fmt.Errorf("%w: %s", ErrNoVoters, gateID)
	}
	if run, ok := logging.RunFromContext(ctx); ok {
		run.GateID = gateID
		ctx, _ = logging.WithRun(ctx, run)
	}

	ctx, span := tracer.Start(ctx, "Engine.Evaluate")
	defer span.End()
	span.SetAttributes(attribute.String("gate.id", gateID), attribute.Int("voters", len(voters)))

	d := GateDecision{
		ID:           uuid.NewString(),
		GateID:       gate.ID,
		GateName:     gate.Name,
		DecisionType: gate.DecisionType,
		StartedAt:    e.now().UTC(),
	}
	span.SetAttributes(attribute.String("decision.id", d.ID))
	start := time.Now()
	defer func() { evaluationDuration.WithLabelValues(gateID).Observe(time.Since(start).Seconds()) }()

	d.Precedents = e.findPrecedents(ctx, gate, in)
	material := in.Context
	if len(d.Precedents) > 0 {
		brief := contextgraph.SynthesizePrecedents(d.Precedents)
		material = strings.TrimSpace(material + "\n\n" + brief)
	}

	votes, excluded := e.collect(ctx, gate, voters, in.Artifact, material)
	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "evaluation cancelled")
		return GateDecision{}, fmt.Errorf("evaluating %s: %w", gateID, err)
	}
	for _, x := range excluded {
		excludedVoters.WithLabelValues(gateID, x.Kind).Inc()
		e.logger.Warn(ctx, "voter excluded from tally",
			zap.String("voter_id", x.VoterID), zap.String("kind", x.Kind), zap.String("reason", x.Reason))
	}
	for _, v := range votes {
		votesTotal.WithLabelValues(gateID, string(v.Vote)).Inc()
		e.logger.Audit(ctx, "gate.vote",
			zap.String("decision_id", d.ID),
			zap.String("voter_id", v.VoterID),
			zap.String("role", v.Role),
			zap.Bool("blocking", v.Blocking),
			zap.String("vote", string(v.Vote)),
			zap.String("confidence", string(v.Confidence)),
			zap.Int("concerns", len(v.Concerns)))
	}

	tally := Aggregate(votes, len(voters), gate.Policy(e.cfg))
	d.Votes = SortVotes(votes)
	d.Outcome = tally.Outcome
	d.Trace = tally.Trace
	d.Conditions = tally.Conditions
	d.Quorum = tally.Quorum
	d.Excluded = excluded
	d.Feedback = RenderFeedback(d.Votes)
	d.CompletedAt = e.now().UTC()

	if d.Quorum != nil {
		e.logger.Warn(ctx, "gate rejected for lack of quorum", zap.Error(d.Quorum))
	}
	decisionsTotal.WithLabelValues(gateID, string(d.Outcome), d.Trace.Rule).Inc()
	span.SetAttributes(attribute.String("outcome", string(d.Outcome)), attribute.String("rule", d.Trace.Rule))
	e.logger.Audit(ctx, "gate.decision",
		zap.String("decision_id", d.ID),
		zap.String("outcome", string(d.Outcome)),
		zap.String("rule", d.Trace.Rule),
		zap.Int("responded", d.Trace.Responded),
		zap.Int("required", d.Trace.Required),
		zap.Float64("ratio", d.Trace.Ratio),
		zap.Int("precedents", len(d.Precedents)))
	return d, nil
}

func (e *Engine) findPrecedents(ctx context.Context, gate GateConfig, in Input) []contextgraph.Precedent {
	if e.precedents == nil {
		return nil
	}
	text := in.ContextQuery
	if text == "" {
		text = truncate(in.Artifact, defaultQueryLimit)
	}
	ps, err := e.precedents.FindPrecedents(ctx, contextgraph.Query{
		Text:            text,
		K:               e.cfg.PrecedentK,
		Threshold:       e.cfg.PrecedentThreshold,
		DecisionType:    gate.DecisionType,
		ExcludeProject:  in.ExcludeProject,
		MinOutcomeScore: in.MinOutcomeScore,
	})
	if err != nil {
		e.logger.Warn(ctx, "continuing without precedents", zap.Error(err))
		return nil
	}
	return ps
}

type ballot struct {
	vote Vote
	err  error
}

// collect invokes every voter concurrently with its own deadline and
// returns the parsed votes plus the exclusions, both in voter order.
func (e *Engine) collect(ctx context.Context, gate GateConfig, voters []VoterConfig, artifact, material string) ([]Vote, []Exclusion) {
	timeout := gate.Timeout(e.cfg)
	results := make([]ballot, len(voters))

	var wg sync.WaitGroup
	for i, v := range voters {
		wg.Add(1)
		go func(i int, v VoterConfig) {
			defer wg.Done()
			results[i] = e.cast(ctx, gate, v, artifact, material, timeout)
		}(i, v)
	}
	wg.Wait()

	var votes []Vote
	var excluded []Exclusion
	for i, r := range results {
		if r.err != nil {
			excluded = append(excluded, Exclusion{VoterID: voters[i].ID, Kind: exclusionKind(r.err), Reason: r.err.Error()})
			continue
		}
		votes = append(votes, r.vote)
	}
	return votes, excluded
}

func (e *Engine) cast(ctx context.Context, gate GateConfig, v VoterConfig, artifact, material string, timeout time.Duration) ballot {
	ctx, span := tracer.Start(ctx, "Engine.vote")
	defer span.End()
	span.SetAttributes(attribute.String("voter.id", v.ID), attribute.String("voter.role", v.Role))

	art, err := agent.WithDeadline(ctx, e.agents, timeout, agent.Request{
		Role:         v.Role,
		Instructions: VotePrompt(gate, v, artifact),
		Context:      material,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "voter failed")
		return ballot{err: err}
	}
	e.logger.Trace(ctx, "voter output",
		zap.String("voter.id", v.ID), zap.String("raw", truncate(art.Content, rawOutputLogLimit)))
	parsed := ParseVote(art.Content)
	if !parsed.OK() {
		err := parsed.Err(v.Role)
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed vote")
		return ballot{err: err}
	}
	vote := parsed.Data
	vote.VoterID = v.ID
	vote.Role = v.Role
	vote.Blocking = v.Blocking
	vote.Weight = v.Weight
	span.SetAttributes(attribute.String("vote", string(vote.Vote)))
	return ballot{vote: vote}
}

func exclusionKind(err error) string {
	switch {
	case agent.IsValidation(err):
		return "malformed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// IsQuorum reports whether err is a QuorumError.
func IsQuorum(err error) bool {
	var qe *QuorumError
	return errors.As(err, &qe)
}
