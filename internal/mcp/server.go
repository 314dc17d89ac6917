package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conclave/internal/contextgraph"
	"github.com/fyrsmithlabs/conclave/internal/orchestrator"
	"github.com/fyrsmithlabs/conclave/internal/secrets"
	"github.com/fyrsmithlabs/conclave/internal/voting"
)

// Gates evaluates quality gates.
type Gates interface {
	Evaluate(ctx context.Context, gateID string, in voting.Input) (voting.GateDecision, error)
}

// Traces is the decision trace store.
type Traces interface {
	RecordOutcome(ctx context.Context, traceID string, u contextgraph.OutcomeUpdate) (contextgraph.DecisionTrace, error)
	FindPrecedents(ctx context.Context, q contextgraph.Query) ([]contextgraph.Precedent, error)
	PatternAnalysis(ctx context.Context, f contextgraph.Filter) (contextgraph.PatternSummary, error)
	Lessons(ctx context.Context, tag string) ([]contextgraph.Lesson, error)
}

// Projects looks up pipeline runs.
type Projects interface {
	Get(ctx context.Context, id string) (orchestrator.Project, error)
}

// Server is an MCP server over the gate engine, context graph and
// orchestrator.
type Server struct {
	mcp      *mcp.Server
	gates    Gates
	traces   Traces
	projects Projects
	scrubber secrets.Scrubber
	metrics  *Metrics
	logger   *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "conclave")
	Name string

	// Version is the server version (default: "1.0.0")
	Version string

	// Logger for structured logging
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "conclave",
		Version: "1.0.0",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates an MCP server with all tools registered.
func NewServer(cfg *Config, gates Gates, traces Traces, projects Projects, scrubber secrets.Scrubber) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if gates == nil {
		return nil, fmt.Errorf("gate engine is required")
	}
	if traces == nil {
		return nil, fmt.Errorf("trace store is required")
	}
	if projects == nil {
		return nil, fmt.Errorf("project orchestrator is required")
	}
	if scrubber == nil {
		return nil, fmt.Errorf("scrubber is required")
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		gates:    gates,
		traces:   traces,
		projects: projects,
		scrubber: scrubber,
		metrics:  NewMetrics(cfg.Logger),
		logger:   cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// Run serves on the stdio transport until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves one session on t. Tests use it with in-memory transports.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}

func (s *Server) scrub(text string) string {
	return s.scrubber.Scrub(text).Scrubbed
}
