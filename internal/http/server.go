// Package http provides the HTTP API for conclave.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conclave/internal/contextgraph"
	"github.com/fyrsmithlabs/conclave/internal/orchestrator"
	"github.com/fyrsmithlabs/conclave/internal/voting"
)

// Gates evaluates quality gates.
type Gates interface {
	Evaluate(ctx context.Context, gateID string, in voting.Input) (voting.GateDecision, error)
	Catalog() *voting.Catalog
}

// Traces is the decision trace store.
type Traces interface {
	Get(ctx context.Context, traceID string) (contextgraph.DecisionTrace, error)
	RecordOutcome(ctx context.Context, traceID string, u contextgraph.OutcomeUpdate) (contextgraph.DecisionTrace, error)
	FindPrecedents(ctx context.Context, q contextgraph.Query) ([]contextgraph.Precedent, error)
	PatternAnalysis(ctx context.Context, f contextgraph.Filter) (contextgraph.PatternSummary, error)
	Lessons(ctx context.Context, tag string) ([]contextgraph.Lesson, error)
}

// Projects drives pipeline runs.
type Projects interface {
	Start(ctx context.Context, id, feature string) (orchestrator.Project, error)
	Get(ctx context.Context, id string) (orchestrator.Project, error)
	List(ctx context.Context) ([]orchestrator.Project, error)
	Advance(ctx context.Context, id string) (orchestrator.Project, error)
	Abort(ctx context.Context, id string) (orchestrator.Project, error)
	Resume(ctx context.Context, id string) (orchestrator.Project, error)
	Unblock(ctx context.Context, id string, in orchestrator.Intervention) (orchestrator.Project, error)
}

// Deps are the services the API exposes.
type Deps struct {
	Gates    Gates
	Traces   Traces
	Projects Projects
}

// Server provides HTTP endpoints for conclave.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *zap.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Gates == nil {
		return nil, fmt.Errorf("gate engine cannot be nil")
	}
	if deps.Traces == nil {
		return nil, fmt.Errorf("trace store cannot be nil")
	}
	if deps.Projects == nil {
		return nil, fmt.Errorf("project orchestrator cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewAPIMetrics(logger).Middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/gates", s.handleListGates)
	v1.POST("/gates/:gate/evaluate", s.handleEvaluate)

	v1.GET("/precedents", s.handlePrecedents)
	v1.GET("/traces/:id", s.handleGetTrace)
	v1.POST("/traces/:id/outcome", s.handleRecordOutcome)
	v1.GET("/patterns", s.handlePatterns)
	v1.GET("/lessons", s.handleLessons)

	v1.GET("/projects", s.handleListProjects)
	v1.POST("/projects", s.handleStartProject)
	v1.GET("/projects/:id", s.handleGetProject)
	v1.POST("/projects/:id/advance", s.handleAdvance)
	v1.POST("/projects/:id/abort", s.handleAbort)
	v1.POST("/projects/:id/resume", s.handleResume)
	v1.POST("/projects/:id/unblock", s.handleUnblock)

	v1.POST("/tasks/validate", s.handleValidatePlan)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Handler returns the underlying handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// apiError maps domain errors onto HTTP statuses.
func (s *Server) apiError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, voting.ErrUnknownGate),
		errors.Is(err, contextgraph.ErrNotFound),
		errors.Is(err, orchestrator.ErrProjectNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrProjectExists),
		errors.Is(err, orchestrator.ErrNotActive),
		errors.Is(err, orchestrator.ErrInvalidTransition),
		errors.Is(err, orchestrator.ErrInvalidIntervention),
		errors.Is(err, contextgraph.ErrAlreadyRecorded):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrInvalidProjectID),
		errors.Is(err, orchestrator.ErrFeatureRequired),
		errors.Is(err, contextgraph.ErrInvalidOutcome),
		errors.Is(err, contextgraph.ErrInvalidTrace),
		errors.Is(err, voting.ErrNoVoters),
		errors.Is(err, voting.ErrInvalidGate):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.Path()),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			zap.Error(err),
		)
	}
	return echo.NewHTTPError(status, err.Error())
}
