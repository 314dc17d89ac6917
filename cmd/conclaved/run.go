package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conclave/internal/agent"
	"github.com/fyrsmithlabs/conclave/internal/config"
	"github.com/fyrsmithlabs/conclave/internal/contextgraph"
	"github.com/fyrsmithlabs/conclave/internal/embeddings"
	"github.com/fyrsmithlabs/conclave/internal/events"
	httpserver "github.com/fyrsmithlabs/conclave/internal/http"
	"github.com/fyrsmithlabs/conclave/internal/logging"
	"github.com/fyrsmithlabs/conclave/internal/mcp"
	"github.com/fyrsmithlabs/conclave/internal/orchestrator"
	"github.com/fyrsmithlabs/conclave/internal/secrets"
	"github.com/fyrsmithlabs/conclave/internal/store"
	"github.com/fyrsmithlabs/conclave/internal/telemetry"
	"github.com/fyrsmithlabs/conclave/internal/voting"
	"github.com/fyrsmithlabs/conclave/internal/workflows"
	"github.com/fyrsmithlabs/conclave/internal/workspace"
)

type options struct {
	configPath string
	mcpStdio   bool
}

// run loads configuration, builds the app and serves until ctx is done.
func run(ctx context.Context, opts options) error {
	cfg, err := config.LoadWithFile(opts.configPath)
	if err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(sctx)
	}()

	logger, err := initLogger(cfg, tel, opts.mcpStdio)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	zl := logger.Underlying()
	zl.Info("starting conclaved",
		zap.String("version", version),
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.Bool("mcp_stdio", opts.mcpStdio))

	agents, err := agent.NewLLMCapability(cfg.Agents, zl.Named("agent"))
	if err != nil {
		return fmt.Errorf("failed to initialize agents: %w", err)
	}

	a, err := newApp(ctx, cfg, agents, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.serve(ctx, opts.mcpStdio)
}

// initLogger builds the root logger. In MCP stdio mode console output
// moves to stderr.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry, stdio bool) (*logging.Logger, error) {
	lcfg, err := logging.FromObservability(cfg.Observability)
	if err != nil {
		return nil, err
	}
	lcfg.Output.Stderr = stdio
	return logging.NewLogger(lcfg, tel.LoggerProvider())
}

// app holds the wired components.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	db       *store.DB
	index    contextgraph.Index
	embedder embeddings.Provider
	graph    *contextgraph.Graph
	engine   *voting.Engine
	orch     *orchestrator.Orchestrator
	scrubber secrets.Scrubber
	nc       *nats.Conn
	watcher  *voting.CatalogWatcher
	http     *httpserver.Server

	temporal client.Client
	worker   worker.Worker
}

// newApp wires every component from cfg. agents serves all agent roles.
func newApp(ctx context.Context, cfg *config.Config, agents agent.Capability, logger *logging.Logger) (*app, error) {
	zl := logger.Underlying()
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var err error
	a.scrubber, err = secrets.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize secret scrubber: %w", err)
	}

	a.db, err = store.Open(ctx, cfg.Store, zl.Named("store"))
	if err != nil {
		return nil, err
	}

	a.embedder, err = embeddings.NewProvider(cfg.Embeddings, int(cfg.Qdrant.VectorSize), zl.Named("embeddings"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embeddings: %w", err)
	}
	a.index, err = newIndex(ctx, cfg, a.embedder, zl.Named("index"))
	switch {
	case errors.Is(err, errUnknownIndex):
		return nil, err
	case err != nil:
		zl.Warn("precedent index unavailable, gates run without precedents",
			zap.String("index", cfg.ContextGraph.Index), zap.Error(err))
		a.index = nil
	}

	a.graph, err = contextgraph.New(a.db.Traces(), contextgraph.Options{
		Index:    a.index,
		Scrubber: a.scrubber,
		Logger:   zl.Named("contextgraph"),
	})
	if err != nil {
		return nil, err
	}

	catalog, err := voting.LoadCatalog(cfg.Gates.CatalogPath)
	if err != nil {
		return nil, err
	}
	if cfg.Gates.Watch && cfg.Gates.CatalogPath != "" {
		a.watcher, err = voting.NewCatalogWatcher(catalog, cfg.Gates.CatalogPath, zl.Named("gates"))
		if err != nil {
			return nil, err
		}
		if err := a.watcher.Start(ctx); err != nil {
			return nil, err
		}
	}
	meter := agent.NewMeter(agents, cfg.Agents)
	a.engine = voting.NewEngine(meter, a.graph, catalog, cfg.Voting, logger.Named("voting"))

	sink := events.Nop()
	if cfg.NATS.Enabled {
		a.nc, err = events.Connect(cfg.NATS, zl)
		if err != nil {
			return nil, err
		}
		sink = events.NewPublisher(a.nc, cfg.NATS.SubjectPrefix, zl)
	}

	orchOpts := orchestrator.Options{
		Traces:       a.graph,
		Store:        a.db.Projects(),
		Events:       sink,
		Usage:        meter,
		Autonomy:     orchestrator.Autonomy(cfg.Pipeline.Autonomy),
		Tasks:        cfg.Tasks,
		AgentTimeout: cfg.Agents.Timeout.Duration(),
		Logger:       logger.Named("orchestrator"),
	}
	if cfg.Workspace.Enabled {
		repo, err := workspace.Open(cfg.Workspace, zl.Named("workspace"))
		if err != nil {
			return nil, err
		}
		orchOpts.Archiver = repo
	}
	a.orch, err = orchestrator.New(meter, a.engine, orchOpts)
	if err != nil {
		return nil, err
	}

	if cfg.Temporal.Enabled {
		a.temporal, err = client.Dial(client.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
		})
		if err != nil {
			return nil, fmt.Errorf("unable to create Temporal client: %w", err)
		}
		a.worker = workflows.NewWorker(a.temporal, cfg.Temporal.TaskQueue, &workflows.Activities{
			Projects: a.orch,
			Logger:   zl.Named("workflows"),
		})
	}

	a.http, err = httpserver.NewServer(httpserver.Deps{
		Gates:    a.engine,
		Traces:   a.graph,
		Projects: a.orch,
	}, zl.Named("http"), &httpserver.Config{Host: cfg.Server.Host, Port: cfg.Server.Port})
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

var errUnknownIndex = errors.New("unknown contextgraph index")

func newIndex(ctx context.Context, cfg *config.Config, emb embeddings.Provider, logger *zap.Logger) (contextgraph.Index, error) {
	switch cfg.ContextGraph.Index {
	case "qdrant":
		idx, err := contextgraph.NewQdrantIndex(ctx, cfg.Qdrant, cfg.ContextGraph.Collection, emb, logger)
		if err != nil {
			return nil, err
		}
		return idx, nil
	case "chromem":
		idx, err := contextgraph.NewChromemIndex(contextgraph.ChromemOptions{
			Path:       cfg.ContextGraph.ChromemPath,
			Compress:   cfg.ContextGraph.Compress,
			Collection: cfg.ContextGraph.Collection,
		}, emb, logger)
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("%w %q", errUnknownIndex, cfg.ContextGraph.Index)
	}
}

// serve runs the HTTP server, the Temporal worker and, when stdio is set,
// the MCP server until ctx is done or one of them fails.
func (a *app) serve(ctx context.Context, stdio bool) error {
	zl := a.logger.Underlying()
	errCh := make(chan error, 2)

	if a.worker != nil {
		if err := a.worker.Start(); err != nil {
			return fmt.Errorf("starting Temporal worker: %w", err)
		}
		zl.Info("temporal worker started", zap.String("task_queue", a.cfg.Temporal.TaskQueue))
	}

	go func() {
		zl.Info("http server listening",
			zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", a.cfg.Server.Host, a.cfg.Server.Port)),
			zap.String("metrics_endpoint", "/metrics"))
		errCh <- a.http.Start()
	}()

	if stdio {
		srv, err := mcp.NewServer(&mcp.Config{Name: "conclave", Version: version, Logger: zl.Named("mcp")},
			a.engine, a.graph, a.orch, a.scrubber)
		if err != nil {
			return err
		}
		go func() { errCh <- srv.Run(ctx) }()
	}

	var runErr error
	select {
	case <-ctx.Done():
		zl.Info("shutting down")
	case runErr = <-errCh:
		if runErr != nil {
			zl.Error("server stopped", zap.Error(runErr))
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := a.http.Shutdown(sctx); err != nil && !errors.Is(err, context.Canceled) {
		zl.Warn("http shutdown", zap.Error(err))
	}
	return runErr
}

// Close releases every component that holds resources. Safe on a
// partially built app.
func (a *app) Close() {
	if a.worker != nil {
		a.worker.Stop()
	}
	if a.temporal != nil {
		a.temporal.Close()
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.nc != nil {
		a.nc.Close()
	}
	if a.index != nil {
		_ = a.index.Close()
	}
	if a.embedder != nil {
		_ = a.embedder.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
