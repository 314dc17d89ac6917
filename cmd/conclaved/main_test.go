package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/conclave/internal/agent/agenttest"
	"github.com/fyrsmithlabs/conclave/internal/config"
	"github.com/fyrsmithlabs/conclave/internal/contextgraph"
	"github.com/fyrsmithlabs/conclave/internal/events"
	"github.com/fyrsmithlabs/conclave/internal/logging"
	"github.com/fyrsmithlabs/conclave/internal/telemetry"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(dir, "conclave.db")
	cfg.ContextGraph.ChromemPath = filepath.Join(dir, "precedents")
	cfg.Embeddings.Provider = "hash"
	cfg.Workspace.Enabled = true
	cfg.Workspace.Path = filepath.Join(dir, "workspace")
	return cfg
}

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNewApp_WiresComponents(t *testing.T) {
	cfg := testConfig(t)
	server := startTestNATSServer(t)
	cfg.NATS.Enabled = true
	cfg.NATS.URL = server.ClientURL()

	agents := agenttest.NewScripted(nil)
	agents.Default = `{"vote": "approve", "confidence": "high"}`
	a, err := newApp(context.Background(), cfg, agents, logging.Nop())
	require.NoError(t, err)
	defer a.Close()

	got := make(chan events.Event, 8)
	sub, err := events.Subscribe(a.nc, cfg.NATS.SubjectPrefix, "", nil, func(e events.Event) { got <- e })
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, a.nc.Flush())

	srv := httptest.NewServer(a.http.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/v1/projects", "application/json",
		strings.NewReader(`{"id": "shop", "feature": "saved cards at checkout"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	select {
	case e := <-got:
		assert.Equal(t, events.ProjectStarted, e.Type)
		assert.Equal(t, "shop", e.ProjectID)
	case <-time.After(5 * time.Second):
		t.Fatal("no event published")
	}

	p, err := a.db.Projects().Load(context.Background(), "shop")
	require.NoError(t, err)
	assert.Equal(t, "saved cards at checkout", p.Feature)
}

func TestNewApp_UnknownIndex(t *testing.T) {
	cfg := testConfig(t)
	cfg.ContextGraph.Index = "faiss"
	_, err := newApp(context.Background(), cfg, agenttest.NewScripted(nil), logging.Nop())
	assert.ErrorContains(t, err, "unknown contextgraph index")
}

func TestNewApp_IndexUnreachableDegrades(t *testing.T) {
	cfg := testConfig(t)
	cfg.ContextGraph.Index = "qdrant"
	cfg.Qdrant.Host = "127.0.0.1"
	cfg.Qdrant.Port = 1
	logger := logging.NewTestLogger()

	a, err := newApp(context.Background(), cfg, agenttest.NewScripted(nil), logger.Logger)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.index)
	logger.AssertLogged(t, zapcore.WarnLevel, "precedent index unavailable")

	got, err := a.graph.FindPrecedents(context.Background(), contextgraph.Query{Text: "checkout retries"})
	assert.Empty(t, got)
	assert.ErrorIs(t, err, contextgraph.ErrIndexUnavailable)
}

func TestServe_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	a, err := newApp(context.Background(), cfg, agenttest.NewScripted(nil), logging.Nop())
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx, false) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestInitLogger_StdioUsesStderr(t *testing.T) {
	cfg := config.Default()
	tel, err := telemetry.New(context.Background(), telemetry.FromObservability(cfg.Observability, "test"))
	require.NoError(t, err)

	logger, err := initLogger(cfg, tel, true)
	require.NoError(t, err)
	assert.NotNil(t, logger)

	cfg.Observability.LogLevel = "loud"
	_, err = initLogger(cfg, tel, false)
	assert.Error(t, err)
}
