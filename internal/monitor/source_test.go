package monitor

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/conclave/internal/config"
	"github.com/fyrsmithlabs/conclave/internal/events"
)

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

func TestSubscribe_FeedsModel(t *testing.T) {
	server := startTestNATSServer(t)
	logger := zaptest.NewLogger(t)
	nc, err := events.Connect(config.NATSConfig{URL: server.ClientURL()}, logger)
	require.NoError(t, err)
	defer nc.Close()

	src, err := Subscribe(nc, "test", "shop", 0, logger)
	require.NoError(t, err)
	defer func() { _ = src.Close() }()
	require.NoError(t, nc.Flush())

	pub := events.NewPublisher(nc, "test", logger)
	ctx := context.Background()
	require.NoError(t, pub.Publish(ctx, events.New(events.ProjectStarted, "shop")))
	require.NoError(t, pub.Publish(ctx, events.New(events.ProjectStarted, "blog")))
	decided := events.New(events.GateDecided, "shop")
	decided.GateID = "requirements_approval"
	decided.Outcome = "approved"
	require.NoError(t, pub.Publish(ctx, decided))

	m := NewModel(src.C, "shop", time.Second)
	for i := 0; i < 2; i++ {
		msg := waitWithTimeout(t, waitForEvent(src.C))
		next, _ := m.Update(msg)
		m = next.(Model)
	}

	projects := m.Projects()
	require.Len(t, projects, 1, "subscription is scoped to one project")
	assert.Equal(t, "shop", projects[0].ID)
	assert.Equal(t, 1, m.Stats().GatesPassed)
}

func TestSubscribe_DropsWhenFull(t *testing.T) {
	server := startTestNATSServer(t)
	logger := zaptest.NewLogger(t)
	nc, err := events.Connect(config.NATSConfig{URL: server.ClientURL()}, logger)
	require.NoError(t, err)
	defer nc.Close()

	src, err := Subscribe(nc, "", "", 1, logger)
	require.NoError(t, err)
	defer func() { _ = src.Close() }()
	require.NoError(t, nc.Flush())

	pub := events.NewPublisher(nc, "", logger)
	for i := 0; i < 5; i++ {
		require.NoError(t, pub.Publish(context.Background(), events.New(events.TraceRecorded, "shop")))
	}
	require.NoError(t, nc.Flush())

	assert.Eventually(t, func() bool { return len(src.C) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, src.C, 1)
}

func waitWithTimeout(t *testing.T, cmd tea.Cmd) tea.Msg {
	t.Helper()
	done := make(chan tea.Msg, 1)
	go func() { done <- cmd() }()
	select {
	case msg := <-done:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}
