package events

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/conclave/internal/config"
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

func TestPublisher_RoundTrip(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := Connect(config.NATSConfig{URL: server.ClientURL()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer nc.Close()

	got := make(chan Event, 4)
	sub, err := Subscribe(nc, "test", "shop.v2", zaptest.NewLogger(t), func(e Event) { got <- e })
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, nc.Flush())

	p := NewPublisher(nc, "test", zaptest.NewLogger(t))
	e := New(GateDecided, "shop.v2")
	e.GateID = "code_review"
	e.Outcome = "approved"
	assert.Equal(t, "test.shop_v2.gate.decided", p.Subject(e))

	require.NoError(t, p.Publish(context.Background(), e))
	require.NoError(t, p.Publish(context.Background(), New(PhaseChanged, "other")))

	select {
	case recv := <-got:
		assert.Equal(t, e.ID, recv.ID)
		assert.Equal(t, GateDecided, recv.Type)
		assert.Equal(t, "approved", recv.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
	select {
	case extra := <-got:
		t.Fatalf("unexpected event for another project: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribe_AllProjectsSkipsMalformed(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	got := make(chan Event, 4)
	sub, err := Subscribe(nc, "", "", nil, func(e Event) { got <- e })
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, nc.Flush())

	require.NoError(t, nc.Publish("conclave.a.phase.changed", []byte("not json")))
	p := NewPublisher(nc, "", nil)
	require.NoError(t, p.Publish(context.Background(), New(ProjectStarted, "b")))

	select {
	case recv := <-got:
		assert.Equal(t, ProjectStarted, recv.Type)
		assert.Equal(t, "b", recv.ProjectID)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublisher_Closed(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	nc.Close()

	p := NewPublisher(nc, "", nil)
	assert.ErrorIs(t, p.Publish(context.Background(), New(ProjectStarted, "x")), ErrClosed)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	var s Sink = &r
	require.NoError(t, s.Publish(context.Background(), New(ProjectStarted, "p")))
	require.NoError(t, Nop().Publish(context.Background(), New(ProjectBlocked, "p")))
	assert.Equal(t, []Type{ProjectStarted}, r.Types())
	assert.Len(t, r.Events(), 1)
}
