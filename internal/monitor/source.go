package monitor

import (
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conclave/internal/events"
)

// Source is a stream of pipeline events for the dashboard.
type Source struct {
	C   <-chan events.Event
	sub *nats.Subscription
}

// Subscribe feeds events for projectID (all projects when empty) into a
// buffered channel. When the dashboard falls behind, events are dropped
// rather than stalling the NATS connection.
func Subscribe(nc *nats.Conn, prefix, projectID string, buffer int, logger *zap.Logger) (*Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan events.Event, buffer)
	sub, err := events.Subscribe(nc, prefix, projectID, logger, func(e events.Event) {
		select {
		case ch <- e:
		default:
			logger.Debug("dashboard behind, dropping event", zap.String("type", string(e.Type)))
		}
	})
	if err != nil {
		return nil, err
	}
	return &Source{C: ch, sub: sub}, nil
}

// Close stops the subscription.
func (s *Source) Close() error {
	return s.sub.Unsubscribe()
}
