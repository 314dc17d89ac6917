package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conclave/internal/config"
)

// ErrClosed is returned when publishing on a closed connection.
var ErrClosed = errors.New("event bus connection closed")

// Connect dials the NATS server named in cfg.
func Connect(cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("conclave"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("event bus disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("event bus reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// Publisher is a Sink backed by a NATS connection.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewPublisher publishes under prefix, which defaults to "conclave".
func NewPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = "conclave"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger.Named("events")}
}

// Subject returns the subject e is published on.
func (p *Publisher) Subject(e Event) string {
	return Subject(p.prefix, e.ProjectID, e.Type)
}

// Subject builds <prefix>.<project>.<type>. Characters NATS treats
// specially are replaced in the project id.
func Subject(prefix, projectID string, t Type) string {
	return fmt.Sprintf("%s.%s.%s", prefix, token(projectID), t)
}

func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, s)
}

// Publish sends e.
func (p *Publisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.nc.IsClosed() {
		published.WithLabelValues(string(e.Type), "error").Inc()
		return ErrClosed
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(e), data); err != nil {
		published.WithLabelValues(string(e.Type), "error").Inc()
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	published.WithLabelValues(string(e.Type), "ok").Inc()
	return nil
}

// Subscribe delivers events for projectID to fn. An empty projectID
// subscribes to every project. Malformed payloads are logged and skipped.
func Subscribe(nc *nats.Conn, prefix, projectID string, logger *zap.Logger, fn func(Event)) (*nats.Subscription, error) {
	if prefix == "" {
		prefix = "conclave"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	subject := prefix + ".*.>"
	if projectID != "" {
		subject = fmt.Sprintf("%s.%s.>", prefix, token(projectID))
	}
	sub, err := nc.Subscribe(subject, func(m *nats.Msg) {
		var e Event
		if err := json.Unmarshal(m.Data, &e); err != nil {
			logger.Warn("dropping malformed event", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		fn(e)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	return sub, nil
}
