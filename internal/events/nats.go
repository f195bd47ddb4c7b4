package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is prepended to the event type to form the NATS subject,
// e.g. "nepse.trade_executed".
const SubjectPrefix = "nepse."

// NATSPublisher forwards events to NATS for downstream consumers
// (notification, analytics, replicas).
type NATSPublisher struct {
	conn *nats.Conn
}

// ConnectNATS dials url and returns a publisher that owns the connection.
func ConnectNATS(url string) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("nepse-trading-engine"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSPublisher{conn: conn}, nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

// Subject returns the subject an event type is published on.
func Subject(t Type) string { return SubjectPrefix + string(t) }

// Publish sends the event without waiting for subscribers. nats.Conn
// buffers outgoing messages, so this does not block on the network.
func (p *NATSPublisher) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("nats marshal %s: %w", e.Type, err)
	}
	if err := p.conn.Publish(Subject(e.Type), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", e.Type, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Drain()
		p.conn.Close()
	}
}
