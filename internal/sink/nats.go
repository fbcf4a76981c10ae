package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the subset of [*nats.Conn] the [NATS] sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSOption configures a [NATS] sink.
type NATSOption func(*NATS)

// WithPartials also publishes interim captions, on "<subject>.partial".
func WithPartials(enabled bool) NATSOption {
	return func(n *NATS) { n.partials = enabled }
}

// NATS publishes captions as JSON-encoded [Entry] values. Finals go to the
// configured subject.
type NATS struct {
	pub      Publisher
	conn     *nats.Conn
	subject  string
	partials bool
}

var _ Sink = (*NATS)(nil)

// NewNATS returns a sink publishing to subject through pub.
func NewNATS(pub Publisher, subject string, opts ...NATSOption) *NATS {
	n := &NATS{pub: pub, subject: subject}
	for _, o := range opts {
		o(n)
	}
	return n
}

// ConnectNATS connects to the comma-separated server list in url and returns
// a sink that owns the connection.
func ConnectNATS(ctx context.Context, url, subject string, opts ...NATSOption) (*NATS, error) {
	if url == "" {
		return nil, errors.New("sink: no NATS servers configured")
	}
	if subject == "" {
		return nil, errors.New("sink: NATS subject is required")
	}
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	conn, err := nats.Connect(url,
		nats.Name("captionist"),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("sink: NATS disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("sink: NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("sink: connect to nats: %w", err)
	}
	slog.Info("sink: connected to NATS", "servers", url, "subject", subject)
	n := NewNATS(conn, subject, opts...)
	n.conn = conn
	return n, nil
}

// Name implements [Sink].
func (n *NATS) Name() string { return "nats" }

// Write implements [Sink].
func (n *NATS) Write(_ context.Context, e Entry) error {
	subject := n.subject
	if !e.Final {
		if !n.partials {
			return nil
		}
		subject += ".partial"
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("sink: encode entry: %w", err)
	}
	if err := n.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("sink: publish %s: %w", subject, err)
	}
	return nil
}

// Healthy reports whether the owned connection is up. A sink built with
// [NewNATS] is always healthy.
func (n *NATS) Healthy() bool {
	if n.conn == nil {
		return true
	}
	return n.conn.Status() == nats.CONNECTED
}

// Close drains and closes the owned connection.
func (n *NATS) Close() error {
	if n.conn == nil {
		return nil
	}
	slog.Info("sink: closing NATS connection")
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return fmt.Errorf("sink: drain nats: %w", err)
	}
	return nil
}
