// Package queue publishes fills to NATS for downstream consumers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nathanyu/trade-service/internal/domain"
	"github.com/nathanyu/trade-service/internal/telemetry"
)

// DefaultFillSubject is the subject prefix fills are published under; the
// instrument code is appended.
const DefaultFillSubject = "trade.fills"

// FillPublisher wraps a NATS connection for fill events.
type FillPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger

	published atomic.Int64
	failed    atomic.Int64
}

// NewFillPublisher connects to url. subject defaults to DefaultFillSubject.
func NewFillPublisher(url, subject string, logger *slog.Logger) (*FillPublisher, error) {
	if logger == nil {
		logger = telemetry.Discard()
	}
	logger = logger.With("component", "queue")
	if subject == "" {
		subject = DefaultFillSubject
	}

	opts := []nats.Option{
		nats.Name(telemetry.ServiceName),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return newFillPublisher(conn, subject, logger), nil
}

func newFillPublisher(conn *nats.Conn, subject string, logger *slog.Logger) *FillPublisher {
	return &FillPublisher{conn: conn, subject: subject, logger: logger}
}

// SubjectFor returns the subject a fill for code is published on.
func (p *FillPublisher) SubjectFor(code string) string {
	return p.subject + "." + code
}

// Publish sends fill as JSON without waiting for consumers.
func (p *FillPublisher) Publish(fill domain.Fill) error {
	data, err := json.Marshal(fill)
	if err != nil {
		return fmt.Errorf("failed to marshal fill: %w", err)
	}
	if err := p.conn.Publish(p.SubjectFor(fill.InstrumentCode), data); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("failed to publish fill: %w", err)
	}
	p.published.Add(1)
	return nil
}

// Listener adapts Publish to the matching engine's fill callback. Publish
// errors are logged; fills are already persisted as order updates.
func (p *FillPublisher) Listener() func(context.Context, domain.Fill) {
	return func(ctx context.Context, fill domain.Fill) {
		if err := p.Publish(fill); err != nil {
			p.logger.WarnContext(ctx, "fill not published",
				"fill_id", fill.FillID, "instrument", fill.InstrumentCode, "error", err)
		}
	}
}

// Counts returns published and failed publish totals.
func (p *FillPublisher) Counts() (published, failed int64) {
	return p.published.Load(), p.failed.Load()
}

// Close drains pending messages and closes the connection.
func (p *FillPublisher) Close() {
	if p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.logger.Warn("NATS drain failed", "error", err)
		}
		p.conn.Close()
	}
}
