// Package events publishes Overlord lifecycle events for external consumers.
//
// When a NATS URL is configured, events are published as JSON on
// overlord.task.> and overlord.proposal.> subjects. Without one, the
// no-op publisher keeps call sites unconditional.
package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects for published events.
const (
	SubjectTaskTransition   = "overlord.task.transition"
	SubjectTaskDispatched   = "overlord.task.dispatched"
	SubjectProposalResolved = "overlord.proposal.resolved"
	SubjectFinding          = "overlord.finding"
)

// Publisher emits lifecycle events. Implementations must not block the
// caller on delivery.
type Publisher interface {
	Publish(subject string, payload any)
	Close()
}

// Nop is a Publisher that discards everything.
type Nop struct{}

// Publish discards the event.
func (Nop) Publish(string, any) {}

// Close is a no-op.
func (Nop) Close() {}

// NATSPublisher publishes events to a NATS server.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// ConnectNATS connects to the given NATS URL and returns a publisher.
func ConnectNATS(url string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("overlord"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{conn: conn, logger: logger}, nil
}

// Publish marshals the payload as JSON and publishes it.
// Failures are logged, never surfaced: event fan-out is best effort.
func (p *NATSPublisher) Publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("Failed to marshal event", "subject", subject, "error", err)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("Failed to publish event", "subject", subject, "error", err)
	}
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
