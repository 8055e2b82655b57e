package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix roots every session outcome subject.
const DefaultSubjectPrefix = "wayfarer.session"

// SessionEvent announces the final state of a voice session.
type SessionEvent struct {
	SessionID   string    `json:"session_id"`
	RecordingID string    `json:"recording_id"`
	Status      string    `json:"status"`
	Destination string    `json:"destination,omitempty"`
	FailureCode string    `json:"failure_code,omitempty"`
	At          time.Time `json:"at"`
}

// Publisher fans session outcomes out to other services.
type Publisher interface {
	Publish(ctx context.Context, evt SessionEvent) error
	Close() error
}

// Subject returns the subject evt is published on.
func Subject(prefix string, evt SessionEvent) string {
	status := strings.TrimSpace(evt.Status)
	if status == "" {
		status = "unknown"
	}
	return prefix + "." + status
}

type natsConn interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Drain() error
}

// NATSPublisher publishes JSON session events on NATS core subjects.
type NATSPublisher struct {
	nc     natsConn
	prefix string
}

// NewNATSPublisher connects to url. The connection keeps retrying in the
// background so an unavailable broker does not block startup.
func NewNATSPublisher(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("wayfarer"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return newNATSPublisher(nc, prefix), nil
}

func newNATSPublisher(nc natsConn, prefix string) *NATSPublisher {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

func (p *NATSPublisher) Publish(ctx context.Context, evt SessionEvent) error {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode session event: %w", err)
	}
	subject := Subject(p.prefix, evt)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	timeout := time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return ctx.Err()
	}
	if err := p.nc.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("flush %s: %w", subject, err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

// NopPublisher drops events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, SessionEvent) error { return nil }
func (NopPublisher) Close() error                                { return nil }
