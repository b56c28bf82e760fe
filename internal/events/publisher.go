// Package events publishes capture lifecycle events for other services to
// consume.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Event names, appended to the subject prefix
const (
	CaptureCompleted = "capture.completed"
	CaptureFailed    = "capture.failed"
	SessionReady     = "session.ready"
)

// Publisher sends events. Publishing is best effort: callers log failures and
// carry on.
type Publisher interface {
	Publish(ctx context.Context, event string, payload interface{}) error
	Close() error
}

// Subject joins prefix and event name into a NATS subject
func Subject(prefix, event string) string {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		return event
	}
	return prefix + "." + event
}

// closeTimeout bounds each step of Close
const closeTimeout = 5 * time.Second

// NATSPublisher publishes JSON events on core NATS subjects
type NATSPublisher struct {
	nc     *nats.Conn
	closed chan struct{}
	prefix string
	logger zerolog.Logger
}

// NewNATSPublisher connects to natsURL. The connection keeps retrying in the
// background, so startup does not depend on the broker being up.
func NewNATSPublisher(natsURL, prefix string, logger zerolog.Logger) (*NATSPublisher, error) {
	closed := make(chan struct{})

	nc, err := nats.Connect(natsURL,
		nats.Name("sessionshot"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.DrainTimeout(closeTimeout),
		nats.ClosedHandler(func(*nats.Conn) {
			close(closed)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info().Str("url", natsURL).Msg("Connected to NATS")

	return &NATSPublisher{
		nc:     nc,
		closed: closed,
		prefix: prefix,
		logger: logger,
	}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, event string, payload interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := Subject(p.prefix, event)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}

	p.logger.Debug().Str("subject", subject).Int("size", len(data)).Msg("event published")
	return nil
}

// Close pushes buffered events to the server and waits for the connection
// to finish closing. Drain alone returns before the close completes.
func (p *NATSPublisher) Close() error {
	if p.nc == nil || p.nc.IsClosed() {
		return nil
	}

	p.logger.Info().Msg("Closing NATS connection")

	if err := p.nc.FlushTimeout(closeTimeout); err != nil {
		p.logger.Warn().Err(err).Msg("failed to flush pending events")
	}

	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}

	select {
	case <-p.closed:
		return nil
	case <-time.After(closeTimeout):
		p.nc.Close()
		return errors.New("timed out draining NATS connection")
	}
}

// Nop discards events
type Nop struct{}

func (Nop) Publish(ctx context.Context, event string, payload interface{}) error {
	return nil
}

func (Nop) Close() error {
	return nil
}
