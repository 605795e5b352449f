// Package events publishes canvas and lock activity onto NATS for
// off-process consumers such as moderation tools and canvas mirrors.
// Publishing is fire-and-forget: failures are logged and counted,
// never surfaced to the pipeline.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/madkind/pixels/internal/monitoring"
	"github.com/madkind/pixels/internal/store"
)

const (
	SubjectCanvasUpdates = "pixels.canvas.updates"
	SubjectLockEvents    = "pixels.locks.events"
)

// Lock event actions.
const (
	LockCreated = "created"
	LockRemoved = "removed"
)

type Config struct {
	URL           string
	MaxReconnects int           // default 10
	ReconnectWait time.Duration // default 2s
	PingInterval  time.Duration // default 2m
	MaxPingsOut   int           // default 2
}

// Publisher is the outbound event fan-out. With an empty URL it is
// disabled and every method no-ops.
type Publisher struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

func NewPublisher(cfg Config, logger zerolog.Logger) (*Publisher, error) {
	log := logger.With().Str("component", "events").Logger()
	p := &Publisher{logger: log}
	if cfg.URL == "" {
		log.Info().Msg("NATS disabled, events will not be published")
		return p, nil
	}

	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 10
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 2 * time.Minute
	}
	if cfg.MaxPingsOut <= 0 {
		cfg.MaxPingsOut = 2
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.PingInterval(cfg.PingInterval),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.ConnectHandler(func(conn *nats.Conn) {
			p.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				p.logger.Warn().Err(err).Msg("Disconnected from NATS")
				return
			}
			p.logger.Info().Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			p.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			monitoring.RecordError(monitoring.ErrorTypeEvents, monitoring.ErrorSeverityWarning)
			p.logger.Warn().Err(err).Msg("NATS async error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: connect to NATS: %w", err)
	}
	p.conn = conn
	return p, nil
}

// Enabled reports whether a broker was configured.
func (p *Publisher) Enabled() bool { return p.conn != nil }

// Connected reports broker reachability, for the health endpoint.
func (p *Publisher) Connected() bool { return p.conn != nil && p.conn.IsConnected() }

// Publish sends one payload, fire-and-forget.
func (p *Publisher) Publish(subject string, payload []byte) {
	if p.conn == nil {
		return
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		monitoring.IncrementEventPublishFailures()
		p.logger.Warn().Err(err).Str("subject", subject).Msg("Event publish failed")
		return
	}
	monitoring.IncrementEventsPublished()
}

// PublishCanvasUpdate forwards the serialized pixel:bulk_update frame,
// byte-identical to what subscribers on the socket receive.
func (p *Publisher) PublishCanvasUpdate(frame []byte) {
	p.Publish(SubjectCanvasUpdates, frame)
}

type lockEvent struct {
	Action    string           `json:"action"`
	Lock      store.RegionLock `json:"lock"`
	Timestamp string           `json:"timestamp"`
}

// PublishLockEvent reports a lock mutation.
func (p *Publisher) PublishLockEvent(action string, lock store.RegionLock, ts time.Time) {
	if p.conn == nil {
		return
	}
	payload, err := json.Marshal(lockEvent{
		Action:    action,
		Lock:      lock,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		p.logger.Warn().Err(err).Msg("Lock event marshal failed")
		return
	}
	p.Publish(SubjectLockEvents, payload)
}

// Close drains in-flight publishes and closes the connection.
func (p *Publisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Debug().Err(err).Msg("NATS drain failed")
		p.conn.Close()
	}
}
