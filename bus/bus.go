// Package bus is the processed-event fan-out bus over NATS core pub/sub.
// Processing workers publish processed telemetry and alerts; the gateway
// holds durable subscriptions for the process lifetime.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tutuCH/opcua-backend-sub000/config"
	"github.com/tutuCH/opcua-backend-sub000/errors"
	"github.com/tutuCH/opcua-backend-sub000/pkg/retry"
	"github.com/tutuCH/opcua-backend-sub000/telemetry"
)

// Subjects carried on the bus.
const (
	subjectProcessedPrefix = "telemetry.processed."
	// SubjectAlert carries threshold alerts at elevated urgency.
	SubjectAlert = "machine.alert"
)

// ProcessedSubject returns the bus subject for one category's processed
// events.
func ProcessedSubject(c telemetry.Category) string {
	return subjectProcessedPrefix + string(c)
}

// rawPublisher is the publish surface of the NATS connection. Faked in
// tests.
type rawPublisher interface {
	Publish(subject string, data []byte) error
}

// Bus wraps a NATS connection with typed publish/subscribe for pipeline
// events.
type Bus struct {
	conn     *nats.Conn
	pub      rawPublisher
	pubRetry retry.Config
	logger   *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// Connect establishes the NATS connection with reconnect handling.
func Connect(cfg config.NATSConfig, opts ...Option) (*Bus, error) {
	b := &Bus{
		logger: slog.Default(),
		pubRetry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Multiplier:   2.0,
			AddJitter:    true,
		},
	}
	for _, opt := range opts {
		opt(b)
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "bus", "Connect", "nats connect")
	}
	b.conn = conn
	b.pub = conn
	return b, nil
}

// PublishProcessed publishes a processed event on its category subject.
func (b *Bus) PublishProcessed(event telemetry.ProcessedEvent) error {
	return b.publish(ProcessedSubject(event.Category), event)
}

// PublishAlert publishes a threshold alert.
func (b *Bus) PublishAlert(alert telemetry.Alert) error {
	return b.publish(SubjectAlert, alert)
}

// publish encodes and sends one event. Short connection hiccups are
// retried before the failure surfaces to the caller.
func (b *Bus) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.WrapInvalid(err, "bus", "publish", "event encoding")
	}
	err = retry.Do(context.Background(), b.pubRetry, func() error {
		return b.pub.Publish(subject, data)
	})
	if err != nil {
		return errors.WrapTransient(err, "bus", "publish", "nats publish")
	}
	return nil
}

// SubscribeProcessed registers a handler for one category's processed
// events. The subscription lives until Close.
func (b *Bus) SubscribeProcessed(c telemetry.Category, handler func(telemetry.ProcessedEvent)) error {
	sub, err := b.conn.Subscribe(ProcessedSubject(c), func(msg *nats.Msg) {
		var event telemetry.ProcessedEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Warn("dropping undecodable processed event", "subject", msg.Subject, "error", err)
			return
		}
		handler(event)
	})
	if err != nil {
		return errors.WrapTransient(err, "bus", "SubscribeProcessed", "nats subscribe")
	}
	b.track(sub)
	return nil
}

// SubscribeAlerts registers a handler for threshold alerts.
func (b *Bus) SubscribeAlerts(handler func(telemetry.Alert)) error {
	sub, err := b.conn.Subscribe(SubjectAlert, func(msg *nats.Msg) {
		var alert telemetry.Alert
		if err := json.Unmarshal(msg.Data, &alert); err != nil {
			b.logger.Warn("dropping undecodable alert", "error", err)
			return
		}
		handler(alert)
	})
	if err != nil {
		return errors.WrapTransient(err, "bus", "SubscribeAlerts", "nats subscribe")
	}
	b.track(sub)
	return nil
}

func (b *Bus) track(sub *nats.Subscription) {
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}

// Close drains subscriptions and closes the connection.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Debug("unsubscribe failed", "error", err)
		}
	}
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.conn.Close()
		}
	}
}
