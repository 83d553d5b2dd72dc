// Package ingest subscribes to the MQTT transport, normalizes and validates
// inbound telemetry, resolves devices against the machine directory, and
// routes valid envelopes onto per-category reliable queues.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/tutuCH/opcua-backend-sub000/config"
	"github.com/tutuCH/opcua-backend-sub000/errors"
	"github.com/tutuCH/opcua-backend-sub000/machines"
	"github.com/tutuCH/opcua-backend-sub000/metric"
	"github.com/tutuCH/opcua-backend-sub000/pkg/retry"
	"github.com/tutuCH/opcua-backend-sub000/queue"
)

// Enqueuer is the queue surface the ingestor needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload json.RawMessage, opts queue.EnqueueOptions) (string, error)
}

// Ingestor drives the Received -> Parsed -> Normalized -> Validated ->
// Routed state machine for every inbound transport message.
type Ingestor struct {
	cfg          config.MQTTConfig
	queue        Enqueuer
	directory    machines.Directory
	logger       *slog.Logger
	core         *metric.Core
	enqueueRetry retry.Config

	client mqtt.Client

	mu      sync.Mutex
	started bool
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Ingestor) { i.logger = l }
}

// WithMetrics wires ingestion counters.
func WithMetrics(core *metric.Core) Option {
	return func(i *Ingestor) { i.core = core }
}

// New creates an Ingestor. Call Start to connect and subscribe.
func New(cfg config.MQTTConfig, q Enqueuer, dir machines.Directory, opts ...Option) *Ingestor {
	ing := &Ingestor{
		cfg:       cfg,
		queue:     q,
		directory: dir,
		logger:    slog.Default(),
		enqueueRetry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Multiplier:   2.0,
			AddJitter:    true,
		},
	}
	for _, opt := range opts {
		opt(ing)
	}
	return ing
}

// Start connects to the broker and subscribes to the configured topic
// filters.
func (i *Ingestor) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.started {
		return errors.ErrAlreadyStarted
	}

	opts := mqtt.NewClientOptions().
		AddBroker(i.cfg.BrokerURL).
		SetClientID(i.cfg.ClientID).
		SetUsername(i.cfg.Username).
		SetPassword(i.cfg.Password).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetConnectTimeout(10 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			i.logger.Warn("mqtt connection lost", "error", err)
		}).
		SetOnConnectHandler(func(_ mqtt.Client) {
			i.logger.Info("mqtt connected", "broker", i.cfg.BrokerURL)
		})

	i.client = mqtt.NewClient(opts)
	token := i.client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return errors.WrapTransient(errors.ErrConnectionLost, "ingest", "Start", "mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "ingest", "Start", "mqtt connect")
	}

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		i.handle(ctx, msg.Topic(), msg.Payload())
	}

	filters := []string{i.cfg.TopicFilter}
	if i.cfg.WildcardFilter != "" {
		filters = append(filters, i.cfg.WildcardFilter)
	}
	for _, filter := range filters {
		sub := i.client.Subscribe(filter, i.cfg.QoS, handler)
		if !sub.WaitTimeout(10 * time.Second) || sub.Error() != nil {
			i.client.Disconnect(250)
			return errors.WrapTransient(
				fmt.Errorf("subscribe %s: %v", filter, sub.Error()),
				"ingest", "Start", "mqtt subscribe")
		}
	}

	i.started = true
	i.logger.Info("ingestor started", "filters", filters)
	return nil
}

// Stop unsubscribes and disconnects from the broker.
func (i *Ingestor) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.started {
		return
	}
	i.client.Disconnect(250)
	i.started = false
	i.logger.Info("ingestor stopped")
}

// handle processes one inbound message. Invalid messages and unknown
// devices are dropped with a logged reason; they never reach the queue.
func (i *Ingestor) handle(ctx context.Context, topic string, body []byte) {
	payload, form, err := DecodePayload(body)
	if err != nil {
		i.drop("", "parse", topic, err)
		return
	}

	env, err := buildEnvelope(topic, payload)
	if err != nil {
		i.drop("", "validate", topic, err)
		return
	}

	if i.core != nil {
		i.core.MessagesReceived.WithLabelValues(string(env.Category)).Inc()
	}

	machine, err := i.directory.ResolveDevice(ctx, env.DeviceID)
	if err != nil {
		i.drop(string(env.Category), "unknown_device", topic,
			fmt.Errorf("device %s: %w", env.DeviceID, err))
		return
	}
	env.MachineID = machine.ID

	raw, err := env.Marshal()
	if err != nil {
		i.drop(string(env.Category), "encode", topic, err)
		return
	}

	enqueue := func() error {
		_, err := i.queue.Enqueue(ctx, env.Category.QueueName(), raw, queue.EnqueueOptions{})
		if err != nil && errors.IsInvalid(err) {
			return retry.NonRetryable(err)
		}
		return err
	}
	if err := retry.Do(ctx, i.enqueueRetry, enqueue); err != nil {
		// The broker considers the message delivered once this handler
		// returns, so an exhausted enqueue retry loses the message.
		i.drop(string(env.Category), "enqueue", topic, err)
		return
	}

	i.logger.Debug("message routed",
		"device", env.DeviceID, "category", env.Category, "form", form.String())
}

func (i *Ingestor) drop(category, reason, topic string, err error) {
	if category == "" {
		category = "unknown"
	}
	i.logger.Warn("dropping message", "topic", topic, "reason", reason, "error", err)
	if i.core != nil {
		i.core.MessagesDropped.WithLabelValues(category, reason).Inc()
	}
}
