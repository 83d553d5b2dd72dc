package process

import (
	"context"
	"log/slog"
	"time"

	"github.com/tutuCH/opcua-backend-sub000/errors"
	"github.com/tutuCH/opcua-backend-sub000/metric"
	"github.com/tutuCH/opcua-backend-sub000/queue"
	"github.com/tutuCH/opcua-backend-sub000/status"
	"github.com/tutuCH/opcua-backend-sub000/telemetry"
	"github.com/tutuCH/opcua-backend-sub000/timeseries"
)

// Writer is the time-series write surface the workers need.
type Writer interface {
	Write(ctx context.Context, env *telemetry.Envelope) error
}

// Publisher emits processed events and alerts on the fan-out bus.
type Publisher interface {
	PublishProcessed(event telemetry.ProcessedEvent) error
	PublishAlert(alert telemetry.Alert) error
}

// LimitUpdater folds a fresh sample into already-cached control limits.
type LimitUpdater interface {
	UpdateLimitsWithNewPoint(deviceID, field string, value float64)
}

// Processor builds the per-category job handlers. One Processor serves all
// four categories; the handlers it returns are safe for concurrent use.
type Processor struct {
	store      Writer
	publisher  Publisher
	status     *status.Store
	limits     LimitUpdater
	thresholds Thresholds
	logger     *slog.Logger
	metrics    *metric.Core
	now        func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithThresholds overrides the stock alert thresholds.
func WithThresholds(t Thresholds) Option {
	return func(p *Processor) { p.thresholds = t }
}

// WithLimitUpdater wires the incremental control-limit update on the
// spc path. Without it new points never touch cached limits.
func WithLimitUpdater(u LimitUpdater) Option {
	return func(p *Processor) { p.limits = u }
}

// WithLogger sets the processor logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithMetrics enables processing metrics.
func WithMetrics(core *metric.Core) Option {
	return func(p *Processor) { p.metrics = core }
}

// WithClock substitutes the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// New builds a Processor over the given store, bus and status cache.
func New(store Writer, publisher Publisher, st *status.Store, opts ...Option) *Processor {
	p := &Processor{
		store:      store,
		publisher:  publisher,
		status:     st,
		thresholds: DefaultThresholds(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "process")
	return p
}

// Handler returns the job handler for one category, suitable for
// queue.RunWorkerPool. Errors it returns follow the queue's settlement
// policy: invalid-classified errors drop the job, everything else
// retries.
func (p *Processor) Handler(category telemetry.Category) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		started := p.now()
		err := p.process(ctx, category, job)
		if p.metrics != nil {
			p.metrics.ProcessingDuration.WithLabelValues(string(category)).
				Observe(p.now().Sub(started).Seconds())
		}
		return err
	}
}

func (p *Processor) process(ctx context.Context, category telemetry.Category, job *queue.Job) error {
	env, err := telemetry.UnmarshalEnvelope(job.Payload)
	if err != nil {
		return errors.WrapInvalid(err, "process", "process", "undecodable job payload")
	}
	if env.DeviceID == "" {
		return errors.WrapInvalid(errors.ErrInvalidPayload, "process", "process", "envelope without device id")
	}

	capturedAt := env.CapturedAt()
	if p.now().Sub(capturedAt) > timeseries.RetentionWindow {
		p.logger.Warn("dropping stale job",
			"device_id", env.DeviceID,
			"category", category,
			"captured_at", capturedAt,
		)
		return nil
	}

	switch category {
	case telemetry.CategoryRealtime:
		return p.processRealtime(ctx, env)
	case telemetry.CategorySPC:
		return p.processSPC(ctx, env)
	case telemetry.CategoryTech:
		return p.processTech(env)
	case telemetry.CategoryWarning:
		return p.processWarning(ctx, env)
	default:
		return errors.WrapInvalid(errors.ErrUnknownCategory, "process", "process", string(category))
	}
}

func (p *Processor) processRealtime(ctx context.Context, env *telemetry.Envelope) error {
	if err := p.store.Write(ctx, env); err != nil {
		return err
	}

	capturedAt := env.CapturedAt()
	p.status.SetHotStatus(env.DeviceID, env.Data, capturedAt)

	for _, alert := range p.thresholds.Evaluate(env.DeviceID, env.Data, capturedAt) {
		p.status.AppendAlert(alert)
		if p.metrics != nil {
			p.metrics.AlertsRaised.WithLabelValues(string(alert.Severity)).Inc()
		}
		p.logger.Warn("alert raised",
			"device_id", alert.DeviceID,
			"severity", alert.Severity,
			"field", alert.Field,
			"value", alert.Value,
		)
		if err := p.publisher.PublishAlert(alert); err != nil {
			p.logger.Warn("alert publish failed", "device_id", alert.DeviceID, "error", err)
		}
	}

	p.publishProcessed(env)
	return nil
}

func (p *Processor) processSPC(ctx context.Context, env *telemetry.Envelope) error {
	if err := p.store.Write(ctx, env); err != nil {
		return err
	}

	if p.limits != nil {
		for field, raw := range env.Data {
			if value, ok := raw.(float64); ok {
				p.limits.UpdateLimitsWithNewPoint(env.DeviceID, field, value)
			}
		}
	}

	p.publishProcessed(env)
	return nil
}

// processTech caches the configuration snapshot without forwarding to the
// time-series store: tech frames describe machine setup, not measurements.
func (p *Processor) processTech(env *telemetry.Envelope) error {
	p.status.SetTechConfig(env.DeviceID, env.Data, env.CapturedAt())
	p.publishProcessed(env)
	return nil
}

func (p *Processor) processWarning(ctx context.Context, env *telemetry.Envelope) error {
	if err := p.store.Write(ctx, env); err != nil {
		return err
	}
	p.publishProcessed(env)
	return nil
}

// publishProcessed emits the event the gateway fans out. Fan-out is best
// effort: a bus hiccup must not fail a job whose primary write already
// landed.
func (p *Processor) publishProcessed(env *telemetry.Envelope) {
	event := telemetry.ProcessedEvent{
		DeviceID:  env.DeviceID,
		Category:  env.Category,
		Data:      env.Data,
		Timestamp: env.CaptureEpochMillis,
	}
	if err := p.publisher.PublishProcessed(event); err != nil {
		p.logger.Warn("processed event publish failed",
			"device_id", env.DeviceID,
			"category", env.Category,
			"error", err,
		)
	}
}
