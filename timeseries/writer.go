// Package timeseries is the storage adapter for telemetry points: a guarded,
// batched InfluxDB write path and a Flux-based read path with pagination,
// fixed-window aggregation, adaptive downsampling, and coverage statistics.
package timeseries

import (
	"context"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/tutuCH/opcua-backend-sub000/config"
	"github.com/tutuCH/opcua-backend-sub000/errors"
	"github.com/tutuCH/opcua-backend-sub000/metric"
	"github.com/tutuCH/opcua-backend-sub000/pkg/retry"
	"github.com/tutuCH/opcua-backend-sub000/telemetry"
)

// RetentionWindow is the write-side guard: points older than this are never
// written, mirroring the horizon the store itself enforces.
const RetentionWindow = time.Hour

// blockingWriter is the Influx write surface the Store needs. Satisfied by
// api.WriteAPIBlocking; faked in tests.
type blockingWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
	Flush(ctx context.Context) error
}

// fluxRunner is the Influx query surface. Satisfied by api.QueryAPI.
type fluxRunner interface {
	Query(ctx context.Context, query string) (*api.QueryTableResult, error)
}

// Store is the time-series engine. It is a leaf storage adapter with no
// in-core dependencies.
type Store struct {
	client     influxdb2.Client
	write      blockingWriter
	query      fluxRunner
	bucket     string
	logger     *slog.Logger
	core       *metric.Core
	now        func() time.Time
	writeRetry retry.Config
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics wires write-path counters.
func WithMetrics(core *metric.Core) Option {
	return func(s *Store) { s.core = core }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// withBackends overrides the Influx surfaces. Test hook; New wires the real
// client.
func withBackends(w blockingWriter, q fluxRunner) Option {
	return func(s *Store) {
		s.write = w
		s.query = q
	}
}

// New creates a Store connected to InfluxDB. Writes are buffered and
// batched; call Flush periodically and on shutdown.
func New(cfg config.InfluxConfig, opts ...Option) *Store {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(uint(cfg.BatchSize)))

	writeAPI := client.WriteAPIBlocking(cfg.Org, cfg.Bucket)
	writeAPI.EnableBatching()

	s := &Store{
		client: client,
		write:  writeAPI,
		query:  client.QueryAPI(cfg.Org),
		bucket: cfg.Bucket,
		logger: slog.Default(),
		now:    time.Now,
		writeRetry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Multiplier:   2.0,
			AddJitter:    true,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write buffers one telemetry envelope as a point tagged by device id, one
// measurement per category. Points older than the retention window are
// rejected with a warning and no error. Short write hiccups are retried
// in place; an exhausted retry propagates transient so the job retries.
func (s *Store) Write(ctx context.Context, env *telemetry.Envelope) error {
	capturedAt := env.CapturedAt()
	if s.now().Sub(capturedAt) > RetentionWindow {
		s.logger.Warn("rejecting stale point",
			"device", env.DeviceID, "category", env.Category,
			"capturedAt", capturedAt, "age", s.now().Sub(capturedAt))
		return nil
	}

	fields := scalarFields(env.Data)
	if len(fields) == 0 {
		s.logger.Warn("no scalar fields in payload", "device", env.DeviceID, "category", env.Category)
		return nil
	}

	point := write.NewPoint(
		string(env.Category),
		map[string]string{"device_id": env.DeviceID},
		fields,
		capturedAt,
	)

	err := retry.Do(ctx, s.writeRetry, func() error {
		return s.write.WritePoint(ctx, point)
	})
	if err != nil {
		return errors.WrapTransient(err, "timeseries", "Write", "influx write")
	}
	if s.core != nil {
		s.core.PointsWritten.WithLabelValues(string(env.Category)).Inc()
	}
	return nil
}

// Flush forces the buffered batch out. Callable both periodically and on
// shutdown.
func (s *Store) Flush(ctx context.Context) error {
	if err := s.write.Flush(ctx); err != nil {
		return errors.WrapTransient(err, "timeseries", "Flush", "influx flush")
	}
	return nil
}

// RunPeriodicFlush drives the buffered batch out every interval so points
// do not linger in the client buffer at low traffic. The returned stop
// function is idempotent; the loop also exits when ctx ends.
func (s *Store) RunPeriodicFlush(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Flush(ctx); err != nil {
					s.logger.Warn("periodic flush failed", "error", err)
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// Close flushes and releases the client.
func (s *Store) Close(ctx context.Context) error {
	err := s.Flush(ctx)
	if s.client != nil {
		s.client.Close()
	}
	return err
}

// scalarFields extracts the known scalar values from a payload. Nested
// containers are not representable as Influx fields and are skipped.
func scalarFields(data map[string]any) map[string]any {
	fields := make(map[string]any, len(data))
	for k, v := range data {
		switch v.(type) {
		case float64, int64, int, bool, string:
			fields[k] = v
		}
	}
	return fields
}
