package spc

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tutuCH/opcua-backend-sub000/errors"
	"github.com/tutuCH/opcua-backend-sub000/pkg/cache"
	"github.com/tutuCH/opcua-backend-sub000/telemetry"
	"github.com/tutuCH/opcua-backend-sub000/timeseries"
)

const (
	// LimitsTTL bounds how long a computed limit set is served from cache.
	LimitsTTL = 30 * time.Minute
	// RefreshThreshold marks an entry stale once it is this close to
	// expiry; a stale hit triggers a recompute.
	RefreshThreshold = 5 * time.Minute
)

// Aggregator is the time-series read surface the engine consumes.
// *timeseries.Store satisfies it.
type Aggregator interface {
	FieldAggregates(ctx context.Context, deviceID string, category telemetry.Category,
		fields []string, lookback time.Duration) (map[string]timeseries.Aggregates, error)
	Coverage(ctx context.Context, deviceID string, category telemetry.Category,
		field string, from, to time.Time) (timeseries.CoverageStats, error)
	QueryFieldRaw(ctx context.Context, deviceID string, category telemetry.Category,
		field string, from, to time.Time) ([]timeseries.FieldSample, error)
	QueryFieldAggregate(ctx context.Context, deviceID string, category telemetry.Category,
		field string, from, to time.Time, every time.Duration, fn string) ([]timeseries.FieldSample, error)
}

// FieldLimits are the control limits of one field.
type FieldLimits struct {
	Field  string  `json:"field"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
	UCL    float64 `json:"ucl"`
	LCL    float64 `json:"lcl"`
	N      int64   `json:"n"`
}

// Limits is the result of a GetLimits call.
type Limits struct {
	DeviceID   string                 `json:"deviceId"`
	Sigma      float64                `json:"sigma"`
	Fields     map[string]FieldLimits `json:"fields"`
	IsCached   bool                   `json:"isCached"`
	ComputedAt time.Time              `json:"computedAt"`
}

// limitsEntry is the cached state behind one parameter set. welford holds
// the running second moment per field so a single new sample can be folded
// in without re-querying the store.
type limitsEntry struct {
	deviceID   string
	sigma      float64
	fields     map[string]FieldLimits
	welford    map[string]float64 // field -> M2
	computedAt time.Time
}

// Engine computes and caches control limits.
type Engine struct {
	store  Aggregator
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache *cache.TTL[*limitsEntry]
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock substitutes the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds an Engine over the given time-series reader.
func NewEngine(store Aggregator, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "spc")
	e.cache = cache.NewTTL[*limitsEntry](LimitsTTL, time.Minute,
		cache.WithClock[*limitsEntry](e.now))
	return e
}

// Close releases the limit cache.
func (e *Engine) Close() {
	e.cache.Close()
}

// cacheKey hashes the full parameter set so distinct lookbacks or sigmas
// never share an entry. Field order is canonicalized first.
func cacheKey(deviceID string, fields []string, lookback time.Duration, sigma float64) string {
	sorted := make([]string, len(fields))
	copy(sorted, fields)
	sort.Strings(sorted)

	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d|%g", deviceID, strings.Join(sorted, ","), lookback, sigma)
	return fmt.Sprintf("limits:%016x", h.Sum64())
}

// GetLimits returns control limits for the given fields over the lookback
// window. A fresh cache hit is served as-is with IsCached=true; a miss, a
// stale hit, or forceRecalc recomputes from the store's aggregate sums.
func (e *Engine) GetLimits(
	ctx context.Context, deviceID string, fields []string,
	lookback time.Duration, sigma float64, forceRecalc bool,
) (*Limits, error) {
	if len(fields) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidPayload, "spc", "GetLimits", "no fields requested")
	}

	key := cacheKey(deviceID, fields, lookback, sigma)
	if !forceRecalc {
		e.mu.Lock()
		entry, ok := e.cache.Get(key)
		if ok && !e.stale(entry) {
			result := e.snapshot(entry, true)
			e.mu.Unlock()
			return result, nil
		}
		e.mu.Unlock()
	}

	aggs, err := e.store.FieldAggregates(ctx, deviceID, telemetry.CategorySPC, fields, lookback)
	if err != nil {
		return nil, err
	}

	computed := make(map[string]FieldLimits, len(fields))
	welford := make(map[string]float64, len(fields))
	for _, field := range fields {
		agg, ok := aggs[field]
		if !ok || agg.Count < 2 {
			return nil, errors.WrapInvalid(errors.ErrInsufficientData, "spc", "GetLimits",
				fmt.Sprintf("field %q has %d samples, need at least 2", field, agg.Count))
		}

		n := float64(agg.Count)
		mean := agg.Sum / n
		m2 := agg.SumSq - agg.Sum*agg.Sum/n
		if m2 < 0 {
			m2 = 0
		}
		stdDev := math.Sqrt(m2 / (n - 1))

		computed[field] = FieldLimits{
			Field:  field,
			Mean:   mean,
			StdDev: stdDev,
			UCL:    mean + sigma*stdDev,
			LCL:    mean - sigma*stdDev,
			N:      agg.Count,
		}
		welford[field] = m2
	}

	entry := &limitsEntry{
		deviceID:   deviceID,
		sigma:      sigma,
		fields:     computed,
		welford:    welford,
		computedAt: e.now(),
	}

	e.mu.Lock()
	e.cache.Set(key, entry)
	result := e.snapshot(entry, false)
	e.mu.Unlock()

	e.logger.Debug("control limits computed",
		"device_id", deviceID,
		"fields", len(computed),
		"sigma", sigma,
	)
	return result, nil
}

// UpdateLimitsWithNewPoint folds one new sample into every cached entry
// covering the device and field. It never triggers a full recompute: if no
// entry exists, the sample is simply dropped.
func (e *Engine) UpdateLimitsWithNewPoint(deviceID, field string, value float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, key := range e.cache.Keys() {
		entry, ok := e.cache.Get(key)
		if !ok || entry.deviceID != deviceID {
			continue
		}
		limits, ok := entry.fields[field]
		if !ok {
			continue
		}

		n := float64(limits.N + 1)
		delta := value - limits.Mean
		mean := limits.Mean + delta/n
		m2 := entry.welford[field] + delta*(value-mean)

		stdDev := 0.0
		if n > 1 {
			stdDev = math.Sqrt(m2 / (n - 1))
		}

		entry.fields[field] = FieldLimits{
			Field:  field,
			Mean:   mean,
			StdDev: stdDev,
			UCL:    mean + entry.sigma*stdDev,
			LCL:    mean - entry.sigma*stdDev,
			N:      limits.N + 1,
		}
		entry.welford[field] = m2
	}
}

// stale reports whether the entry sits inside the refresh threshold.
func (e *Engine) stale(entry *limitsEntry) bool {
	return e.now().Sub(entry.computedAt) > LimitsTTL-RefreshThreshold
}

// snapshot copies an entry into a caller-owned result. Must hold e.mu.
func (e *Engine) snapshot(entry *limitsEntry, cached bool) *Limits {
	fields := make(map[string]FieldLimits, len(entry.fields))
	for name, limits := range entry.fields {
		fields[name] = limits
	}
	return &Limits{
		DeviceID:   entry.deviceID,
		Sigma:      entry.sigma,
		Fields:     fields,
		IsCached:   cached,
		ComputedAt: entry.computedAt,
	}
}
