package spc

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tutuCH/opcua-backend-sub000/errors"
	"github.com/tutuCH/opcua-backend-sub000/telemetry"
	"github.com/tutuCH/opcua-backend-sub000/timeseries"
)

// Downsample strategies.
const (
	StrategyAvg    = "avg"
	StrategyMinMax = "minmax"
)

// DefaultSeriesLimit caps a series response when the caller does not ask
// for a specific point budget.
const DefaultSeriesLimit = 500

// windowPresets maps the named retrieval windows to their spans.
var windowPresets = map[string]time.Duration{
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// SeriesRequest selects one field's samples over a named preset window or
// an explicit custom range. Window wins when both are set.
type SeriesRequest struct {
	DeviceID string
	Field    string
	Window   string // preset name, empty for custom range
	From, To time.Time
	Limit    int
	Strategy string // avg (default) or minmax
}

// Coverage reports how the returned data lines up with the requested
// window, so a caller can tell sparse data from a query bug.
type Coverage struct {
	Count         int64   `json:"count"`
	HeadGapMillis int64   `json:"headGapMillis"`
	TailGapMillis int64   `json:"tailGapMillis"`
	Ratio         float64 `json:"ratio"`
}

// Series is the result of a GetSeries call.
type Series struct {
	DeviceID    string                   `json:"deviceId"`
	Field       string                   `json:"field"`
	From        time.Time                `json:"from"`
	To          time.Time                `json:"to"`
	Strategy    string                   `json:"strategy"`
	Downsampled bool                     `json:"downsampled"`
	Points      []timeseries.FieldSample `json:"points"`
	Coverage    Coverage                 `json:"coverage"`
}

// resolveWindow turns the request into absolute bounds.
func (e *Engine) resolveWindow(req SeriesRequest) (time.Time, time.Time, error) {
	if req.Window != "" {
		span, ok := windowPresets[req.Window]
		if !ok {
			return time.Time{}, time.Time{}, errors.WrapInvalid(errors.ErrInvalidWindow, "spc", "GetSeries",
				fmt.Sprintf("unknown window preset %q", req.Window))
		}
		to := e.now()
		return to.Add(-span), to, nil
	}
	if req.From.IsZero() || req.To.IsZero() || !req.To.After(req.From) {
		return time.Time{}, time.Time{}, errors.WrapInvalid(errors.ErrInvalidWindow, "spc", "GetSeries",
			"custom range requires from < to")
	}
	return req.From, req.To, nil
}

// GetSeries returns one field's samples over the resolved window. Coverage
// is queried first; only when the observed point count exceeds the limit
// are aggregated points requested, with a bucket size derived from the
// observed span.
func (e *Engine) GetSeries(ctx context.Context, req SeriesRequest) (*Series, error) {
	from, to, err := e.resolveWindow(req)
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultSeriesLimit
	}
	if limit < 2 {
		// A one-point budget leaves no span to derive a bucket from.
		limit = 2
	}
	strategy := req.Strategy
	switch strategy {
	case "":
		strategy = StrategyAvg
	case StrategyAvg, StrategyMinMax:
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidWindow, "spc", "GetSeries",
			fmt.Sprintf("unknown downsample strategy %q", req.Strategy))
	}

	series := &Series{
		DeviceID: req.DeviceID,
		Field:    req.Field,
		From:     from,
		To:       to,
		Strategy: strategy,
	}

	stats, err := e.store.Coverage(ctx, req.DeviceID, telemetry.CategorySPC, req.Field, from, to)
	if err != nil {
		return nil, err
	}
	series.Coverage = coverageOf(stats, from, to)
	if stats.Count == 0 {
		return series, nil
	}

	if stats.Count <= int64(limit) {
		points, err := e.store.QueryFieldRaw(ctx, req.DeviceID, telemetry.CategorySPC, req.Field, from, to)
		if err != nil {
			return nil, err
		}
		series.Points = points
		return series, nil
	}

	bucket := stats.Last.Sub(stats.First) / time.Duration(limit-1)
	if bucket <= 0 {
		bucket = time.Second
	}

	series.Downsampled = true
	switch strategy {
	case StrategyAvg:
		points, err := e.store.QueryFieldAggregate(ctx, req.DeviceID, telemetry.CategorySPC,
			req.Field, from, to, bucket, "mean")
		if err != nil {
			return nil, err
		}
		series.Points = points
	case StrategyMinMax:
		points, err := e.minMaxSeries(ctx, req.DeviceID, req.Field, from, to, bucket)
		if err != nil {
			return nil, err
		}
		series.Points = points
	}
	return series, nil
}

// minMaxSeries emits both extremes of every bucket so spikes survive the
// downsampling.
func (e *Engine) minMaxSeries(
	ctx context.Context, deviceID, field string,
	from, to time.Time, bucket time.Duration,
) ([]timeseries.FieldSample, error) {
	mins, err := e.store.QueryFieldAggregate(ctx, deviceID, telemetry.CategorySPC,
		field, from, to, bucket, "min")
	if err != nil {
		return nil, err
	}
	maxes, err := e.store.QueryFieldAggregate(ctx, deviceID, telemetry.CategorySPC,
		field, from, to, bucket, "max")
	if err != nil {
		return nil, err
	}

	merged := make([]timeseries.FieldSample, 0, len(mins)+len(maxes))
	merged = append(merged, mins...)
	merged = append(merged, maxes...)
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Time.Equal(merged[j].Time) {
			return merged[i].Value < merged[j].Value
		}
		return merged[i].Time.Before(merged[j].Time)
	})
	return merged, nil
}

func coverageOf(stats timeseries.CoverageStats, from, to time.Time) Coverage {
	if stats.Count == 0 {
		return Coverage{}
	}

	span := to.Sub(from)
	headGap := stats.First.Sub(from)
	if headGap < 0 {
		headGap = 0
	}
	tailGap := to.Sub(stats.Last)
	if tailGap < 0 {
		tailGap = 0
	}

	ratio := 0.0
	if span > 0 {
		ratio = float64(span-headGap-tailGap) / float64(span)
	}
	return Coverage{
		Count:         stats.Count,
		HeadGapMillis: headGap.Milliseconds(),
		TailGapMillis: tailGap.Milliseconds(),
		Ratio:         ratio,
	}
}
