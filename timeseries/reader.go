package timeseries

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tutuCH/opcua-backend-sub000/errors"
	"github.com/tutuCH/opcua-backend-sub000/telemetry"
)

// Point is one pivoted row: all fields captured at the same instant.
type Point struct {
	Time   time.Time      `json:"time"`
	Fields map[string]any `json:"fields"`
}

// FieldSample is one value of one field.
type FieldSample struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// CoverageStats describes how much data a range actually holds. Used by the
// SPC layer to decide whether aggregation is worth applying and to report
// data-gap metadata.
type CoverageStats struct {
	Count int64     `json:"count"`
	First time.Time `json:"firstTimestamp"`
	Last  time.Time `json:"lastTimestamp"`
}

// Aggregates are the running sums the SPC engine derives limits from.
type Aggregates struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	SumSq float64 `json:"sumSq"`
}

// QueryPaginated returns pivoted points newest-first with a parallel total
// count for the range.
func (s *Store) QueryPaginated(
	ctx context.Context, deviceID string, category telemetry.Category,
	from, to time.Time, pageSize, offset int,
) ([]Point, int64, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	if offset < 0 {
		offset = 0
	}

	flux := paginatedFlux(s.bucket, deviceID, category, from, to, pageSize, offset)
	points, err := s.runPointQuery(ctx, flux)
	if err != nil {
		return nil, 0, err
	}

	total, err := s.runCountQuery(ctx, countFlux(s.bucket, deviceID, category, from, to))
	if err != nil {
		return nil, 0, err
	}
	return points, total, nil
}

// QueryWindowed returns per-field means over a caller-chosen fixed
// aggregation window.
func (s *Store) QueryWindowed(
	ctx context.Context, deviceID string, category telemetry.Category,
	from, to time.Time, window Resolution,
) ([]Point, error) {
	if window.Duration() <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidWindow, "timeseries", "QueryWindowed",
			fmt.Sprintf("window %q", window))
	}
	flux := windowFlux(s.bucket, deviceID, category, from, to, window.Duration(), "mean")
	return s.runPointQuery(ctx, flux)
}

// QueryAdaptive picks a resolution from the span lookup table and returns
// the (possibly raw) points plus the resolution it chose.
func (s *Store) QueryAdaptive(
	ctx context.Context, deviceID string, category telemetry.Category,
	from, to time.Time,
) ([]Point, Resolution, error) {
	res := ResolutionForSpan(to.Sub(from))

	var flux string
	if res == ResolutionRaw {
		flux = rawFlux(s.bucket, deviceID, category, from, to)
	} else {
		flux = windowFlux(s.bucket, deviceID, category, from, to, res.Duration(), "mean")
	}
	points, err := s.runPointQuery(ctx, flux)
	if err != nil {
		return nil, res, err
	}
	return points, res, nil
}

// Coverage reports {count, first, last} for a range, optionally restricted
// to a single field.
func (s *Store) Coverage(
	ctx context.Context, deviceID string, category telemetry.Category,
	field string, from, to time.Time,
) (CoverageStats, error) {
	count, err := s.runCountQuery(ctx, coverageCountFlux(s.bucket, deviceID, category, field, from, to))
	if err != nil {
		return CoverageStats{}, err
	}
	if count == 0 {
		return CoverageStats{}, nil
	}

	first, err := s.runTimeQuery(ctx, coverageEdgeFlux(s.bucket, deviceID, category, field, from, to, false))
	if err != nil {
		return CoverageStats{}, err
	}
	last, err := s.runTimeQuery(ctx, coverageEdgeFlux(s.bucket, deviceID, category, field, from, to, true))
	if err != nil {
		return CoverageStats{}, err
	}
	return CoverageStats{Count: count, First: first, Last: last}, nil
}

// FieldAggregates returns {count, sum, sumSq} per field over the lookback
// window ending now, grouped by field.
func (s *Store) FieldAggregates(
	ctx context.Context, deviceID string, category telemetry.Category,
	fields []string, lookback time.Duration,
) (map[string]Aggregates, error) {
	to := s.now()
	from := to.Add(-lookback)

	counts, err := s.runFieldQuery(ctx, fieldStatFlux(s.bucket, deviceID, category, fields, from, to, "count"))
	if err != nil {
		return nil, err
	}
	sums, err := s.runFieldQuery(ctx, fieldStatFlux(s.bucket, deviceID, category, fields, from, to, "sum"))
	if err != nil {
		return nil, err
	}
	sumSqs, err := s.runFieldQuery(ctx, fieldSumSqFlux(s.bucket, deviceID, category, fields, from, to))
	if err != nil {
		return nil, err
	}

	out := make(map[string]Aggregates, len(counts))
	for field, count := range counts {
		out[field] = Aggregates{
			Count: int64(count),
			Sum:   sums[field],
			SumSq: sumSqs[field],
		}
	}
	return out, nil
}

// QueryFieldRaw returns every sample of one field in the range, oldest
// first.
func (s *Store) QueryFieldRaw(
	ctx context.Context, deviceID string, category telemetry.Category,
	field string, from, to time.Time,
) ([]FieldSample, error) {
	return s.runSampleQuery(ctx, fieldRawFlux(s.bucket, deviceID, category, field, from, to))
}

// QueryFieldAggregate returns one field bucketed by `every` and reduced
// with fn (mean, min or max), oldest first.
func (s *Store) QueryFieldAggregate(
	ctx context.Context, deviceID string, category telemetry.Category,
	field string, from, to time.Time, every time.Duration, fn string,
) ([]FieldSample, error) {
	switch fn {
	case "mean", "min", "max":
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidWindow, "timeseries", "QueryFieldAggregate",
			fmt.Sprintf("aggregate fn %q", fn))
	}
	return s.runSampleQuery(ctx, fieldAggFlux(s.bucket, deviceID, category, field, from, to, every, fn))
}

// --- result decoding -----------------------------------------------------

var pivotMetaColumns = map[string]bool{
	"result": true, "table": true,
	"_start": true, "_stop": true, "_time": true,
	"_measurement": true, "device_id": true,
}

func (s *Store) runPointQuery(ctx context.Context, flux string) ([]Point, error) {
	result, err := s.query.Query(ctx, flux)
	if err != nil {
		return nil, errors.WrapTransient(err, "timeseries", "query", "influx query")
	}

	var points []Point
	for result.Next() {
		record := result.Record()
		fields := make(map[string]any)
		for k, v := range record.Values() {
			if !pivotMetaColumns[k] && v != nil {
				fields[k] = v
			}
		}
		points = append(points, Point{Time: record.Time(), Fields: fields})
	}
	if result.Err() != nil {
		return nil, errors.WrapTransient(result.Err(), "timeseries", "query", "result iteration")
	}
	return points, nil
}

func (s *Store) runSampleQuery(ctx context.Context, flux string) ([]FieldSample, error) {
	result, err := s.query.Query(ctx, flux)
	if err != nil {
		return nil, errors.WrapTransient(err, "timeseries", "query", "influx query")
	}

	var samples []FieldSample
	for result.Next() {
		record := result.Record()
		value, ok := numeric(record.Value())
		if !ok {
			continue
		}
		samples = append(samples, FieldSample{Time: record.Time(), Value: value})
	}
	if result.Err() != nil {
		return nil, errors.WrapTransient(result.Err(), "timeseries", "query", "result iteration")
	}
	return samples, nil
}

func (s *Store) runCountQuery(ctx context.Context, flux string) (int64, error) {
	result, err := s.query.Query(ctx, flux)
	if err != nil {
		return 0, errors.WrapTransient(err, "timeseries", "query", "influx query")
	}
	var count int64
	for result.Next() {
		if n, ok := numeric(result.Record().Value()); ok {
			count = int64(n)
		}
	}
	if result.Err() != nil {
		return 0, errors.WrapTransient(result.Err(), "timeseries", "query", "result iteration")
	}
	return count, nil
}

func (s *Store) runTimeQuery(ctx context.Context, flux string) (time.Time, error) {
	result, err := s.query.Query(ctx, flux)
	if err != nil {
		return time.Time{}, errors.WrapTransient(err, "timeseries", "query", "influx query")
	}
	var t time.Time
	for result.Next() {
		t = result.Record().Time()
	}
	if result.Err() != nil {
		return time.Time{}, errors.WrapTransient(result.Err(), "timeseries", "query", "result iteration")
	}
	return t, nil
}

func (s *Store) runFieldQuery(ctx context.Context, flux string) (map[string]float64, error) {
	result, err := s.query.Query(ctx, flux)
	if err != nil {
		return nil, errors.WrapTransient(err, "timeseries", "query", "influx query")
	}

	out := make(map[string]float64)
	for result.Next() {
		record := result.Record()
		field, _ := record.ValueByKey("_field").(string)
		if field == "" {
			continue
		}
		if v, ok := numeric(record.Value()); ok {
			out[field] = v
		}
	}
	if result.Err() != nil {
		return nil, errors.WrapTransient(result.Err(), "timeseries", "query", "result iteration")
	}
	return out, nil
}

func numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}

// --- flux builders -------------------------------------------------------

func fluxTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func baseFlux(bucket, deviceID string, category telemetry.Category, from, to time.Time) string {
	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q and r.device_id == %q)`,
		bucket, fluxTime(from), fluxTime(to), string(category), deviceID)
}

func fieldFilter(field string) string {
	if field == "" {
		return ""
	}
	return fmt.Sprintf("\n  |> filter(fn: (r) => r._field == %q)", field)
}

func fieldSetFilter(fields []string) string {
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = fmt.Sprintf("%q", f)
	}
	return fmt.Sprintf("\n  |> filter(fn: (r) => contains(value: r._field, set: [%s]))",
		strings.Join(quoted, ", "))
}

func rawFlux(bucket, deviceID string, category telemetry.Category, from, to time.Time) string {
	return baseFlux(bucket, deviceID, category, from, to) + `
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> sort(columns: ["_time"])`
}

func paginatedFlux(bucket, deviceID string, category telemetry.Category, from, to time.Time, pageSize, offset int) string {
	return baseFlux(bucket, deviceID, category, from, to) + fmt.Sprintf(`
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: %d, offset: %d)`, pageSize, offset)
}

func countFlux(bucket, deviceID string, category telemetry.Category, from, to time.Time) string {
	return baseFlux(bucket, deviceID, category, from, to) + `
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group()
  |> count(column: "_time")`
}

func windowFlux(bucket, deviceID string, category telemetry.Category, from, to time.Time, every time.Duration, fn string) string {
	return baseFlux(bucket, deviceID, category, from, to) + fmt.Sprintf(`
  |> aggregateWindow(every: %s, fn: %s, createEmpty: false)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> sort(columns: ["_time"])`, fluxDuration(every), fn)
}

func coverageCountFlux(bucket, deviceID string, category telemetry.Category, field string, from, to time.Time) string {
	return baseFlux(bucket, deviceID, category, from, to) + fieldFilter(field) + `
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group()
  |> count(column: "_time")`
}

func coverageEdgeFlux(bucket, deviceID string, category telemetry.Category, field string, from, to time.Time, last bool) string {
	desc := ""
	if last {
		desc = ", desc: true"
	}
	return baseFlux(bucket, deviceID, category, from, to) + fieldFilter(field) + fmt.Sprintf(`
  |> group()
  |> sort(columns: ["_time"]%s)
  |> limit(n: 1)`, desc)
}

func fieldStatFlux(bucket, deviceID string, category telemetry.Category, fields []string, from, to time.Time, fn string) string {
	return baseFlux(bucket, deviceID, category, from, to) + fieldSetFilter(fields) + fmt.Sprintf(`
  |> group(columns: ["_field"])
  |> %s()`, fn)
}

func fieldSumSqFlux(bucket, deviceID string, category telemetry.Category, fields []string, from, to time.Time) string {
	return baseFlux(bucket, deviceID, category, from, to) + fieldSetFilter(fields) + `
  |> map(fn: (r) => ({ r with _value: r._value * r._value }))
  |> group(columns: ["_field"])
  |> sum()`
}

func fieldRawFlux(bucket, deviceID string, category telemetry.Category, field string, from, to time.Time) string {
	return baseFlux(bucket, deviceID, category, from, to) + fieldFilter(field) + `
  |> sort(columns: ["_time"])`
}

func fieldAggFlux(bucket, deviceID string, category telemetry.Category, field string, from, to time.Time, every time.Duration, fn string) string {
	return baseFlux(bucket, deviceID, category, from, to) + fieldFilter(field) + fmt.Sprintf(`
  |> aggregateWindow(every: %s, fn: %s, createEmpty: false)
  |> sort(columns: ["_time"])`, fluxDuration(every), fn)
}

// fluxDuration renders a duration in flux literal form with millisecond
// granularity.
func fluxDuration(d time.Duration) string {
	if d <= 0 {
		d = time.Millisecond
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}
