package spc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutuCH/opcua-backend-sub000/errors"
	"github.com/tutuCH/opcua-backend-sub000/timeseries"
)

func samplesAt(base time.Time, values ...float64) []timeseries.FieldSample {
	out := make([]timeseries.FieldSample, len(values))
	for i, v := range values {
		out[i] = timeseries.FieldSample{Time: base.Add(time.Duration(i) * time.Minute), Value: v}
	}
	return out
}

func TestGetSeries_RawBelowLimit(t *testing.T) {
	now := time.Now()
	from := now.Add(-time.Hour)
	store := &fakeAggregator{
		coverage: timeseries.CoverageStats{Count: 3, First: from, Last: now},
		raw:      samplesAt(from, 1, 2, 3),
	}
	engine := newTestEngine(store, &now)
	defer engine.Close()

	series, err := engine.GetSeries(context.Background(), SeriesRequest{
		DeviceID: "dev-1", Field: "pressure", Window: "1h", Limit: 100,
	})
	require.NoError(t, err)

	assert.False(t, series.Downsampled)
	assert.Len(t, series.Points, 3)
	assert.Equal(t, 1, store.rawCalls)
	assert.Empty(t, store.fieldAggs)
}

func TestGetSeries_AvgDownsampleAboveLimit(t *testing.T) {
	now := time.Now()
	from := now.Add(-time.Hour)
	store := &fakeAggregator{
		coverage: timeseries.CoverageStats{Count: 5000, First: from, Last: now},
		agged:    samplesAt(from, 1, 2),
	}
	engine := newTestEngine(store, &now)
	defer engine.Close()

	series, err := engine.GetSeries(context.Background(), SeriesRequest{
		DeviceID: "dev-1", Field: "pressure", Window: "1h", Limit: 100,
	})
	require.NoError(t, err)

	assert.True(t, series.Downsampled)
	assert.Equal(t, StrategyAvg, series.Strategy)
	assert.Equal(t, []string{"mean"}, store.fieldAggs)
	assert.Equal(t, 0, store.rawCalls)
}

func TestGetSeries_MinMaxEmitsBothExtremes(t *testing.T) {
	now := time.Now()
	from := now.Add(-time.Hour)
	store := &fakeAggregator{
		coverage: timeseries.CoverageStats{Count: 5000, First: from, Last: now},
		agged:    samplesAt(from, 1, 2),
	}
	engine := newTestEngine(store, &now)
	defer engine.Close()

	series, err := engine.GetSeries(context.Background(), SeriesRequest{
		DeviceID: "dev-1", Field: "pressure", Window: "1h", Limit: 100, Strategy: StrategyMinMax,
	})
	require.NoError(t, err)

	assert.True(t, series.Downsampled)
	assert.Equal(t, []string{"min", "max"}, store.fieldAggs)
	// Both query results merged, ordered by time.
	require.Len(t, series.Points, 4)
	for i := 1; i < len(series.Points); i++ {
		assert.False(t, series.Points[i].Time.Before(series.Points[i-1].Time))
	}
}

func TestGetSeries_SinglePointLimitDownsamples(t *testing.T) {
	now := time.Now()
	from := now.Add(-time.Hour)
	store := &fakeAggregator{
		coverage: timeseries.CoverageStats{Count: 10, First: from, Last: now},
		agged:    samplesAt(from, 1, 2),
	}
	engine := newTestEngine(store, &now)
	defer engine.Close()

	series, err := engine.GetSeries(context.Background(), SeriesRequest{
		DeviceID: "dev-1", Field: "pressure", Window: "1h", Limit: 1,
	})
	require.NoError(t, err)

	assert.True(t, series.Downsampled)
	assert.Equal(t, []string{"mean"}, store.fieldAggs)
}

func TestGetSeries_CoverageRatioFullWindow(t *testing.T) {
	now := time.Now()
	from := now.Add(-time.Hour)
	store := &fakeAggregator{
		coverage: timeseries.CoverageStats{Count: 10, First: from, Last: now},
		raw:      samplesAt(from, 1),
	}
	engine := newTestEngine(store, &now)
	defer engine.Close()

	series, err := engine.GetSeries(context.Background(), SeriesRequest{
		DeviceID: "dev-1", Field: "pressure", Window: "1h",
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, series.Coverage.Ratio)
	assert.Zero(t, series.Coverage.HeadGapMillis)
	assert.Zero(t, series.Coverage.TailGapMillis)
}

func TestGetSeries_CoverageReportsGaps(t *testing.T) {
	now := time.Now()
	from := now.Add(-time.Hour)
	store := &fakeAggregator{
		coverage: timeseries.CoverageStats{
			Count: 10,
			First: from.Add(10 * time.Minute),
			Last:  now.Add(-5 * time.Minute),
		},
		raw: samplesAt(from.Add(10*time.Minute), 1),
	}
	engine := newTestEngine(store, &now)
	defer engine.Close()

	series, err := engine.GetSeries(context.Background(), SeriesRequest{
		DeviceID: "dev-1", Field: "pressure", Window: "1h",
	})
	require.NoError(t, err)

	assert.Equal(t, (10 * time.Minute).Milliseconds(), series.Coverage.HeadGapMillis)
	assert.Equal(t, (5 * time.Minute).Milliseconds(), series.Coverage.TailGapMillis)
	assert.Less(t, series.Coverage.Ratio, 1.0)
	assert.InDelta(t, 45.0/60.0, series.Coverage.Ratio, 1e-9)
}

func TestGetSeries_EmptyRange(t *testing.T) {
	now := time.Now()
	store := &fakeAggregator{}
	engine := newTestEngine(store, &now)
	defer engine.Close()

	series, err := engine.GetSeries(context.Background(), SeriesRequest{
		DeviceID: "dev-1", Field: "pressure", Window: "24h",
	})
	require.NoError(t, err)

	assert.Empty(t, series.Points)
	assert.Zero(t, series.Coverage.Count)
	assert.Zero(t, series.Coverage.Ratio)
	assert.Equal(t, 0, store.rawCalls)
}

func TestGetSeries_CustomRange(t *testing.T) {
	now := time.Now()
	from := now.Add(-2 * time.Hour)
	to := now.Add(-time.Hour)
	store := &fakeAggregator{
		coverage: timeseries.CoverageStats{Count: 2, First: from, Last: to},
		raw:      samplesAt(from, 1, 2),
	}
	engine := newTestEngine(store, &now)
	defer engine.Close()

	series, err := engine.GetSeries(context.Background(), SeriesRequest{
		DeviceID: "dev-1", Field: "pressure", From: from, To: to,
	})
	require.NoError(t, err)
	assert.Equal(t, from, series.From)
	assert.Equal(t, to, series.To)
}

func TestGetSeries_InvalidRequests(t *testing.T) {
	now := time.Now()
	engine := newTestEngine(&fakeAggregator{}, &now)
	defer engine.Close()

	tests := []struct {
		name string
		req  SeriesRequest
	}{
		{name: "unknown preset", req: SeriesRequest{DeviceID: "d", Field: "f", Window: "90m"}},
		{name: "missing range", req: SeriesRequest{DeviceID: "d", Field: "f"}},
		{name: "inverted range", req: SeriesRequest{DeviceID: "d", Field: "f", From: now, To: now.Add(-time.Hour)}},
		{name: "unknown strategy", req: SeriesRequest{DeviceID: "d", Field: "f", Window: "1h", Strategy: "median"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.GetSeries(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}
