package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutuCH/opcua-backend-sub000/errors"
	"github.com/tutuCH/opcua-backend-sub000/queue"
	"github.com/tutuCH/opcua-backend-sub000/status"
	"github.com/tutuCH/opcua-backend-sub000/telemetry"
)

type fakeWriter struct {
	written []*telemetry.Envelope
	err     error
}

func (f *fakeWriter) Write(_ context.Context, env *telemetry.Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.written = append(f.written, env)
	return nil
}

type fakePublisher struct {
	events []telemetry.ProcessedEvent
	alerts []telemetry.Alert
	err    error
}

func (f *fakePublisher) PublishProcessed(event telemetry.ProcessedEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakePublisher) PublishAlert(alert telemetry.Alert) error {
	if f.err != nil {
		return f.err
	}
	f.alerts = append(f.alerts, alert)
	return nil
}

type fakeUpdater struct {
	updates map[string][]float64
}

func (f *fakeUpdater) UpdateLimitsWithNewPoint(deviceID, field string, value float64) {
	if f.updates == nil {
		f.updates = make(map[string][]float64)
	}
	key := deviceID + "/" + field
	f.updates[key] = append(f.updates[key], value)
}

func jobFor(t *testing.T, env *telemetry.Envelope) *queue.Job {
	t.Helper()
	payload, err := env.Marshal()
	require.NoError(t, err)
	return &queue.Job{
		ID:      "0000000000000001:test",
		Queue:   env.Category.QueueName(),
		Payload: payload,
	}
}

func envelope(category telemetry.Category, capturedAt time.Time, data map[string]any) *telemetry.Envelope {
	return &telemetry.Envelope{
		DeviceID:           "dev-1",
		Category:           category,
		CaptureEpochMillis: capturedAt.UnixMilli(),
		Data:               data,
	}
}

func newHarness(t *testing.T, now time.Time, opts ...Option) (*Processor, *fakeWriter, *fakePublisher, *status.Store) {
	t.Helper()
	writer := &fakeWriter{}
	publisher := &fakePublisher{}
	st := status.NewStore()
	t.Cleanup(st.Close)

	opts = append(opts, WithClock(func() time.Time { return now }))
	return New(writer, publisher, st, opts...), writer, publisher, st
}

func TestRealtime_WritesStatusAndPublishes(t *testing.T) {
	now := time.Now()
	p, writer, publisher, st := newHarness(t, now)

	env := envelope(telemetry.CategoryRealtime, now.Add(-time.Minute), map[string]any{
		"oilTemp": 55.0,
		"status":  1.0,
	})
	handler := p.Handler(telemetry.CategoryRealtime)
	require.NoError(t, handler(context.Background(), jobFor(t, env)))

	require.Len(t, writer.written, 1)
	assert.Equal(t, "dev-1", writer.written[0].DeviceID)

	hot, ok := st.HotStatus("dev-1")
	require.True(t, ok)
	assert.Equal(t, 55.0, hot.Data["oilTemp"])

	require.Len(t, publisher.events, 1)
	assert.Equal(t, telemetry.CategoryRealtime, publisher.events[0].Category)
	assert.Empty(t, publisher.alerts)
}

func TestRealtime_RaisesAlerts(t *testing.T) {
	now := time.Now()
	p, _, publisher, st := newHarness(t, now)

	env := envelope(telemetry.CategoryRealtime, now.Add(-time.Minute), map[string]any{
		"oilTemp":   85.5,
		"zone1Temp": 260.0,
		"status":    0.0,
	})
	require.NoError(t, p.Handler(telemetry.CategoryRealtime)(context.Background(), jobFor(t, env)))

	require.Len(t, publisher.alerts, 3)
	severities := map[telemetry.AlertSeverity]int{}
	for _, alert := range publisher.alerts {
		severities[alert.Severity]++
		assert.Equal(t, "dev-1", alert.DeviceID)
	}
	assert.Equal(t, 1, severities[telemetry.SeverityWarning])
	assert.Equal(t, 2, severities[telemetry.SeverityCritical])

	assert.Len(t, st.Alerts("dev-1"), 3)
}

func TestRealtime_MachineErrorMessage(t *testing.T) {
	now := time.Now()
	p, _, publisher, _ := newHarness(t, now)

	env := envelope(telemetry.CategoryRealtime, now, map[string]any{"status": 0.0})
	require.NoError(t, p.Handler(telemetry.CategoryRealtime)(context.Background(), jobFor(t, env)))

	require.Len(t, publisher.alerts, 1)
	assert.Equal(t, "machine error", publisher.alerts[0].Message)
	assert.Equal(t, telemetry.SeverityCritical, publisher.alerts[0].Severity)
}

func TestStaleJobDroppedWithoutWrite(t *testing.T) {
	now := time.Now()
	p, writer, publisher, _ := newHarness(t, now)

	env := envelope(telemetry.CategoryRealtime, now.Add(-2*time.Hour), map[string]any{"oilTemp": 40.0})
	err := p.Handler(telemetry.CategoryRealtime)(context.Background(), jobFor(t, env))

	assert.NoError(t, err)
	assert.Empty(t, writer.written)
	assert.Empty(t, publisher.events)
}

func TestTech_CachesConfigWithoutWrite(t *testing.T) {
	now := time.Now()
	p, writer, publisher, st := newHarness(t, now)

	env := envelope(telemetry.CategoryTech, now.Add(-time.Minute), map[string]any{"maxPressure": 180.0})
	require.NoError(t, p.Handler(telemetry.CategoryTech)(context.Background(), jobFor(t, env)))

	assert.Empty(t, writer.written)
	cfg, ok := st.TechConfig("dev-1")
	require.True(t, ok)
	assert.Equal(t, 180.0, cfg.Data["maxPressure"])
	assert.Len(t, publisher.events, 1)
}

func TestSPC_UpdatesCachedLimits(t *testing.T) {
	now := time.Now()
	updater := &fakeUpdater{}
	p, writer, publisher, _ := newHarness(t, now, WithLimitUpdater(updater))

	env := envelope(telemetry.CategorySPC, now.Add(-time.Minute), map[string]any{
		"pressure": 12.5,
		"label":    "ignored",
	})
	require.NoError(t, p.Handler(telemetry.CategorySPC)(context.Background(), jobFor(t, env)))

	assert.Len(t, writer.written, 1)
	assert.Equal(t, []float64{12.5}, updater.updates["dev-1/pressure"])
	assert.NotContains(t, updater.updates, "dev-1/label")
	assert.Len(t, publisher.events, 1)
}

func TestWriteFailurePropagatesForRetry(t *testing.T) {
	now := time.Now()
	writer := &fakeWriter{err: errors.WrapTransient(errors.ErrStoreUnavailable, "timeseries", "Write", "down")}
	publisher := &fakePublisher{}
	st := status.NewStore()
	t.Cleanup(st.Close)
	p := New(writer, publisher, st, WithClock(func() time.Time { return now }))

	env := envelope(telemetry.CategoryWarning, now, map[string]any{"code": 7.0})
	err := p.Handler(telemetry.CategoryWarning)(context.Background(), jobFor(t, env))

	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Empty(t, publisher.events)
}

func TestUndecodablePayloadIsInvalid(t *testing.T) {
	now := time.Now()
	p, _, _, _ := newHarness(t, now)

	job := &queue.Job{ID: "x", Payload: []byte("{not json")}
	err := p.Handler(telemetry.CategoryRealtime)(context.Background(), job)

	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestPublishFailureDoesNotFailJob(t *testing.T) {
	now := time.Now()
	writer := &fakeWriter{}
	publisher := &fakePublisher{err: errors.ErrPublishFailed}
	st := status.NewStore()
	t.Cleanup(st.Close)
	p := New(writer, publisher, st, WithClock(func() time.Time { return now }))

	env := envelope(telemetry.CategoryRealtime, now, map[string]any{"oilTemp": 40.0})
	err := p.Handler(telemetry.CategoryRealtime)(context.Background(), jobFor(t, env))

	assert.NoError(t, err)
	assert.Len(t, writer.written, 1)
}

func TestThresholds_Evaluate(t *testing.T) {
	now := time.Now()
	thresholds := DefaultThresholds()

	tests := []struct {
		name     string
		data     map[string]any
		want     int
		severity telemetry.AlertSeverity
	}{
		{name: "all nominal", data: map[string]any{"oilTemp": 60.0, "zone1Temp": 200.0, "status": 1.0}, want: 0},
		{name: "oil temp warning", data: map[string]any{"oilTemp": 80.5}, want: 1, severity: telemetry.SeverityWarning},
		{name: "fluid temp warning", data: map[string]any{"fluidTemp": 81.0}, want: 1, severity: telemetry.SeverityWarning},
		{name: "oil temp at threshold not raised", data: map[string]any{"oilTemp": 80.0}, want: 0},
		{name: "zone temp critical", data: map[string]any{"zone3Temp": 251.0}, want: 1, severity: telemetry.SeverityCritical},
		{name: "status zero critical", data: map[string]any{"status": 0.0}, want: 1, severity: telemetry.SeverityCritical},
		{name: "non numeric ignored", data: map[string]any{"oilTemp": "hot"}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alerts := thresholds.Evaluate("dev-1", tt.data, now)
			require.Len(t, alerts, tt.want)
			if tt.want == 1 {
				assert.Equal(t, tt.severity, alerts[0].Severity)
				assert.Equal(t, now.UnixMilli(), alerts[0].RaisedAt)
			}
		})
	}
}
