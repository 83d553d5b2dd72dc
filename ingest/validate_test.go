package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutuCH/opcua-backend-sub000/errors"
	"github.com/tutuCH/opcua-backend-sub000/telemetry"
)

func TestTopicParts(t *testing.T) {
	tests := []struct {
		topic        string
		wantDevice   string
		wantCategory string
	}{
		{"mb-01/realtime", "mb-01", "realtime"},
		{"factory/hall-2/mb-07/spc", "mb-07", "spc"},
		{"/mb-01/warning", "mb-01", "warning"},
		{"realtime", "", "realtime"},
		{"", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			device, category := topicParts(tt.topic)
			assert.Equal(t, tt.wantDevice, device)
			assert.Equal(t, tt.wantCategory, category)
		})
	}
}

func TestBuildEnvelope_FromTopic(t *testing.T) {
	payload := map[string]any{
		"timestamp": float64(1757500000000),
		"data":      map[string]any{"oilTemp": 55.0},
	}

	env, err := buildEnvelope("mb-01/realtime", payload)
	require.NoError(t, err)

	assert.Equal(t, "mb-01", env.DeviceID)
	assert.Equal(t, telemetry.CategoryRealtime, env.Category)
	assert.Equal(t, int64(1757500000000), env.CaptureEpochMillis)
}

func TestBuildEnvelope_ExplicitFieldsWin(t *testing.T) {
	payload := map[string]any{
		"deviceId":           "mb-explicit",
		"category":           "spc",
		"captureEpochMillis": float64(1757500000000),
		"sendTime":           "2025-09-10T10:26:40Z",
		"data":               map[string]any{"cycleTime": 31.2},
	}

	env, err := buildEnvelope("prefix/mb-topic/realtime", payload)
	require.NoError(t, err)

	assert.Equal(t, "mb-explicit", env.DeviceID)
	assert.Equal(t, telemetry.CategorySPC, env.Category)
	assert.Equal(t, "2025-09-10T10:26:40Z", env.SendTime)
}

func TestBuildEnvelope_SecondsTimestampNormalized(t *testing.T) {
	payload := map[string]any{
		"timestamp": float64(1757500000), // seconds
		"data":      map[string]any{"x": 1.0},
	}

	env, err := buildEnvelope("mb-01/realtime", payload)
	require.NoError(t, err)
	assert.Equal(t, int64(1757500000000), env.CaptureEpochMillis)
}

func TestBuildEnvelope_LegacyCategoryAliases(t *testing.T) {
	payload := map[string]any{
		"timestamp": float64(1757500000000),
		"data":      map[string]any{"x": 1.0},
	}

	env, err := buildEnvelope("mb-01/alarm", payload)
	require.NoError(t, err)
	assert.Equal(t, telemetry.CategoryWarning, env.Category)
}

func TestBuildEnvelope_Rejections(t *testing.T) {
	valid := func() map[string]any {
		return map[string]any{
			"deviceId":  "mb-01",
			"timestamp": float64(1757500000000),
			"data":      map[string]any{"x": 1.0},
		}
	}

	tests := []struct {
		name   string
		topic  string
		mutate func(map[string]any)
	}{
		{"missing device id", "realtime", func(p map[string]any) { delete(p, "deviceId") }},
		{"unknown category", "mb-01/bogus", func(_ map[string]any) {}},
		{"missing timestamp", "mb-01/realtime", func(p map[string]any) { delete(p, "timestamp") }},
		{"non-numeric timestamp", "mb-01/realtime", func(p map[string]any) { p["timestamp"] = "soon" }},
		{"zero timestamp", "mb-01/realtime", func(p map[string]any) { p["timestamp"] = float64(0) }},
		{"empty data", "mb-01/realtime", func(p map[string]any) { p["data"] = map[string]any{} }},
		{"missing data", "mb-01/realtime", func(p map[string]any) { delete(p, "data") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(p)
			_, err := buildEnvelope(tt.topic, p)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err), "validation failures must be classified invalid")
		})
	}
}
