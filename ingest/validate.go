package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/tutuCH/opcua-backend-sub000/errors"
	"github.com/tutuCH/opcua-backend-sub000/telemetry"
)

// topicParts extracts the device id and category hints from a transport
// topic. Topics have the shape `<deviceId>/<category>`, optionally behind an
// arbitrary path prefix, so the category is the last segment and the device
// id the second-to-last.
func topicParts(topic string) (deviceID, category string) {
	segs := strings.Split(strings.Trim(topic, "/"), "/")
	if len(segs) >= 2 {
		return segs[len(segs)-2], segs[len(segs)-1]
	}
	if len(segs) == 1 {
		return "", segs[0]
	}
	return "", ""
}

// buildEnvelope validates a decoded payload and assembles the canonical
// envelope. All failures are classified invalid: the source data itself is
// bad and must be dropped, not retried.
func buildEnvelope(topic string, payload map[string]any) (*telemetry.Envelope, error) {
	topicDevice, topicCategory := topicParts(topic)

	deviceID := stringField(payload, "deviceId")
	if deviceID == "" {
		deviceID = topicDevice
	}
	if deviceID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidPayload, "ingest", "buildEnvelope", "missing device id")
	}

	categoryName := stringField(payload, "category")
	if categoryName == "" {
		categoryName = topicCategory
	}
	category, err := telemetry.ParseCategory(categoryName)
	if err != nil {
		return nil, errors.WrapInvalid(errors.ErrUnknownCategory, "ingest", "buildEnvelope",
			fmt.Sprintf("category %q", categoryName))
	}

	millis, ok := numericTimestamp(payload)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrInvalidPayload, "ingest", "buildEnvelope", "missing numeric timestamp")
	}

	data, ok := payload["data"].(map[string]any)
	if !ok || len(data) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidPayload, "ingest", "buildEnvelope", "empty data payload")
	}

	return &telemetry.Envelope{
		DeviceID:           deviceID,
		Category:           category,
		SendTime:           stringField(payload, "sendTime"),
		CaptureTime:        stringField(payload, "captureTime"),
		CaptureEpochMillis: millis,
		Data:               data,
	}, nil
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// numericTimestamp accepts captureEpochMillis or timestamp, in milliseconds
// or seconds. Values below 1e12 are treated as seconds; the cutover is far
// outside any plausible capture time in either unit.
func numericTimestamp(m map[string]any) (int64, bool) {
	for _, key := range []string{"captureEpochMillis", "timestamp"} {
		f, ok := m[key].(float64)
		if !ok {
			continue
		}
		if f <= 0 {
			return 0, false
		}
		if f < 1e12 {
			return time.Unix(int64(f), 0).UnixMilli(), true
		}
		return int64(f), true
	}
	return 0, false
}
