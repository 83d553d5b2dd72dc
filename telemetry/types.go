// Package telemetry defines the canonical data types flowing through the
// pipeline: categories, the immutable envelope produced by ingestion, and
// the processed events published on the fan-out bus.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"
)

// Category determines queue, storage measurement, and processing path.
type Category string

// Telemetry categories.
const (
	CategoryRealtime Category = "realtime"
	CategorySPC      Category = "spc"
	CategoryTech     Category = "tech"
	CategoryWarning  Category = "warning"
)

// Categories lists all known categories in processing-priority order.
func Categories() []Category {
	return []Category{CategoryRealtime, CategorySPC, CategoryTech, CategoryWarning}
}

// ParseCategory resolves a category string, accepting a few legacy aliases
// seen on older device firmware.
func ParseCategory(s string) (Category, error) {
	switch s {
	case "realtime", "real-time":
		return CategoryRealtime, nil
	case "spc":
		return CategorySPC, nil
	case "tech", "technical":
		return CategoryTech, nil
	case "warning", "alarm":
		return CategoryWarning, nil
	default:
		return "", fmt.Errorf("unknown category %q", s)
	}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryRealtime, CategorySPC, CategoryTech, CategoryWarning:
		return true
	}
	return false
}

// QueueName returns the reliable-queue name for this category.
func (c Category) QueueName() string {
	return "telemetry:" + string(c)
}

// Envelope is the canonical internal record for one inbound telemetry
// message. It is immutable once enqueued.
type Envelope struct {
	DeviceID           string         `json:"deviceId"`
	MachineID          string         `json:"machineId,omitempty"`
	Category           Category       `json:"category"`
	SendTime           string         `json:"sendTime,omitempty"`
	CaptureTime        string         `json:"captureTime,omitempty"`
	CaptureEpochMillis int64          `json:"captureEpochMillis"`
	Data               map[string]any `json:"data"`
}

// CapturedAt returns the capture timestamp as a time.Time.
func (e *Envelope) CapturedAt() time.Time {
	return time.UnixMilli(e.CaptureEpochMillis)
}

// Marshal encodes the envelope for queue transport.
func (e *Envelope) Marshal() (json.RawMessage, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes a queued envelope payload.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("telemetry: decode envelope: %w", err)
	}
	return &e, nil
}

// ProcessedEvent is published on the bus after a worker finishes a job and
// re-broadcast by the gateway to subscribed clients.
type ProcessedEvent struct {
	DeviceID  string         `json:"deviceId"`
	Category  Category       `json:"category"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"` // unix millis
}

// AlertSeverity grades a threshold alert.
type AlertSeverity string

// Alert severities.
const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is raised by threshold evaluation on the realtime path.
type Alert struct {
	DeviceID  string        `json:"deviceId"`
	Severity  AlertSeverity `json:"severity"`
	Field     string        `json:"field"`
	Value     float64       `json:"value"`
	Threshold float64       `json:"threshold"`
	Message   string        `json:"message"`
	RaisedAt  int64         `json:"raisedAt"` // unix millis
}
