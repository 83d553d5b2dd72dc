package process

import (
	"fmt"
	"strings"
	"time"

	"github.com/tutuCH/opcua-backend-sub000/telemetry"
)

// Thresholds configure alert evaluation on the realtime path.
type Thresholds struct {
	// OilTempWarning raises a warning when any oil or fluid temperature
	// field exceeds it.
	OilTempWarning float64
	// ZoneTempCritical raises a critical alert when any zone temperature
	// field exceeds it.
	ZoneTempCritical float64
	// ErrorStatusCode raises a critical machine-error alert when the
	// status field equals it.
	ErrorStatusCode float64
}

// DefaultThresholds returns the stock alert thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		OilTempWarning:   80,
		ZoneTempCritical: 250,
		ErrorStatusCode:  0,
	}
}

// Evaluate inspects a realtime snapshot and returns every triggered alert.
func (t Thresholds) Evaluate(deviceID string, data map[string]any, at time.Time) []telemetry.Alert {
	var alerts []telemetry.Alert

	for field, raw := range data {
		value, ok := raw.(float64)
		if !ok {
			continue
		}
		lower := strings.ToLower(field)

		switch {
		case isOilTempField(lower) && value > t.OilTempWarning:
			alerts = append(alerts, telemetry.Alert{
				DeviceID:  deviceID,
				Severity:  telemetry.SeverityWarning,
				Field:     field,
				Value:     value,
				Threshold: t.OilTempWarning,
				Message:   fmt.Sprintf("%s %.1f exceeds %.1f", field, value, t.OilTempWarning),
				RaisedAt:  at.UnixMilli(),
			})
		case isZoneTempField(lower) && value > t.ZoneTempCritical:
			alerts = append(alerts, telemetry.Alert{
				DeviceID:  deviceID,
				Severity:  telemetry.SeverityCritical,
				Field:     field,
				Value:     value,
				Threshold: t.ZoneTempCritical,
				Message:   fmt.Sprintf("%s %.1f exceeds %.1f", field, value, t.ZoneTempCritical),
				RaisedAt:  at.UnixMilli(),
			})
		case lower == "status" && value == t.ErrorStatusCode:
			alerts = append(alerts, telemetry.Alert{
				DeviceID:  deviceID,
				Severity:  telemetry.SeverityCritical,
				Field:     field,
				Value:     value,
				Threshold: t.ErrorStatusCode,
				Message:   "machine error",
				RaisedAt:  at.UnixMilli(),
			})
		}
	}
	return alerts
}

func isOilTempField(field string) bool {
	return strings.Contains(field, "oiltemp") || strings.Contains(field, "fluidtemp")
}

func isZoneTempField(field string) bool {
	return strings.HasPrefix(field, "zone") && strings.Contains(field, "temp")
}
