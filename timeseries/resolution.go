package timeseries

import (
	"fmt"
	"time"
)

// Resolution is an aggregation window for downsampled reads. ResolutionRaw
// means no aggregation.
type Resolution string

// Supported resolutions.
const (
	ResolutionRaw Resolution = "raw"
	Resolution1m  Resolution = "1m"
	Resolution5m  Resolution = "5m"
	Resolution15m Resolution = "15m"
	Resolution30m Resolution = "30m"
	Resolution1h  Resolution = "1h"
	Resolution6h  Resolution = "6h"
	Resolution1d  Resolution = "1d"
)

// Duration returns the window length, or zero for ResolutionRaw.
func (r Resolution) Duration() time.Duration {
	switch r {
	case Resolution1m:
		return time.Minute
	case Resolution5m:
		return 5 * time.Minute
	case Resolution15m:
		return 15 * time.Minute
	case Resolution30m:
		return 30 * time.Minute
	case Resolution1h:
		return time.Hour
	case Resolution6h:
		return 6 * time.Hour
	case Resolution1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// ParseResolution validates a caller-supplied aggregation window for
// fixed-window queries.
func ParseResolution(s string) (Resolution, error) {
	switch Resolution(s) {
	case Resolution1m, Resolution5m, Resolution15m, Resolution30m,
		Resolution1h, Resolution6h, Resolution1d:
		return Resolution(s), nil
	default:
		return "", fmt.Errorf("timeseries: unsupported aggregation window %q", s)
	}
}

// adaptiveTable maps a query span to its resolution. This is a lookup
// table, not a heuristic: the chosen resolution is a pure function of the
// elapsed wall-clock span.
var adaptiveTable = []struct {
	maxSpan    time.Duration
	resolution Resolution
}{
	{time.Hour, ResolutionRaw},
	{6 * time.Hour, Resolution1m},
	{24 * time.Hour, Resolution5m},
	{7 * 24 * time.Hour, Resolution15m},
}

// ResolutionForSpan picks the adaptive downsampling resolution for a
// [from, to) span. Spans beyond seven days aggregate at one hour.
func ResolutionForSpan(span time.Duration) Resolution {
	for _, row := range adaptiveTable {
		if span <= row.maxSpan {
			return row.resolution
		}
	}
	return Resolution1h
}
