// Package status owns the ephemeral per-device state refreshed by the
// processing workers: the hot-status snapshot cache, the technical
// configuration cache, and the bounded alert history.
package status

import (
	"sync"
	"time"

	"github.com/tutuCH/opcua-backend-sub000/pkg/cache"
	"github.com/tutuCH/opcua-backend-sub000/telemetry"
)

const (
	// HotStatusTTL bounds how long a snapshot counts as current.
	HotStatusTTL = 30 * time.Second
	// TechConfigTTL bounds cached technical configuration snapshots.
	TechConfigTTL = time.Hour
	// AlertHistoryCap bounds the per-device alert ring.
	AlertHistoryCap = 100

	sweepInterval = time.Minute
)

// HotStatus is the latest telemetry snapshot for a device.
type HotStatus struct {
	DeviceID    string         `json:"deviceId"`
	Data        map[string]any `json:"data"`
	LastUpdated time.Time      `json:"lastUpdated"`
}

// TechConfig is the latest technical configuration snapshot for a device.
type TechConfig struct {
	DeviceID   string         `json:"deviceId"`
	Data       map[string]any `json:"data"`
	CapturedAt time.Time      `json:"capturedAt"`
}

// Store holds the hot caches. Refreshed only by processing workers; read by
// status APIs and new-subscriber bootstrap.
type Store struct {
	hot  *cache.TTL[HotStatus]
	tech *cache.TTL[TechConfig]

	mu     sync.RWMutex
	alerts map[string][]telemetry.Alert
}

// NewStore creates the status store. Close must be called on shutdown.
func NewStore() *Store {
	return &Store{
		hot:    cache.NewTTL[HotStatus](HotStatusTTL, sweepInterval),
		tech:   cache.NewTTL[TechConfig](TechConfigTTL, sweepInterval),
		alerts: make(map[string][]telemetry.Alert),
	}
}

// SetHotStatus refreshes the snapshot for a device.
func (s *Store) SetHotStatus(deviceID string, data map[string]any, at time.Time) {
	s.hot.Set(deviceID, HotStatus{
		DeviceID:    deviceID,
		Data:        data,
		LastUpdated: at,
	})
}

// HotStatus returns the current snapshot, if one is fresh enough.
func (s *Store) HotStatus(deviceID string) (HotStatus, bool) {
	return s.hot.Get(deviceID)
}

// SetTechConfig caches a technical configuration snapshot.
func (s *Store) SetTechConfig(deviceID string, data map[string]any, capturedAt time.Time) {
	s.tech.Set(deviceID, TechConfig{
		DeviceID:   deviceID,
		Data:       data,
		CapturedAt: capturedAt,
	})
}

// TechConfig returns the cached configuration snapshot, if present.
func (s *Store) TechConfig(deviceID string) (TechConfig, bool) {
	return s.tech.Get(deviceID)
}

// AppendAlert records an alert in the device's bounded history, evicting
// the oldest entry at the cap.
func (s *Store) AppendAlert(alert telemetry.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.alerts[alert.DeviceID], alert)
	if len(history) > AlertHistoryCap {
		history = history[len(history)-AlertHistoryCap:]
	}
	s.alerts[alert.DeviceID] = history
}

// Alerts returns a copy of the device's alert history, oldest first.
func (s *Store) Alerts(deviceID string) []telemetry.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.alerts[deviceID]
	out := make([]telemetry.Alert, len(history))
	copy(out, history)
	return out
}

// Close stops the cache sweepers.
func (s *Store) Close() {
	s.hot.Close()
	s.tech.Close()
}
