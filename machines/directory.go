// Package machines defines the boundary to the external machine directory:
// resolving a transport device id to a persistent machine identity and back.
// The directory itself (CRUD, ownership) lives outside this service.
package machines

import (
	"context"
	"sync"

	"github.com/tutuCH/opcua-backend-sub000/errors"
)

// Machine is the subset of the machine record the pipeline needs.
type Machine struct {
	ID       string // persistent record identity
	DeviceID string // telemetry-transport identifier
	Name     string
}

// Directory resolves machine identities. Implementations are provided by
// the surrounding CRUD layer; the pipeline only consumes this interface.
type Directory interface {
	// ResolveDevice maps a telemetry device id to its machine. Returns
	// errors.ErrUnknownDevice when no machine claims the device id.
	ResolveDevice(ctx context.Context, deviceID string) (Machine, error)
	// DeviceForMachine maps a persistent machine id to its current device
	// id. Returns errors.ErrUnknownDevice when the machine is unknown.
	DeviceForMachine(ctx context.Context, machineID string) (string, error)
}

// InMemoryDirectory is a Directory backed by a map. Used for wiring in
// development and by tests.
type InMemoryDirectory struct {
	mu       sync.RWMutex
	byDevice map[string]Machine
	byID     map[string]Machine
}

// NewInMemoryDirectory creates a directory pre-loaded with the given
// machines.
func NewInMemoryDirectory(ms ...Machine) *InMemoryDirectory {
	d := &InMemoryDirectory{
		byDevice: make(map[string]Machine),
		byID:     make(map[string]Machine),
	}
	for _, m := range ms {
		d.Add(m)
	}
	return d
}

// Add registers or replaces a machine.
func (d *InMemoryDirectory) Add(m Machine) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byDevice[m.DeviceID] = m
	d.byID[m.ID] = m
}

// ResolveDevice implements Directory.
func (d *InMemoryDirectory) ResolveDevice(_ context.Context, deviceID string) (Machine, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.byDevice[deviceID]
	if !ok {
		return Machine{}, errors.ErrUnknownDevice
	}
	return m, nil
}

// DeviceForMachine implements Directory.
func (d *InMemoryDirectory) DeviceForMachine(_ context.Context, machineID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.byID[machineID]
	if !ok {
		return "", errors.ErrUnknownDevice
	}
	return m.DeviceID, nil
}
