// Package metric manages Prometheus metrics for the telemetry pipeline:
// a dedicated registry, core pipeline metrics, and per-component
// registration helpers.
package metric

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tutuCH/opcua-backend-sub000/errors"
)

// Registry manages the registration and lifecycle of metrics.
type Registry struct {
	prom       *prometheus.Registry
	Core       *Core
	registered map[string]prometheus.Collector
	mu         sync.Mutex
}

// NewRegistry creates a metrics registry with core pipeline metrics and Go
// runtime collectors.
func NewRegistry() *Registry {
	prom := prometheus.NewRegistry()

	r := &Registry{
		prom:       prom,
		Core:       newCore(),
		registered: make(map[string]prometheus.Collector),
	}
	r.Core.register(prom)

	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Prometheus returns the underlying Prometheus registry.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prom
}

// Register registers a component-owned collector under component.name.
// Registering the same name twice is an error; use Unregister first when a
// component restarts.
func (r *Registry) Register(component, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	if _, exists := r.registered[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered", key),
			"metric.Registry", "Register", "duplicate metric registration")
	}
	if err := r.prom.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			r.registered[key] = are.ExistingCollector
			return nil
		}
		return errors.Wrap(err, "metric.Registry", "Register", "prometheus registration")
	}
	r.registered[key] = c
	return nil
}

// Unregister removes a previously registered collector. Returns true if the
// collector existed.
func (r *Registry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	c, exists := r.registered[key]
	if !exists {
		return false
	}
	delete(r.registered, key)
	return r.prom.Unregister(c)
}
