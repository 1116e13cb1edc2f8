// Package metrics holds the process-wide Prometheus registry and the
// enabled/disabled gate consulted by pkg/metrics/prometheus before
// registering any collector.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.RWMutex
	enabled  bool
	registry *prometheus.Registry
)

// Init enables metrics collection and creates the process-wide registry.
// Must be called before any New*Metrics constructor in pkg/metrics/prometheus,
// otherwise those constructors return nil and their callers collect no metrics.
func Init() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()

	registry = prometheus.NewRegistry()
	enabled = true
	return registry
}

// IsEnabled reports whether Init has been called.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// GetRegistry returns the process-wide registry, or nil if Init has not
// been called.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}
