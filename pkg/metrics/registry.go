// Package metrics holds the Prometheus collectors of a hacep process. They
// live on a private registry served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var registry = newRegistry()

func newRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry returns the registry every hacep collector is registered with.
func Registry() *prometheus.Registry {
	return registry
}

// MustRegister adds collectors to the hacep registry.
func MustRegister(cs ...prometheus.Collector) {
	registry.MustRegister(cs...)
}
