package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// DiscoveryMetrics exposes bootnode activity.
type DiscoveryMetrics struct {
	requests       *prometheus.CounterVec
	registrySize   prometheus.Gauge
	evictions      prometheus.Counter
	trackedSources prometheus.Gauge
	bootstrap      *prometheus.CounterVec
}

var (
	discoveryOnce     sync.Once
	discoveryRegistry *DiscoveryMetrics
)

// Discovery returns the lazily registered bootnode collectors.
func Discovery() *DiscoveryMetrics {
	discoveryOnce.Do(func() {
		discoveryRegistry = &DiscoveryMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "guardian",
				Subsystem: "discovery",
				Name:      "requests_total",
				Help:      "Discovery connections segmented by outcome.",
			}, []string{"outcome"}),
			registrySize: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "guardian",
				Subsystem: "discovery",
				Name:      "registry_peers",
				Help:      "Peer records currently held by the registry.",
			}),
			evictions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "guardian",
				Subsystem: "discovery",
				Name:      "stale_evictions_total",
				Help:      "Peer records removed by the stale peer reaper.",
			}),
			trackedSources: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "guardian",
				Subsystem: "discovery",
				Name:      "rate_limit_sources",
				Help:      "Source addresses tracked by the rate limiter.",
			}),
			bootstrap: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "guardian",
				Subsystem: "discovery",
				Name:      "bootstrap_attempts_total",
				Help:      "Outbound bootstrap handshakes segmented by result.",
			}, []string{"result"}),
		}
		prometheus.MustRegister(
			discoveryRegistry.requests,
			discoveryRegistry.registrySize,
			discoveryRegistry.evictions,
			discoveryRegistry.trackedSources,
			discoveryRegistry.bootstrap,
		)
	})
	return discoveryRegistry
}

// RecordRequest counts a finished discovery connection.
func (m *DiscoveryMetrics) RecordRequest(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.requests.WithLabelValues(outcome).Inc()
}

// SetRegistrySize publishes the current registry size.
func (m *DiscoveryMetrics) SetRegistrySize(n int) {
	if m == nil {
		return
	}
	m.registrySize.Set(float64(n))
}

// AddEvictions counts reaped records.
func (m *DiscoveryMetrics) AddEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evictions.Add(float64(n))
}

// SetTrackedSources publishes the rate limiter population.
func (m *DiscoveryMetrics) SetTrackedSources(n int) {
	if m == nil {
		return
	}
	m.trackedSources.Set(float64(n))
}

// RecordBootstrap counts a bootstrap handshake attempt.
func (m *DiscoveryMetrics) RecordBootstrap(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.bootstrap.WithLabelValues(result).Inc()
}
