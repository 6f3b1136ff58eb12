package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// SentryMetrics exposes connection monitoring, firewall and proxy activity.
type SentryMetrics struct {
	observed         prometheus.Gauge
	offenders        prometheus.Gauge
	decisions        *prometheus.CounterVec
	activeBlocks     prometheus.Gauge
	firewallFailures *prometheus.CounterVec
	alerting         prometheus.Gauge
	proxy            *prometheus.CounterVec
}

var (
	sentryOnce     sync.Once
	sentryRegistry *SentryMetrics
)

// Sentry returns the lazily registered sentry collectors.
func Sentry() *SentryMetrics {
	sentryOnce.Do(func() {
		sentryRegistry = &SentryMetrics{
			observed: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "guardian",
				Subsystem: "sentry",
				Name:      "established_connections",
				Help:      "Established connections seen in the last monitoring cycle.",
			}),
			offenders: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "guardian",
				Subsystem: "sentry",
				Name:      "offending_sources",
				Help:      "Remote addresses above the per-IP connection limit in the last cycle.",
			}),
			decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "guardian",
				Subsystem: "sentry",
				Name:      "decisions_total",
				Help:      "Block and unblock decisions segmented by action.",
			}, []string{"action"}),
			activeBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "guardian",
				Subsystem: "sentry",
				Name:      "active_blocks",
				Help:      "Deny rules currently installed by the firewall enforcer.",
			}),
			firewallFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "guardian",
				Subsystem: "sentry",
				Name:      "firewall_failures_total",
				Help:      "Packet-filter commands that failed, segmented by operation.",
			}, []string{"op"}),
			alerting: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "guardian",
				Subsystem: "sentry",
				Name:      "firewall_alert",
				Help:      "1 while the last packet-filter mutation failed.",
			}),
			proxy: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "guardian",
				Subsystem: "sentry",
				Name:      "proxy_connections_total",
				Help:      "Validator proxy connections segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			sentryRegistry.observed,
			sentryRegistry.offenders,
			sentryRegistry.decisions,
			sentryRegistry.activeBlocks,
			sentryRegistry.firewallFailures,
			sentryRegistry.alerting,
			sentryRegistry.proxy,
		)
	})
	return sentryRegistry
}

// ObserveCycle publishes the result of one monitoring pass.
func (m *SentryMetrics) ObserveCycle(established, offenders int) {
	if m == nil {
		return
	}
	m.observed.Set(float64(established))
	m.offenders.Set(float64(offenders))
}

// RecordDecision counts an enforcement action.
func (m *SentryMetrics) RecordDecision(action string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(action).Inc()
}

// SetActiveBlocks publishes the size of the block set.
func (m *SentryMetrics) SetActiveBlocks(n int) {
	if m == nil {
		return
	}
	m.activeBlocks.Set(float64(n))
}

// RecordFirewallFailure counts a failed packet-filter mutation and raises the
// alert gauge.
func (m *SentryMetrics) RecordFirewallFailure(op string) {
	if m == nil {
		return
	}
	m.firewallFailures.WithLabelValues(op).Inc()
	m.alerting.Set(1)
}

// ClearAlert lowers the alert gauge after a successful mutation.
func (m *SentryMetrics) ClearAlert() {
	if m == nil {
		return
	}
	m.alerting.Set(0)
}

// RecordProxy counts a validator proxy connection outcome.
func (m *SentryMetrics) RecordProxy(outcome string) {
	if m == nil {
		return
	}
	m.proxy.WithLabelValues(outcome).Inc()
}
