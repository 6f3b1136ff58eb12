package p2p

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"

	"guardian/observability/metrics"
)

const defaultReapInterval = 30 * time.Second

// Reaper periodically evicts expired peers and forgets idle rate-limit
// sources.
type Reaper struct {
	registry *Registry
	limiter  *Limiter
	interval time.Duration
	clock    mclock.Clock
	logger   *slog.Logger
	metrics  *metrics.DiscoveryMetrics
}

// NewReaper constructs a reaper. limiter may be nil.
func NewReaper(registry *Registry, limiter *Limiter, interval time.Duration, clock mclock.Clock) *Reaper {
	if interval <= 0 {
		interval = defaultReapInterval
	}
	if clock == nil {
		clock = mclock.System{}
	}
	return &Reaper{
		registry: registry,
		limiter:  limiter,
		interval: interval,
		clock:    clock,
		logger:   slog.Default().With(slog.String("component", "reaper")),
		metrics:  metrics.Discovery(),
	}
}

// Run sweeps once per interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	timer := r.clock.NewTimer(r.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C():
			r.Sweep()
			timer.Reset(r.interval)
		}
	}
}

// Sweep performs a single eviction pass and returns the number of peers
// removed.
func (r *Reaper) Sweep() int {
	now := r.clock.Now()
	evicted := r.registry.EvictStale(now)
	forgotten := r.limiter.Sweep(now)

	r.metrics.AddEvictions(evicted)
	r.metrics.SetRegistrySize(r.registry.Len())
	r.metrics.SetTrackedSources(r.limiter.Tracked())
	if evicted > 0 || forgotten > 0 {
		r.logger.Debug("Reaped stale entries",
			slog.Int("evicted_peers", evicted),
			slog.Int("forgotten_sources", forgotten),
			slog.Int("registry_size", r.registry.Len()))
	}
	return evicted
}
