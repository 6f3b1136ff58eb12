package sentry

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/p2p/netutil"

	"guardian/observability/logging"
	"guardian/observability/metrics"
)

const (
	defaultMonitorInterval     = 10 * time.Second
	defaultMaxConnectionsPerIP = 10
)

// Decision labels recorded per offending source.
const (
	DecisionBlock       = "block"
	DecisionObserve     = "observe"
	DecisionBlockFailed = "block_failed"
	DecisionAlready     = "already_blocked"
)

// Blocker is the enforcement side of the monitor.
type Blocker interface {
	Block(ctx context.Context, ip string) error
	IsBlocked(ip string) bool
}

// MonitorConfig configures the connection monitor.
type MonitorConfig struct {
	MaxConnectionsPerIP int
	Interval            time.Duration
	// Enforce switches between blocking offenders and only logging them.
	Enforce bool
	// WatchPorts restricts counting to these local ports when non-empty.
	WatchPorts []int
	// NeverBlock lists CIDRs that are never escalated.
	NeverBlock []string
	// Validators are the private validator addresses (host:port); their hosts
	// are never escalated.
	Validators []string
}

// CycleReport summarises one monitoring pass.
type CycleReport struct {
	Observed  int
	Offenders map[string]int
	Blocked   []string
	Failed    []string
}

// OffenderIPs returns the offending addresses in sorted order.
func (r CycleReport) OffenderIPs() []string {
	out := make([]string, 0, len(r.Offenders))
	for ip := range r.Offenders {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}

// Monitor groups established connections by remote address and escalates
// sources above the per-IP limit. It holds no state between cycles besides
// what the Blocker keeps.
type Monitor struct {
	cfg        MonitorConfig
	source     ConnectionSource
	blocker    Blocker
	neverBlock *netutil.Netlist
	exempt     map[string]struct{}
	ports      map[int]struct{}
	clock      mclock.Clock
	logger     *slog.Logger
	metrics    *metrics.SentryMetrics
}

// MonitorOption customises a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorClock overrides the clock driving the poll loop.
func WithMonitorClock(clock mclock.Clock) MonitorOption {
	return func(m *Monitor) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithMonitorLogger overrides the component logger.
func WithMonitorLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMonitor validates cfg and builds a monitor reading from source.
func NewMonitor(cfg MonitorConfig, source ConnectionSource, blocker Blocker, opts ...MonitorOption) (*Monitor, error) {
	if source == nil {
		return nil, fmt.Errorf("sentry: connection source required")
	}
	if cfg.MaxConnectionsPerIP <= 0 {
		cfg.MaxConnectionsPerIP = defaultMaxConnectionsPerIP
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultMonitorInterval
	}
	m := &Monitor{
		cfg:     cfg,
		source:  source,
		blocker: blocker,
		exempt:  make(map[string]struct{}),
		ports:   make(map[int]struct{}, len(cfg.WatchPorts)),
		clock:   mclock.System{},
		logger:  slog.Default().With(slog.String("component", "connection_monitor")),
		metrics: metrics.Sentry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if len(cfg.NeverBlock) > 0 {
		list, err := netutil.ParseNetlist(strings.Join(cfg.NeverBlock, ","))
		if err != nil {
			return nil, fmt.Errorf("sentry: parse never_block: %w", err)
		}
		m.neverBlock = list
	}
	for _, port := range cfg.WatchPorts {
		m.ports[port] = struct{}{}
	}
	for _, addr := range cfg.Validators {
		m.exemptHost(addr)
	}
	return m, nil
}

func (m *Monitor) exemptHost(addr string) {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		host = strings.TrimSpace(addr)
	}
	if ip := net.ParseIP(host); ip != nil {
		m.exempt[canonicalIP(ip)] = struct{}{}
		return
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		m.logger.Warn("Unable to resolve validator host; it will not be exempt",
			logging.MaskField("host", host),
			slog.Any("error", err))
		return
	}
	for _, ip := range ips {
		m.exempt[canonicalIP(ip)] = struct{}{}
	}
}

// Run polls once per interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	timer := m.clock.NewTimer(m.cfg.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C():
			if _, err := m.RunCycle(ctx); err != nil {
				m.logger.Warn("Connection monitoring cycle failed", slog.Any("error", err))
			}
			timer.Reset(m.cfg.Interval)
		}
	}
}

// RunCycle performs one observation pass and escalates offenders.
func (m *Monitor) RunCycle(ctx context.Context) (CycleReport, error) {
	observations, err := m.source.Established()
	if err != nil {
		return CycleReport{}, err
	}
	counts := make(map[string]int)
	observed := 0
	for _, obs := range observations {
		if len(m.ports) > 0 {
			if _, ok := m.ports[obs.LocalPort]; !ok {
				continue
			}
		}
		observed++
		counts[obs.RemoteIP]++
	}

	report := CycleReport{Observed: observed, Offenders: make(map[string]int)}
	for ip, count := range counts {
		if count > m.cfg.MaxConnectionsPerIP && !m.isExempt(ip) {
			report.Offenders[ip] = count
		}
	}
	m.metrics.ObserveCycle(observed, len(report.Offenders))

	for _, ip := range report.OffenderIPs() {
		count := report.Offenders[ip]
		switch {
		case m.blocker == nil || !m.cfg.Enforce:
			m.metrics.RecordDecision(DecisionObserve)
			m.logger.Warn("Connection limit exceeded (observe only)",
				logging.MaskField("remote_ip", ip),
				slog.Int("connections", count),
				slog.Int("limit", m.cfg.MaxConnectionsPerIP))
		case m.blocker.IsBlocked(ip):
			m.metrics.RecordDecision(DecisionAlready)
		default:
			if err := m.blocker.Block(ctx, ip); err != nil {
				report.Failed = append(report.Failed, ip)
				m.metrics.RecordDecision(DecisionBlockFailed)
				m.logger.Error("Failed to block offending source",
					logging.MaskField("remote_ip", ip),
					slog.Int("connections", count),
					slog.Bool("alert", true),
					slog.Any("error", err))
				continue
			}
			report.Blocked = append(report.Blocked, ip)
			m.metrics.RecordDecision(DecisionBlock)
			m.logger.Warn("Blocked offending source",
				logging.MaskField("remote_ip", ip),
				slog.Int("connections", count),
				slog.Int("limit", m.cfg.MaxConnectionsPerIP))
		}
	}
	return report, nil
}

func (m *Monitor) isExempt(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return true
	}
	if parsed.IsLoopback() || parsed.IsUnspecified() {
		return true
	}
	if _, ok := m.exempt[canonicalIP(parsed)]; ok {
		return true
	}
	return m.neverBlock != nil && m.neverBlock.Contains(parsed)
}
