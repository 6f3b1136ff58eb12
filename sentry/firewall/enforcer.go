package firewall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"

	"guardian/observability/logging"
	"guardian/observability/metrics"
)

const (
	defaultBlockDuration = time.Hour
	defaultRetryDelay    = 30 * time.Second
	commandTimeout       = 10 * time.Second
)

// ErrClosed is returned by Block after Shutdown.
var ErrClosed = errors.New("firewall: enforcer shut down")

// ruleTableMu serialises every packet-filter command issued by this process,
// across all enforcers.
var ruleTableMu sync.Mutex

// Config configures an Enforcer.
type Config struct {
	BlockDuration time.Duration
	// RetryDelay is the pause before retrying a failed scheduled unblock.
	RetryDelay time.Duration
	Clock      mclock.Clock
	// Journal is optional; when set, active blocks survive restarts.
	Journal *Journal
	Logger  *slog.Logger
}

type activeBlock struct {
	entry BlockEntry
	timer mclock.Timer
	gen   uint64
	// unjournaled marks a block whose journal write failed. Restore cannot
	// see it, so Shutdown removes its rule even when a journal is configured.
	unjournaled bool
}

// Enforcer owns the set of active blocks. Every entry has exactly one deny
// rule installed and one pending unblock timer. Blocking an address that is
// already blocked is a no-op and does not move its unblock time.
type Enforcer struct {
	backend Backend
	cfg     Config
	clock   mclock.Clock
	logger  *slog.Logger
	metrics *metrics.SentryMetrics

	wallBase time.Time
	monoBase mclock.AbsTime

	mu      sync.Mutex
	entries map[string]*activeBlock
	nextGen uint64
	closed  bool

	alerting atomic.Bool
}

// NewEnforcer creates an enforcer around backend.
func NewEnforcer(backend Backend, cfg Config) *Enforcer {
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = defaultBlockDuration
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "firewall"))
	}
	return &Enforcer{
		backend:  backend,
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   logger,
		metrics:  metrics.Sentry(),
		wallBase: time.Now(),
		monoBase: cfg.Clock.Now(),
		entries:  make(map[string]*activeBlock),
	}
}

// now derives wall time from the enforcer's clock so entries stay consistent
// with the timers that expire them.
func (e *Enforcer) now() time.Time {
	return e.wallBase.Add(time.Duration(e.clock.Now() - e.monoBase))
}

// Block installs a deny rule for ip and schedules its removal after the block
// duration. If the rule cannot be installed no entry is created, the failure
// is surfaced as an alert and the error returned.
func (e *Enforcer) Block(ctx context.Context, ip string) error {
	canonical, _, err := canonicalIP(ip)
	if err != nil {
		return err
	}
	return e.install(ctx, canonical, time.Time{}, e.cfg.BlockDuration, "")
}

// install adds the rule and entry for ip, expiring after duration. A zero
// blockedAt stamps the entry with the current time.
func (e *Enforcer) install(ctx context.Context, ip string, blockedAt time.Time, duration time.Duration, reason string) error {
	ruleTableMu.Lock()
	defer ruleTableMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if _, ok := e.entries[ip]; ok {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := e.backend.Block(cmdCtx, ip); err != nil {
		e.raiseAlert("block", ip, err)
		return fmt.Errorf("firewall: block %s: %w", ip, err)
	}
	e.clearAlert()

	now := e.now()
	if blockedAt.IsZero() {
		blockedAt = now
	}
	entry := BlockEntry{IP: ip, BlockedAt: blockedAt, UnblockAt: now.Add(duration)}

	unjournaled := false
	if e.cfg.Journal != nil {
		if err := e.cfg.Journal.Put(entry); err != nil {
			unjournaled = true
			e.logger.Warn("Failed to journal block", logging.MaskField("remote_ip", ip), slog.Any("error", err))
		}
	}

	e.mu.Lock()
	e.nextGen++
	gen := e.nextGen
	e.entries[ip] = &activeBlock{
		entry:       entry,
		gen:         gen,
		timer:       e.clock.AfterFunc(duration, func() { e.expire(ip, gen) }),
		unjournaled: unjournaled,
	}
	active := len(e.entries)
	e.mu.Unlock()
	e.metrics.SetActiveBlocks(active)
	if reason == "" {
		reason = "blocked"
	}
	e.logger.Info("Deny rule installed",
		logging.MaskField("remote_ip", ip),
		slog.String("reason", reason),
		slog.Time("unblock_at", entry.UnblockAt),
		slog.String("backend", e.backend.Name()))
	return nil
}

// Unblock removes the deny rule and the entry for ip together. Unblocking an
// address that is not blocked is a no-op.
func (e *Enforcer) Unblock(ctx context.Context, ip string) error {
	canonical, _, err := canonicalIP(ip)
	if err != nil {
		return err
	}
	return e.remove(ctx, canonical, 0, "unblocked")
}

// Revoke is an explicit operator unblock ahead of schedule.
func (e *Enforcer) Revoke(ctx context.Context, ip string) error {
	canonical, _, err := canonicalIP(ip)
	if err != nil {
		return err
	}
	return e.remove(ctx, canonical, 0, "revoked")
}

// Purge removes the deny rule for ip from the packet filter whether or not
// the enforcer tracks it. It is used to clean up rules the journal lost.
func (e *Enforcer) Purge(ctx context.Context, ip string) error {
	canonical, _, err := canonicalIP(ip)
	if err != nil {
		return err
	}
	ruleTableMu.Lock()
	defer ruleTableMu.Unlock()
	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := e.backend.Unblock(cmdCtx, canonical); err != nil {
		return fmt.Errorf("firewall: purge %s: %w", canonical, err)
	}
	return nil
}

// expire is the scheduled unblock. A failed removal keeps the entry and tries
// again after RetryDelay.
func (e *Enforcer) expire(ip string, gen uint64) {
	if err := e.remove(context.Background(), ip, gen, "expired"); err != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		if block, ok := e.entries[ip]; ok && block.gen == gen && !e.closed {
			block.timer = e.clock.AfterFunc(e.cfg.RetryDelay, func() { e.expire(ip, gen) })
		}
	}
}

// remove deletes the rule and then the entry. A non-zero gen restricts the
// removal to that specific block so a stale timer cannot lift a newer one.
func (e *Enforcer) remove(ctx context.Context, ip string, gen uint64, reason string) error {
	ruleTableMu.Lock()
	defer ruleTableMu.Unlock()

	e.mu.Lock()
	block, ok := e.entries[ip]
	if !ok || (gen != 0 && block.gen != gen) || (gen != 0 && e.closed) {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := e.backend.Unblock(cmdCtx, ip); err != nil {
		e.raiseAlert("unblock", ip, err)
		return fmt.Errorf("firewall: unblock %s: %w", ip, err)
	}
	e.clearAlert()

	e.mu.Lock()
	if current, ok := e.entries[ip]; ok && current == block {
		current.timer.Stop()
		delete(e.entries, ip)
	}
	active := len(e.entries)
	e.mu.Unlock()

	if e.cfg.Journal != nil {
		if err := e.cfg.Journal.Delete(ip); err != nil {
			e.logger.Warn("Failed to remove journal entry", logging.MaskField("remote_ip", ip), slog.Any("error", err))
		}
	}
	e.metrics.SetActiveBlocks(active)
	e.metrics.RecordDecision(reason)
	e.logger.Info("Deny rule removed",
		logging.MaskField("remote_ip", ip),
		slog.String("reason", reason),
		slog.String("backend", e.backend.Name()))
	return nil
}

// IsBlocked reports whether ip has an active entry.
func (e *Enforcer) IsBlocked(ip string) bool {
	canonical, _, err := canonicalIP(ip)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.entries[canonical]
	return ok
}

// Active returns the active entries ordered by address.
func (e *Enforcer) Active() []BlockEntry {
	e.mu.Lock()
	out := make([]BlockEntry, 0, len(e.entries))
	for _, block := range e.entries {
		out = append(out, block.entry)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// Alerting reports whether the most recent packet-filter command failed.
func (e *Enforcer) Alerting() bool {
	return e.alerting.Load()
}

// Restore reconciles the journal with the packet filter: expired entries have
// their leftover rule removed, live ones are re-installed for the remaining
// time. It returns the number of blocks restored.
func (e *Enforcer) Restore(ctx context.Context) (int, error) {
	if e.cfg.Journal == nil {
		return 0, nil
	}
	entries, err := e.cfg.Journal.Entries()
	if err != nil {
		return 0, err
	}
	now := e.now()
	restored := 0
	var errs []error
	for _, entry := range entries {
		remaining := entry.UnblockAt.Sub(now)
		if remaining <= 0 {
			if err := e.dropLeftover(ctx, entry.IP); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := e.install(ctx, entry.IP, entry.BlockedAt, remaining, "restored"); err != nil {
			errs = append(errs, err)
			continue
		}
		restored++
	}
	return restored, errors.Join(errs...)
}

func (e *Enforcer) dropLeftover(ctx context.Context, ip string) error {
	ruleTableMu.Lock()
	defer ruleTableMu.Unlock()
	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := e.backend.Unblock(cmdCtx, ip); err != nil {
		e.raiseAlert("unblock", ip, err)
		return fmt.Errorf("firewall: remove expired rule %s: %w", ip, err)
	}
	if err := e.cfg.Journal.Delete(ip); err != nil {
		return err
	}
	e.logger.Info("Removed expired rule left from a previous run", logging.MaskField("remote_ip", ip))
	return nil
}

// Shutdown stops pending timers. With a journal the rules are left in place
// for Restore to pick up; without one, and for blocks the journal failed to
// record, they are removed so none are orphaned.
func (e *Enforcer) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ips := make([]string, 0, len(e.entries))
	for ip, block := range e.entries {
		block.timer.Stop()
		if e.cfg.Journal == nil || block.unjournaled {
			ips = append(ips, ip)
		}
	}
	e.mu.Unlock()

	var errs []error
	for _, ip := range ips {
		if err := e.remove(ctx, ip, 0, "shutdown"); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Enforcer) raiseAlert(op, ip string, err error) {
	e.alerting.Store(true)
	e.metrics.RecordFirewallFailure(op)
	e.logger.Error("Packet filter command failed",
		slog.String("op", op),
		logging.MaskField("remote_ip", ip),
		slog.String("backend", e.backend.Name()),
		slog.Bool("alert", true),
		slog.Any("error", err))
}

func (e *Enforcer) clearAlert() {
	if e.alerting.Swap(false) {
		e.logger.Info("Packet filter recovered", slog.String("backend", e.backend.Name()))
	}
	e.metrics.ClearAlert()
}
