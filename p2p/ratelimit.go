package p2p

import (
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/common/mclock"
)

const (
	defaultRateWindow    = time.Minute
	defaultMaxTrackedIPs = 10000
)

// LimiterConfig configures the per-source sliding window.
type LimiterConfig struct {
	// Limit is the number of requests accepted per source within Window. A
	// non-positive limit disables limiting.
	Limit  int
	Window time.Duration
	// MaxTrackedIPs bounds the number of sources kept in memory. The least
	// recently seen source is forgotten first.
	MaxTrackedIPs int
	// BanThreshold is the number of rejected requests after which the source
	// is banned for BanDuration. Zero disables bans.
	BanThreshold int
	BanDuration  time.Duration
}

type sourceWindow struct {
	hits        []mclock.AbsTime
	violations  int
	bannedUntil mclock.AbsTime
}

// Limiter is a per-IP sliding-window request counter backed by a bounded LRU.
type Limiter struct {
	cfg LimiterConfig

	mu      sync.Mutex
	sources lru.BasicLRU[string, *sourceWindow]
}

// NewLimiter constructs a limiter.
func NewLimiter(cfg LimiterConfig) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = defaultRateWindow
	}
	if cfg.MaxTrackedIPs <= 0 {
		cfg.MaxTrackedIPs = defaultMaxTrackedIPs
	}
	if cfg.BanThreshold < 0 {
		cfg.BanThreshold = 0
	}
	return &Limiter{
		cfg:     cfg,
		sources: lru.NewBasicLRU[string, *sourceWindow](cfg.MaxTrackedIPs),
	}
}

// Allow reports whether a request from ip at now is within the allowance.
func (l *Limiter) Allow(ip string, now mclock.AbsTime) bool {
	return l.Check(ip, now) == nil
}

// Check records a request from ip at now. It returns ErrBanned while the
// source serves a ban and ErrRateLimited when the window is already full; in
// both cases the request is not added to the window.
func (l *Limiter) Check(ip string, now mclock.AbsTime) error {
	if l == nil || l.cfg.Limit <= 0 {
		return nil
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.sources.Get(ip)
	if !ok {
		state = &sourceWindow{}
		l.sources.Add(ip, state)
	}
	if state.bannedUntil != 0 {
		if now < state.bannedUntil {
			return ErrBanned
		}
		state.bannedUntil = 0
		state.violations = 0
	}
	state.hits = l.pruneLocked(state.hits, now)
	if len(state.hits) >= l.cfg.Limit {
		state.violations++
		if l.cfg.BanThreshold > 0 && state.violations >= l.cfg.BanThreshold {
			state.bannedUntil = now.Add(l.cfg.BanDuration)
			state.violations = 0
		}
		return ErrRateLimited
	}
	state.hits = append(state.hits, now)
	return nil
}

// Banned reports whether ip is currently banned. It does not refresh the
// source's LRU position.
func (l *Limiter) Banned(ip string, now mclock.AbsTime) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.sources.Peek(strings.TrimSpace(ip))
	if !ok {
		return false
	}
	return state.bannedUntil != 0 && now < state.bannedUntil
}

// Sweep forgets sources whose window is empty and who are not banned. It
// returns the number of sources removed.
func (l *Limiter) Sweep(now mclock.AbsTime) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for _, ip := range l.sources.Keys() {
		state, ok := l.sources.Peek(ip)
		if !ok {
			continue
		}
		state.hits = l.pruneLocked(state.hits, now)
		if len(state.hits) == 0 && (state.bannedUntil == 0 || now >= state.bannedUntil) {
			l.sources.Remove(ip)
			removed++
		}
	}
	return removed
}

// Tracked reports how many sources are currently held.
func (l *Limiter) Tracked() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sources.Len()
}

func (l *Limiter) pruneLocked(hits []mclock.AbsTime, now mclock.AbsTime) []mclock.AbsTime {
	keep := 0
	for _, hit := range hits {
		if now.Sub(hit) < l.cfg.Window {
			hits[keep] = hit
			keep++
		}
	}
	return hits[:keep]
}
