// Package firewall installs and removes per-address deny rules with
// scheduled expiry.
package firewall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"

	"guardian/observability/logging"
)

// ErrInvalidIP is returned when a block target is not a literal IP address.
var ErrInvalidIP = errors.New("firewall: invalid IP address")

// Backend is the narrow capability over one platform's packet filter. Both
// operations must be idempotent.
type Backend interface {
	Name() string
	Block(ctx context.Context, ip string) error
	Unblock(ctx context.Context, ip string) error
}

// BackendConfig selects and parameterises a backend.
type BackendConfig struct {
	// Kind is one of "iptables", "pf" or "dryrun".
	Kind    string
	Chain   string
	PFTable string
}

// NewBackend builds the backend named by cfg.Kind.
func NewBackend(cfg BackendConfig) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", "iptables":
		return NewIPTables(cfg.Chain)
	case "pf":
		return NewPF(cfg.PFTable, nil), nil
	case "dryrun":
		return NewDryRun(), nil
	default:
		return nil, fmt.Errorf("firewall: unknown backend %q", cfg.Kind)
	}
}

// canonicalIP validates ip and renders it in its shortest form.
func canonicalIP(ip string) (string, net.IP, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.String(), v4, nil
	}
	return parsed.String(), parsed, nil
}

// DryRun records rules in memory and logs what it would have done.
type DryRun struct {
	mu     sync.Mutex
	rules  map[string]struct{}
	logger *slog.Logger
}

// NewDryRun returns an in-memory backend.
func NewDryRun() *DryRun {
	return &DryRun{
		rules:  make(map[string]struct{}),
		logger: slog.Default().With(slog.String("component", "firewall_dryrun")),
	}
}

func (d *DryRun) Name() string { return "dryrun" }

func (d *DryRun) Block(_ context.Context, ip string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rules[ip] = struct{}{}
	d.logger.Info("Would install deny rule", logging.MaskField("remote_ip", ip))
	return nil
}

func (d *DryRun) Unblock(_ context.Context, ip string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.rules, ip)
	d.logger.Info("Would remove deny rule", logging.MaskField("remote_ip", ip))
	return nil
}

// Rules lists the addresses currently denied.
func (d *DryRun) Rules() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.rules))
	for ip := range d.rules {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}
