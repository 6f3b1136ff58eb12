// Package proxy relays inbound connections to the private validator set and
// nowhere else.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrTargetNotAllowed is returned when a dial target is outside the
	// configured validator set.
	ErrTargetNotAllowed = errors.New("proxy: target not in validator set")
	// ErrNoValidator is returned when no validator could be reached.
	ErrNoValidator = errors.New("proxy: no validator reachable")
)

// Dialer opens upstream connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Boundary is the fixed set of validator addresses the proxy may reach. It is
// built once at startup and never grows.
type Boundary struct {
	targets []string
	allowed map[string]struct{}

	mu   sync.Mutex
	next int
}

// NewBoundary validates the validator addresses.
func NewBoundary(targets []string) (*Boundary, error) {
	b := &Boundary{allowed: make(map[string]struct{}, len(targets))}
	for _, target := range targets {
		normalized, err := normalizeTarget(target)
		if err != nil {
			return nil, err
		}
		if _, dup := b.allowed[normalized]; dup {
			continue
		}
		b.allowed[normalized] = struct{}{}
		b.targets = append(b.targets, normalized)
	}
	return b, nil
}

// Targets returns a copy of the validator addresses.
func (b *Boundary) Targets() []string {
	return append([]string(nil), b.targets...)
}

// Allowed reports whether addr is one of the validator addresses.
func (b *Boundary) Allowed(addr string) bool {
	normalized, err := normalizeTarget(addr)
	if err != nil {
		return false
	}
	_, ok := b.allowed[normalized]
	return ok
}

// DialTarget dials addr only if it is inside the boundary.
func (b *Boundary) DialTarget(ctx context.Context, dialer Dialer, addr string) (net.Conn, error) {
	if !b.Allowed(addr) {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotAllowed, addr)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

// Dial connects to the next validator in round-robin order, moving on to the
// following one when a dial fails.
func (b *Boundary) Dial(ctx context.Context, dialer Dialer) (net.Conn, string, error) {
	if len(b.targets) == 0 {
		return nil, "", ErrNoValidator
	}
	b.mu.Lock()
	start := b.next
	b.next = (b.next + 1) % len(b.targets)
	b.mu.Unlock()

	var errs []error
	for i := 0; i < len(b.targets); i++ {
		target := b.targets[(start+i)%len(b.targets)]
		conn, err := b.DialTarget(ctx, dialer, target)
		if err == nil {
			return conn, target, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, "", fmt.Errorf("%w: %w", ErrNoValidator, errors.Join(errs...))
}

func normalizeTarget(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "", fmt.Errorf("proxy: invalid validator address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 || host == "" {
		return "", fmt.Errorf("proxy: invalid validator address %q", addr)
	}
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			host = v4.String()
		} else {
			host = ip.String()
		}
	} else {
		host = strings.ToLower(host)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
