package p2p

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"

	"guardian/observability/logging"
	"guardian/observability/metrics"
)

const (
	defaultBootstrapInterval = 30 * time.Second
	defaultDialTimeout       = 5 * time.Second
	maxResponseBytes         = 1 << 20

	// BootnodeType is the node_type recorded for peers learned through the
	// bootstrap connector.
	BootnodeType = "bootnode"
)

var errSelfDial = errors.New("bootstrap: address is this bootnode")

// SeedSource yields additional bootstrap addresses each cycle.
type SeedSource interface {
	Resolve(ctx context.Context) ([]string, error)
}

// BootstrapConfig configures the outbound connector.
type BootstrapConfig struct {
	// Peers are static host:port addresses, dialled every cycle.
	Peers []string
	// Seeds optionally expands DNS seed domains into more addresses.
	Seeds       SeedSource
	Interval    time.Duration
	DialTimeout time.Duration
	// Request is the record this bootnode announces to its peers.
	Request    DiscoveryRequest
	BootnodeID string
}

// BootstrapResult records the outcome of one handshake attempt.
type BootstrapResult struct {
	Address    string
	PeerID     string
	BootnodeID string
	Peers      int
	Err        error
}

// Connector periodically handshakes with the configured bootstrap peers. A
// failing peer is logged and retried on the next cycle.
type Connector struct {
	cfg      BootstrapConfig
	registry *Registry
	clock    mclock.Clock
	dialer   *net.Dialer
	logger   *slog.Logger
	metrics  *metrics.DiscoveryMetrics

	mu      sync.Mutex
	results []BootstrapResult
}

// ConnectorOption customises a Connector.
type ConnectorOption func(*Connector)

// WithConnectorClock overrides the clock driving the cycle timer.
func WithConnectorClock(clock mclock.Clock) ConnectorOption {
	return func(c *Connector) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithConnectorLogger overrides the component logger.
func WithConnectorLogger(logger *slog.Logger) ConnectorOption {
	return func(c *Connector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConnector builds a connector that registers reachable bootstrap peers in
// registry.
func NewConnector(cfg BootstrapConfig, registry *Registry, opts ...ConnectorOption) *Connector {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultBootstrapInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Request.NodeType == "" {
		cfg.Request.NodeType = BootnodeType
	}
	c := &Connector{
		cfg:      cfg,
		registry: registry,
		clock:    mclock.System{},
		dialer:   &net.Dialer{Timeout: cfg.DialTimeout},
		logger:   slog.Default().With(slog.String("component", "bootstrap")),
		metrics:  metrics.Discovery(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run performs a cycle immediately and then once per interval until ctx is
// cancelled.
func (c *Connector) Run(ctx context.Context) error {
	if len(c.cfg.Peers) == 0 && c.cfg.Seeds == nil {
		return nil
	}
	c.RunOnce(ctx)
	timer := c.clock.NewTimer(c.cfg.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C():
			c.RunOnce(ctx)
			timer.Reset(c.cfg.Interval)
		}
	}
}

// RunOnce dials every bootstrap address once and returns the results.
func (c *Connector) RunOnce(ctx context.Context) []BootstrapResult {
	addrs := c.addresses(ctx)
	results := make([]BootstrapResult, 0, len(addrs))
	for _, addr := range addrs {
		if ctx.Err() != nil {
			break
		}
		result := BootstrapResult{Address: addr}
		resp, id, err := c.Handshake(ctx, addr)
		switch {
		case errors.Is(err, errSelfDial):
			c.logger.Debug("Skipping bootstrap address pointing at self",
				logging.MaskField("address", addr))
			continue
		case err != nil:
			result.Err = err
			c.metrics.RecordBootstrap("failure")
			c.logger.Warn("Bootstrap handshake failed",
				logging.MaskField("address", addr),
				slog.Any("error", err))
		default:
			result.PeerID = id
			result.BootnodeID = resp.BootnodeID
			result.Peers = len(resp.Peers)
			c.metrics.RecordBootstrap("success")
			c.logger.Info("Bootstrap handshake completed",
				logging.MaskField("address", addr),
				logging.MaskField("peer_id", id),
				slog.Int("peers", len(resp.Peers)))
		}
		results = append(results, result)
	}
	c.mu.Lock()
	c.results = results
	c.mu.Unlock()
	return results
}

// Results returns a copy of the last cycle's results.
func (c *Connector) Results() []BootstrapResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]BootstrapResult, len(c.results))
	copy(out, c.results)
	return out
}

// Handshake performs one discovery exchange with addr. On success the remote
// bootnode is registered and its registry ID returned.
func (c *Connector) Handshake(ctx context.Context, addr string) (DiscoveryResponse, string, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return DiscoveryResponse{}, "", fmt.Errorf("bootstrap: invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return DiscoveryResponse{}, "", fmt.Errorf("bootstrap: invalid port in %q", addr)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, err := c.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return DiscoveryResponse{}, "", fmt.Errorf("bootstrap: dial %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	payload, err := EncodeRequest(c.cfg.Request)
	if err != nil {
		return DiscoveryResponse{}, "", err
	}
	if _, err := conn.Write(payload); err != nil {
		return DiscoveryResponse{}, "", fmt.Errorf("bootstrap: write %s: %w", addr, err)
	}
	reader := bufio.NewReader(io.LimitReader(conn, maxResponseBytes))
	line, err := reader.ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(strings.TrimSpace(string(line))) > 0) {
		return DiscoveryResponse{}, "", fmt.Errorf("bootstrap: read %s: %w", addr, err)
	}
	resp, err := ParseResponse(line)
	if err != nil {
		return DiscoveryResponse{}, "", fmt.Errorf("bootstrap: %s: %w", addr, err)
	}
	if c.cfg.BootnodeID != "" && resp.BootnodeID == c.cfg.BootnodeID {
		return resp, "", errSelfDial
	}
	if resp.ChainID != c.cfg.Request.ChainID {
		return resp, "", fmt.Errorf("bootstrap: %s: %w: got %q", addr, ErrChainMismatch, resp.ChainID)
	}
	if c.registry == nil {
		return resp, "", nil
	}
	id := c.registry.RegisterOrRefresh(remoteIP(conn.RemoteAddr()), port, PeerMetadata{
		ChainID:  resp.ChainID,
		NodeType: BootnodeType,
	})
	return resp, id, nil
}

func (c *Connector) addresses(ctx context.Context) []string {
	seen := make(map[string]struct{}, len(c.cfg.Peers))
	out := make([]string, 0, len(c.cfg.Peers))
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	for _, addr := range c.cfg.Peers {
		add(addr)
	}
	if c.cfg.Seeds != nil {
		seeded, err := c.cfg.Seeds.Resolve(ctx)
		if err != nil {
			c.logger.Warn("DNS seed resolution failed", slog.Any("error", err))
		}
		for _, addr := range seeded {
			add(addr)
		}
	}
	return out
}
