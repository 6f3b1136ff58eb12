package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Validate rejects settings the daemons cannot run with. Every problem found
// is reported.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.ChainID == "" {
		add("chain_id: must not be empty")
	}
	if c.P2PPort < 1 || c.P2PPort > 65535 {
		add("p2p_port: %d out of range", c.P2PPort)
	}
	if net.ParseIP(c.ListenHost) == nil && c.ListenHost != "localhost" {
		add("listen_host: %q is not an IP address", c.ListenHost)
	}
	for name, value := range map[string]int{
		"max_peers":               c.MaxPeers,
		"registry_capacity":       c.RegistryCapacity,
		"discovery_interval":      c.DiscoveryInterval,
		"peer_timeout":            c.PeerTimeout,
		"read_timeout":            c.ReadTimeout,
		"max_inbound_connections": c.MaxInboundConnections,
		"shutdown_grace":          c.ShutdownGrace,
	} {
		if value <= 0 {
			add("%s: must be positive", name)
		}
	}
	for _, peer := range c.BootstrapPeers {
		if err := validHostPort(peer); err != nil {
			add("bootstrap_peers: %w", err)
		}
	}
	if c.DNSServer != "" {
		if _, _, err := net.SplitHostPort(c.DNSServer); err != nil && net.ParseIP(c.DNSServer) == nil {
			add("dns_server: %q is neither host:port nor an IP", c.DNSServer)
		}
	}

	sec := c.Security
	if sec.RateLimitPerIP < 0 {
		add("security: rate_limit_per_ip < 0")
	}
	if sec.RateLimitWindow <= 0 {
		add("security: rate_limit_window <= 0")
	}
	if sec.MaxTrackedIPs <= 0 {
		add("security: max_tracked_ips <= 0")
	}
	if sec.BanThreshold < 0 || sec.BanDuration < 0 {
		add("security: ban_threshold and ban_duration must not be negative")
	}

	s := c.Sentry
	if s.MaxConnectionsPerIP <= 0 {
		add("sentry: max_connections_per_ip <= 0")
	}
	if s.RateLimitRequestsPerMinute <= 0 {
		add("sentry: rate_limit_requests_per_minute <= 0")
	}
	if s.DDoSProtection.MaxPacketRate <= 0 {
		add("sentry: ddos_protection.max_packet_rate <= 0")
	}
	if s.DDoSProtection.BlockDurationMinutes <= 0 {
		add("sentry: ddos_protection.block_duration_minutes <= 0")
	}
	if s.MonitorInterval <= 0 {
		add("sentry: monitor_interval <= 0")
	}
	for _, peer := range s.ValidatorPrivatePeers {
		if err := validHostPort(peer); err != nil {
			add("sentry: validator_private_peers: %w", err)
		}
	}
	for _, port := range s.WatchPorts {
		if port < 1 || port > 65535 {
			add("sentry: watch_ports: %d out of range", port)
		}
	}
	for _, cidr := range s.NeverBlock {
		if _, _, err := net.ParseCIDR(strings.TrimSpace(cidr)); err != nil {
			add("sentry: never_block: %w", err)
		}
	}
	if s.ProxyListen != "" {
		if err := validHostPort(s.ProxyListen); err != nil {
			add("sentry: proxy_listen: %w", err)
		}
		if len(s.ValidatorPrivatePeers) == 0 {
			add("sentry: proxy_listen requires validator_private_peers")
		}
	}
	switch s.Firewall.Backend {
	case "iptables", "pf", "dryrun":
	default:
		add("sentry: firewall.backend %q is not one of iptables, pf, dryrun", s.Firewall.Backend)
	}
	return errors.Join(errs...)
}

func validHostPort(addr string) error {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("invalid port in %q", addr)
	}
	if host == "" && port == 0 {
		return fmt.Errorf("invalid address %q", addr)
	}
	return nil
}
