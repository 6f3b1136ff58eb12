package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListenHost            = "0.0.0.0"
	DefaultP2PPort               = 30303
	DefaultChainID               = "guardian-mainnet"
	DefaultNodeVersion           = "1.0"
	DefaultMaxPeers              = 50
	DefaultRegistryCapacity      = 4096
	DefaultDiscoveryInterval     = 30
	DefaultPeerTimeout           = 300
	DefaultReadTimeout           = 5
	DefaultMaxInboundConnections = 256
	DefaultShutdownGrace         = 5

	DefaultRateLimitPerIP  = 10
	DefaultRateLimitWindow = 60
	DefaultMaxTrackedIPs   = 10000
	DefaultBanThreshold    = 5
	DefaultBanDuration     = 3600

	DefaultMaxConnectionsPerIP        = 10
	DefaultRateLimitRequestsPerMinute = 120
	DefaultMaxPacketRate              = 1000
	DefaultBlockDurationMinutes       = 60
	DefaultMonitorInterval            = 10
	DefaultProcRoot                   = "/proc"
	DefaultProxyDialTimeout           = 5
	DefaultFirewallBackend            = "iptables"
	DefaultFirewallChain              = "INPUT"
	DefaultPFTable                    = "guardian_blocked"

	DefaultLogLevel       = "info"
	DefaultMetricsSeconds = 15
)

// Config is the static configuration shared by the bootnode and sentry daemons.
type Config struct {
	BootnodeID            string   `toml:"bootnode_id" yaml:"bootnode_id"`
	ListenHost            string   `toml:"listen_host" yaml:"listen_host"`
	P2PPort               int      `toml:"p2p_port" yaml:"p2p_port"`
	MaxPeers              int      `toml:"max_peers" yaml:"max_peers"`
	RegistryCapacity      int      `toml:"registry_capacity" yaml:"registry_capacity"`
	DiscoveryInterval     int      `toml:"discovery_interval" yaml:"discovery_interval"`
	PeerTimeout           int      `toml:"peer_timeout" yaml:"peer_timeout"`
	ReadTimeout           int      `toml:"read_timeout" yaml:"read_timeout"`
	MaxInboundConnections int      `toml:"max_inbound_connections" yaml:"max_inbound_connections"`
	ShutdownGrace         int      `toml:"shutdown_grace" yaml:"shutdown_grace"`
	BootstrapPeers        []string `toml:"bootstrap_peers" yaml:"bootstrap_peers"`
	DNSSeeds              []string `toml:"dns_seeds" yaml:"dns_seeds"`
	DNSServer             string   `toml:"dns_server" yaml:"dns_server"`
	ChainID               string   `toml:"chain_id" yaml:"chain_id"`
	NodeVersion           string   `toml:"node_version" yaml:"node_version"`

	Security Security `toml:"security" yaml:"security"`
	Sentry   Sentry   `toml:"sentry" yaml:"sentry"`
	Logging  Logging  `toml:"logging" yaml:"logging"`
	Metrics  Metrics  `toml:"metrics" yaml:"metrics"`
}

// Security configures the discovery rate limiter. A zero value for any
// field, whether omitted or written explicitly, selects the default; the
// limiter and bans cannot be switched off from the config file.
type Security struct {
	RateLimitPerIP  int `toml:"rate_limit_per_ip" yaml:"rate_limit_per_ip"`
	RateLimitWindow int `toml:"rate_limit_window" yaml:"rate_limit_window"`
	MaxTrackedIPs   int `toml:"max_tracked_ips" yaml:"max_tracked_ips"`
	BanThreshold    int `toml:"ban_threshold" yaml:"ban_threshold"`
	BanDuration     int `toml:"ban_duration" yaml:"ban_duration"`
}

// Sentry configures the connection monitor, firewall enforcer and validator
// proxy.
type Sentry struct {
	MaxConnectionsPerIP        int            `toml:"max_connections_per_ip" yaml:"max_connections_per_ip"`
	RateLimitRequestsPerMinute int            `toml:"rate_limit_requests_per_minute" yaml:"rate_limit_requests_per_minute"`
	ValidatorPrivatePeers      []string       `toml:"validator_private_peers" yaml:"validator_private_peers"`
	DDoSProtection             DDoSProtection `toml:"ddos_protection" yaml:"ddos_protection"`
	MonitorInterval            int            `toml:"monitor_interval" yaml:"monitor_interval"`
	WatchPorts                 []int          `toml:"watch_ports" yaml:"watch_ports"`
	NeverBlock                 []string       `toml:"never_block" yaml:"never_block"`
	ProcRoot                   string         `toml:"proc_root" yaml:"proc_root"`
	StateDir                   string         `toml:"state_dir" yaml:"state_dir"`
	ProxyListen                string         `toml:"proxy_listen" yaml:"proxy_listen"`
	ProxyDialTimeout           int            `toml:"proxy_dial_timeout" yaml:"proxy_dial_timeout"`
	Firewall                   Firewall       `toml:"firewall" yaml:"firewall"`
}

// DDoSProtection toggles enforcement and sets its thresholds. Enabled is a
// pointer so an omitted key keeps the default of true.
type DDoSProtection struct {
	Enabled              *bool `toml:"enabled" yaml:"enabled"`
	MaxPacketRate        int   `toml:"max_packet_rate" yaml:"max_packet_rate"`
	BlockDurationMinutes int   `toml:"block_duration_minutes" yaml:"block_duration_minutes"`
}

// Firewall selects the packet-filter backend.
type Firewall struct {
	Backend string `toml:"backend" yaml:"backend"`
	Chain   string `toml:"chain" yaml:"chain"`
	PFTable string `toml:"pf_table" yaml:"pf_table"`
}

// Logging configures structured log output.
type Logging struct {
	Level           string `toml:"level" yaml:"level"`
	Env             string `toml:"env" yaml:"env"`
	File            string `toml:"file" yaml:"file"`
	MaxSizeMB       int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups      int    `toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays      int    `toml:"max_age_days" yaml:"max_age_days"`
	RedactAddresses bool   `toml:"redact_addresses" yaml:"redact_addresses"`
}

// Metrics configures the Prometheus textfile exporter.
type Metrics struct {
	TextfilePath string `toml:"textfile_path" yaml:"textfile_path"`
	Interval     int    `toml:"interval" yaml:"interval"`
}

// Load reads the configuration at path, choosing the decoder by extension.
// A missing file is created with defaults so the generated bootnode_id stays
// stable across restarts.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := &Config{}
	switch format(path) {
	case "yaml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, key := range undecoded {
				keys = append(keys, key.String())
			}
			return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{ChainID: DefaultChainID}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every zero-valued setting with its default.
func (c *Config) ApplyDefaults() {
	c.BootnodeID = strings.TrimSpace(c.BootnodeID)
	if c.BootnodeID == "" {
		c.BootnodeID = "bootnode-" + uuid.NewString()
	}
	if strings.TrimSpace(c.ListenHost) == "" {
		c.ListenHost = DefaultListenHost
	}
	setInt(&c.P2PPort, DefaultP2PPort)
	setInt(&c.MaxPeers, DefaultMaxPeers)
	setInt(&c.RegistryCapacity, DefaultRegistryCapacity)
	setInt(&c.DiscoveryInterval, DefaultDiscoveryInterval)
	setInt(&c.PeerTimeout, DefaultPeerTimeout)
	setInt(&c.ReadTimeout, DefaultReadTimeout)
	setInt(&c.MaxInboundConnections, DefaultMaxInboundConnections)
	setInt(&c.ShutdownGrace, DefaultShutdownGrace)
	c.ChainID = strings.TrimSpace(c.ChainID)
	if strings.TrimSpace(c.NodeVersion) == "" {
		c.NodeVersion = DefaultNodeVersion
	}
	if c.BootstrapPeers == nil {
		c.BootstrapPeers = []string{}
	}
	if c.DNSSeeds == nil {
		c.DNSSeeds = []string{}
	}

	setInt(&c.Security.RateLimitPerIP, DefaultRateLimitPerIP)
	setInt(&c.Security.RateLimitWindow, DefaultRateLimitWindow)
	setInt(&c.Security.MaxTrackedIPs, DefaultMaxTrackedIPs)
	setInt(&c.Security.BanThreshold, DefaultBanThreshold)
	setInt(&c.Security.BanDuration, DefaultBanDuration)

	s := &c.Sentry
	setInt(&s.MaxConnectionsPerIP, DefaultMaxConnectionsPerIP)
	setInt(&s.RateLimitRequestsPerMinute, DefaultRateLimitRequestsPerMinute)
	if s.DDoSProtection.Enabled == nil {
		enabled := true
		s.DDoSProtection.Enabled = &enabled
	}
	setInt(&s.DDoSProtection.MaxPacketRate, DefaultMaxPacketRate)
	setInt(&s.DDoSProtection.BlockDurationMinutes, DefaultBlockDurationMinutes)
	setInt(&s.MonitorInterval, DefaultMonitorInterval)
	setInt(&s.ProxyDialTimeout, DefaultProxyDialTimeout)
	if strings.TrimSpace(s.ProcRoot) == "" {
		s.ProcRoot = DefaultProcRoot
	}
	if s.ValidatorPrivatePeers == nil {
		s.ValidatorPrivatePeers = []string{}
	}
	s.Firewall.Backend = strings.ToLower(strings.TrimSpace(s.Firewall.Backend))
	if s.Firewall.Backend == "" {
		s.Firewall.Backend = DefaultFirewallBackend
	}
	if strings.TrimSpace(s.Firewall.Chain) == "" {
		s.Firewall.Chain = DefaultFirewallChain
	}
	if strings.TrimSpace(s.Firewall.PFTable) == "" {
		s.Firewall.PFTable = DefaultPFTable
	}

	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = DefaultLogLevel
	}
	setInt(&c.Metrics.Interval, DefaultMetricsSeconds)
}

// ListenAddress is the discovery bind address.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.P2PPort))
}

// DiscoveryIntervalDuration is the reaper and bootstrap cycle.
func (c *Config) DiscoveryIntervalDuration() time.Duration {
	return seconds(c.DiscoveryInterval)
}

// PeerTimeoutDuration is the peer liveness horizon.
func (c *Config) PeerTimeoutDuration() time.Duration {
	return seconds(c.PeerTimeout)
}

// ReadTimeoutDuration bounds a single discovery read.
func (c *Config) ReadTimeoutDuration() time.Duration {
	return seconds(c.ReadTimeout)
}

// ShutdownGraceDuration bounds how long in-flight connections may finish.
func (c *Config) ShutdownGraceDuration() time.Duration {
	return seconds(c.ShutdownGrace)
}

// WindowDuration is the sliding rate-limit window.
func (s Security) WindowDuration() time.Duration {
	return seconds(s.RateLimitWindow)
}

// BanDurationValue is how long a repeat offender stays banned.
func (s Security) BanDurationValue() time.Duration {
	return seconds(s.BanDuration)
}

// MonitorIntervalDuration is the connection monitor poll period.
func (s Sentry) MonitorIntervalDuration() time.Duration {
	return seconds(s.MonitorInterval)
}

// ProxyDialTimeoutDuration bounds dials to validators.
func (s Sentry) ProxyDialTimeoutDuration() time.Duration {
	return seconds(s.ProxyDialTimeout)
}

// EnforcementEnabled reports whether offenders are blocked or only logged.
func (s Sentry) EnforcementEnabled() bool {
	return s.DDoSProtection.Enabled == nil || *s.DDoSProtection.Enabled
}

// BlockDuration is how long a firewall block lasts.
func (d DDoSProtection) BlockDuration() time.Duration {
	return time.Duration(d.BlockDurationMinutes) * time.Minute
}

// IntervalDuration is the textfile export period.
func (m Metrics) IntervalDuration() time.Duration {
	return seconds(m.Interval)
}

func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if format(path) == "yaml" {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}

func format(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "toml"
	}
}

func setInt(field *int, def int) {
	if *field == 0 {
		*field = def
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
