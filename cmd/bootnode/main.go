package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"guardian/config"
	"guardian/observability/logging"
	"guardian/observability/metrics"
	"guardian/p2p"
	"guardian/p2p/seeds"
)

func main() {
	configFile := flag.String("config", "./guardian.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load config", slog.String("path", *configFile), slog.Any("error", err))
		os.Exit(1)
	}

	env := strings.TrimSpace(cfg.Logging.Env)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("GUARDIAN_ENV"))
	}
	logger := logging.Setup("bootnode", env, logging.Options{
		Level:           cfg.Logging.Level,
		File:            cfg.Logging.File,
		MaxSizeMB:       cfg.Logging.MaxSizeMB,
		MaxBackups:      cfg.Logging.MaxBackups,
		MaxAgeDays:      cfg.Logging.MaxAgeDays,
		RedactAddresses: cfg.Logging.RedactAddresses,
	})

	registry := p2p.NewRegistry(p2p.RegistryConfig{
		PeerTimeout: cfg.PeerTimeoutDuration(),
		Capacity:    cfg.RegistryCapacity,
	})
	limiter := p2p.NewLimiter(p2p.LimiterConfig{
		Limit:         cfg.Security.RateLimitPerIP,
		Window:        cfg.Security.WindowDuration(),
		MaxTrackedIPs: cfg.Security.MaxTrackedIPs,
		BanThreshold:  cfg.Security.BanThreshold,
		BanDuration:   cfg.Security.BanDurationValue(),
	})
	server := p2p.NewServer(p2p.ServerConfig{
		ListenAddress:    cfg.ListenAddress(),
		BootnodeID:       cfg.BootnodeID,
		ChainID:          cfg.ChainID,
		MaxPeersReturned: cfg.MaxPeers,
		ReadTimeout:      cfg.ReadTimeoutDuration(),
		MaxConnections:   cfg.MaxInboundConnections,
		ShutdownGrace:    cfg.ShutdownGraceDuration(),
	}, registry, limiter)

	// Failing to bind the discovery port is the only fatal runtime condition.
	if err := server.Listen(); err != nil {
		logger.Error("Failed to bind discovery port", slog.Any("error", err))
		os.Exit(1)
	}

	var seedSource p2p.SeedSource
	if len(cfg.DNSSeeds) > 0 {
		resolver, err := seeds.NewDNSResolver(cfg.DNSServer)
		if err != nil {
			logger.Warn("DNS seeds disabled", slog.Any("error", err))
		} else {
			seedSource = &seeds.Source{Domains: cfg.DNSSeeds, Resolver: resolver}
		}
	}
	connector := p2p.NewConnector(p2p.BootstrapConfig{
		Peers:    cfg.BootstrapPeers,
		Seeds:    seedSource,
		Interval: cfg.DiscoveryIntervalDuration(),
		Request: p2p.DiscoveryRequest{
			Port:     cfg.P2PPort,
			ChainID:  cfg.ChainID,
			NodeType: p2p.BootnodeType,
			Version:  cfg.NodeVersion,
		},
		BootnodeID: cfg.BootnodeID,
	}, registry)
	reaper := p2p.NewReaper(registry, limiter, cfg.DiscoveryIntervalDuration(), nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Bootnode starting",
		logging.MaskField("bootnode_id", cfg.BootnodeID),
		slog.String("chain_id", cfg.ChainID),
		slog.Int("bootstrap_peers", len(cfg.BootstrapPeers)),
		slog.Int("dns_seeds", len(cfg.DNSSeeds)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Serve(gctx) })
	g.Go(func() error { return connector.Run(gctx) })
	g.Go(func() error { return reaper.Run(gctx) })
	g.Go(func() error {
		return metrics.RunTextfileExporter(gctx, cfg.Metrics.TextfilePath, cfg.Metrics.IntervalDuration(), logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Bootnode stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Bootnode stopped")
}
