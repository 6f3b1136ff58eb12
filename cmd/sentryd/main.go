package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"guardian/config"
	"guardian/observability/logging"
	"guardian/observability/metrics"
	"guardian/sentry"
	"guardian/sentry/firewall"
	"guardian/sentry/proxy"
)

const shutdownTimeout = 10 * time.Second

func usage() {
	fmt.Fprint(os.Stderr, `Usage:
  sentryd [-config path]                 run the connection monitor and validator proxy
  sentryd flush [-config path]           remove every journalled deny rule
  sentryd unblock -ip ADDR [-config path] lift the block on a single address
`)
}

func main() {
	args := os.Args[1:]
	command := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	var err error
	switch command {
	case "run":
		err = runDaemon(args)
	case "flush":
		err = runFlush(args)
	case "unblock":
		err = runUnblock(args)
	case "help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("sentryd failed", slog.String("command", command), slog.Any("error", err))
		os.Exit(1)
	}
}

func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, *slog.Logger, error) {
	configFile := fs.String("config", "./guardian.toml", "Path to the configuration file")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(*configFile)
	if err != nil {
		return nil, nil, err
	}
	env := strings.TrimSpace(cfg.Logging.Env)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("GUARDIAN_ENV"))
	}
	logger := logging.Setup("sentryd", env, logging.Options{
		Level:           cfg.Logging.Level,
		File:            cfg.Logging.File,
		MaxSizeMB:       cfg.Logging.MaxSizeMB,
		MaxBackups:      cfg.Logging.MaxBackups,
		MaxAgeDays:      cfg.Logging.MaxAgeDays,
		RedactAddresses: cfg.Logging.RedactAddresses,
	})
	return cfg, logger, nil
}

// openEnforcer builds the firewall backend and enforcer, attaching the block
// journal when a state directory is configured.
func openEnforcer(cfg *config.Config, logger *slog.Logger) (*firewall.Enforcer, *firewall.Journal, error) {
	backend, err := firewall.NewBackend(firewall.BackendConfig{
		Kind:    cfg.Sentry.Firewall.Backend,
		Chain:   cfg.Sentry.Firewall.Chain,
		PFTable: cfg.Sentry.Firewall.PFTable,
	})
	if err != nil {
		return nil, nil, err
	}
	var journal *firewall.Journal
	if dir := strings.TrimSpace(cfg.Sentry.StateDir); dir != "" {
		journal, err = firewall.OpenJournal(dir)
		if err != nil {
			return nil, nil, err
		}
	}
	enforcer := firewall.NewEnforcer(backend, firewall.Config{
		BlockDuration: cfg.Sentry.DDoSProtection.BlockDuration(),
		Journal:       journal,
		Logger:        logger.With(slog.String("component", "firewall")),
	})
	return enforcer, journal, nil
}

func runDaemon(args []string) error {
	cfg, logger, err := loadConfig(flag.NewFlagSet("sentryd", flag.ExitOnError), args)
	if err != nil {
		return err
	}

	enforcer, journal, err := openEnforcer(cfg, logger)
	if err != nil {
		return err
	}
	if journal != nil {
		defer journal.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if restored, err := enforcer.Restore(ctx); err != nil {
		logger.Warn("Block journal restore incomplete", slog.Int("restored", restored), slog.Any("error", err))
	} else if restored > 0 {
		logger.Info("Restored active blocks", slog.Int("count", restored))
	}

	source, err := sentry.NewProcSource(cfg.Sentry.ProcRoot)
	if err != nil {
		return err
	}
	monitor, err := sentry.NewMonitor(sentry.MonitorConfig{
		MaxConnectionsPerIP: cfg.Sentry.MaxConnectionsPerIP,
		Interval:            cfg.Sentry.MonitorIntervalDuration(),
		Enforce:             cfg.Sentry.EnforcementEnabled(),
		WatchPorts:          cfg.Sentry.WatchPorts,
		NeverBlock:          cfg.Sentry.NeverBlock,
		Validators:          cfg.Sentry.ValidatorPrivatePeers,
	}, source, enforcer)
	if err != nil {
		return err
	}

	var validatorProxy *proxy.Server
	if listen := strings.TrimSpace(cfg.Sentry.ProxyListen); listen != "" {
		boundary, err := proxy.NewBoundary(cfg.Sentry.ValidatorPrivatePeers)
		if err != nil {
			return err
		}
		validatorProxy = proxy.NewServer(proxy.ServerConfig{
			ListenAddress:     listen,
			RequestsPerMinute: cfg.Sentry.RateLimitRequestsPerMinute,
			MaxPacketRate:     cfg.Sentry.DDoSProtection.MaxPacketRate,
			DialTimeout:       cfg.Sentry.ProxyDialTimeoutDuration(),
		}, boundary, enforcer)
		if err := validatorProxy.Listen(); err != nil {
			return err
		}
	}

	logger.Info("Sentry starting",
		slog.Bool("enforce", cfg.Sentry.EnforcementEnabled()),
		slog.String("firewall_backend", cfg.Sentry.Firewall.Backend),
		slog.Int("max_connections_per_ip", cfg.Sentry.MaxConnectionsPerIP),
		slog.Int("validators", len(cfg.Sentry.ValidatorPrivatePeers)),
		slog.Bool("proxy", validatorProxy != nil))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(gctx) })
	if validatorProxy != nil {
		g.Go(func() error { return validatorProxy.Serve(gctx) })
	}
	g.Go(func() error {
		return metrics.RunTextfileExporter(gctx, cfg.Metrics.TextfilePath, cfg.Metrics.IntervalDuration(), logger)
	})
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := enforcer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to remove deny rules on shutdown", slog.Any("error", err))
	}
	logger.Info("Sentry stopped")
	return runErr
}

func runFlush(args []string) error {
	cfg, logger, err := loadConfig(flag.NewFlagSet("flush", flag.ExitOnError), args)
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Sentry.StateDir) == "" {
		return errors.New("flush requires sentry.state_dir")
	}
	enforcer, journal, err := openEnforcer(cfg, logger)
	if err != nil {
		return err
	}
	defer journal.Close()

	ctx := context.Background()
	// Restore first so expired leftovers are dropped and live entries are
	// tracked, then revoke whatever remains.
	_, restoreErr := enforcer.Restore(ctx)
	var errs []error
	if restoreErr != nil {
		errs = append(errs, restoreErr)
	}
	removed := 0
	for _, entry := range enforcer.Active() {
		if err := enforcer.Revoke(ctx, entry.IP); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if err := enforcer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	logger.Info("Flushed deny rules", slog.Int("removed", removed))
	return errors.Join(errs...)
}

func runUnblock(args []string) error {
	fs := flag.NewFlagSet("unblock", flag.ExitOnError)
	ip := fs.String("ip", "", "Address to unblock")
	cfg, logger, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*ip) == "" {
		return errors.New("unblock requires -ip")
	}
	enforcer, journal, err := openEnforcer(cfg, logger)
	if err != nil {
		return err
	}
	if journal != nil {
		defer journal.Close()
	}

	ctx := context.Background()
	if _, err := enforcer.Restore(ctx); err != nil {
		logger.Warn("Block journal restore incomplete", slog.Any("error", err))
	}
	if enforcer.IsBlocked(*ip) {
		err = enforcer.Revoke(ctx, *ip)
	} else {
		// Not journalled: remove any stray rule directly.
		err = enforcer.Purge(ctx, *ip)
	}
	if shutdownErr := enforcer.Shutdown(ctx); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	if err != nil {
		return err
	}
	logger.Info("Address unblocked", logging.MaskField("remote_ip", *ip))
	return nil
}
