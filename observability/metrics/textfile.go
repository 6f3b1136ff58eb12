package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultTextfileInterval = 15 * time.Second

// WriteTextfile renders the default registry in the Prometheus text format so
// node_exporter's textfile collector can pick it up.
func WriteTextfile(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("metrics textfile path required")
	}
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}

// RunTextfileExporter rewrites the textfile every interval until ctx is
// cancelled. Write failures are logged and retried on the next tick.
func RunTextfileExporter(ctx context.Context, path string, interval time.Duration, logger *slog.Logger) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if interval <= 0 {
		interval = defaultTextfileInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "metrics_textfile"))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := WriteTextfile(path); err != nil {
			logger.Warn("Metrics textfile write failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
