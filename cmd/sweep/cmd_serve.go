package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/yairfalse/sweep/internal/daemon"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scan daemon",
		Long: `Run Sweep as a long-lived daemon serving the scan API.

On startup, scans left unfinished by a previous process are recovered:
result files still on disk are ingested and each scan is closed as failed.

Features:
- JSON API under /api for starting, querying and canceling scans
- Prometheus metrics on /metrics, health on /health
- Optional retention loop purging old scans
- Graceful shutdown on SIGTERM/SIGINT`,
		Example: `  sweep serve                           # Listen on the configured address
  sweep serve --addr 0.0.0.0:8080       # Listen on all interfaces
  sweep serve -c /etc/sweep/sweep.yaml  # Use a config file`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.API.Addr = addr
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, appOptions{telemetry: true})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			if _, err := a.orch.Recover(ctx); err != nil {
				return fmt.Errorf("failed to recover interrupted scans: %w", err)
			}

			var registry *prometheus.Registry
			if a.providers != nil {
				registry = a.providers.Registry
			}
			d, err := daemon.NewDaemon(daemon.Config{
				Addr:              cfg.API.Addr,
				ShutdownTimeout:   cfg.API.ShutdownTimeout,
				RetentionDays:     cfg.Retention.Days,
				RetentionInterval: cfg.Retention.Interval,
			}, a.orch, registry)
			if err != nil {
				return fmt.Errorf("failed to create daemon: %w", err)
			}

			a.logger.Info().
				Str("addr", cfg.API.Addr).
				Str("storage", cfg.Storage.Driver).
				Int("max_concurrent", cfg.Scanner.MaxConcurrent).
				Str("tool", cfg.Scanner.Tool.Binary).
				Msg("sweep daemon starting")

			if err := d.Run(ctx); err != nil {
				return fmt.Errorf("daemon error: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides api.addr)")
	return cmd
}
