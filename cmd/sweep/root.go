package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yairfalse/sweep/internal/config"
)

var version = "0.1.0"

// globalOptions are the persistent flags shared by every command
type globalOptions struct {
	configPath string
	server     string
}

// Execute runs the root command
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "sweep",
		Short: "Cloud inventory scan orchestrator",
		Long: `Sweep - Cloud Inventory Scan Orchestrator

Sweep launches an external inventory tool, watches the files it writes,
and ingests every result into a queryable store while the scan runs.

Commands talk to a running daemon when --server is set (or SWEEP_SERVER),
and open the local store directly otherwise.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(`Sweep {{.Version}} - Cloud Inventory Scan Orchestrator
`)

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("SWEEP_CONFIG"), "Path to YAML config file")
	root.PersistentFlags().StringVar(&opts.server, "server", os.Getenv("SWEEP_SERVER"), "Daemon address (e.g. 127.0.0.1:8080); empty uses the local store")

	root.AddCommand(
		newServeCmd(opts),
		newScanCmd(opts),
		newListCmd(opts),
		newShowCmd(opts),
		newResultsCmd(opts),
		newDeleteCmd(opts),
		newCancelCmd(opts),
		newLogsCmd(opts),
		newStatsCmd(opts),
		newCleanupCmd(opts),
	)
	return root
}

func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
