package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/sweep/internal/daemon"
	"github.com/yairfalse/sweep/types"
)

// waitPollInterval is how often a foreground scan is polled for completion
const waitPollInterval = 500 * time.Millisecond

type scanOptions struct {
	services []string
	regions  []string
	profile  string
	detach   bool
	output   string
}

func newScanCmd(opts *globalOptions) *cobra.Command {
	so := &scanOptions{}

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run an inventory scan",
		Long: `Launch the inventory tool for the requested services and regions.

Result files are ingested while the tool runs. Without --detach the command
waits for the scan to finish and prints its record; with --detach (daemon
mode only) it prints the scan id and returns at once.`,
		Example: `  sweep scan                                  # All services, default regions
  sweep scan --service ec2 --service s3       # Selected services
  sweep scan --region us-east-1 --profile dev # Region and credential profile
  sweep scan --server 127.0.0.1:8080 --detach # Start on the daemon and return`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(so.output); err != nil {
				return err
			}
			if so.detach && opts.server == "" {
				return errors.New("--detach requires --server: a local scan stops when the command exits")
			}

			ctx := cmd.Context()
			svc, release, err := opts.openService(ctx)
			if err != nil {
				return err
			}
			defer release()

			return runScan(ctx, cmd.OutOrStdout(), svc, so)
		},
	}

	cmd.Flags().StringSliceVarP(&so.services, "service", "s", nil, "Service to scan (repeatable; default all)")
	cmd.Flags().StringSliceVarP(&so.regions, "region", "r", nil, "Region to scan (repeatable; default tool's choice)")
	cmd.Flags().StringVarP(&so.profile, "profile", "p", "", "Credential profile")
	cmd.Flags().BoolVarP(&so.detach, "detach", "d", false, "Return after the scan is accepted")
	cmd.Flags().StringVarP(&so.output, "output", "o", "table", "Output format: table, json")
	return cmd
}

func runScan(ctx context.Context, out io.Writer, svc daemon.Service, so *scanOptions) error {
	targets := types.Targets{Services: so.services, Regions: so.regions, Profile: so.profile}

	id, err := svc.StartScan(ctx, targets)
	if err != nil {
		if id != "" {
			return fmt.Errorf("scan %s failed to start: %w", id, err)
		}
		return fmt.Errorf("failed to start scan: %w", err)
	}

	if so.detach {
		_, _ = fmt.Fprintln(out, id)
		return nil
	}

	rec, err := waitForScan(ctx, svc, id, waitPollInterval)
	if err != nil {
		return fmt.Errorf("waiting for scan %s: %w", id, err)
	}
	if err := printRecord(out, rec, so.output); err != nil {
		return err
	}
	if rec.State == types.StateFailed {
		return fmt.Errorf("scan %s failed: %s", id, rec.ErrorDetail)
	}
	return nil
}

// waitForScan polls until the scan is terminal
func waitForScan(ctx context.Context, svc daemon.Service, id string, every time.Duration) (*types.ScanRecord, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		rec, err := svc.GetScan(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.IsTerminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
