package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/sweep/orchestrator"
	"github.com/yairfalse/sweep/storage"
	"github.com/yairfalse/sweep/types"
)

func newListCmd(opts *globalOptions) *cobra.Command {
	var (
		states []string
		since  time.Duration
		limit  int
		offset int
		output string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scans, newest first",
		Example: `  sweep list                      # Every scan
  sweep list --state running      # Only running scans
  sweep list --since 24h -o json  # Last day as JSON`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}
			q := storage.ScanQuery{Limit: limit, Offset: offset}
			for _, v := range states {
				st, err := types.ParseState(strings.TrimSpace(v))
				if err != nil {
					return err
				}
				q.States = append(q.States, st)
			}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}

			svc, release, err := opts.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			recs, err := svc.ListScans(cmd.Context(), q)
			if err != nil {
				return err
			}
			if output == "json" {
				if recs == nil {
					recs = []*types.ScanRecord{}
				}
				return printJSON(cmd.OutOrStdout(), recs)
			}
			return printScanTable(cmd.OutOrStdout(), recs)
		},
	}

	cmd.Flags().StringSliceVar(&states, "state", nil, "Filter by lifecycle state (repeatable)")
	cmd.Flags().DurationVar(&since, "since", 0, "Only scans started within this window")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum scans to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "Scans to skip")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json")
	return cmd
}

func newShowCmd(opts *globalOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "show <scan-id>",
		Short: "Show one scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}
			svc, release, err := opts.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			rec, err := svc.GetScan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRecord(cmd.OutOrStdout(), rec, output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json")
	return cmd
}

func newResultsCmd(opts *globalOptions) *cobra.Command {
	var (
		q      storage.ResultQuery
		output string
	)

	cmd := &cobra.Command{
		Use:   "results <scan-id>",
		Short: "Query stored results of a scan",
		Example: `  sweep results scan_20250101_120000_1a2b3c4d
  sweep results <id> --service ec2 --region us-east-1
  sweep results <id> --operation DescribeInstances -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}
			svc, release, err := opts.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			items, err := svc.QueryResults(cmd.Context(), args[0], q)
			if err != nil {
				return err
			}
			if output == "json" {
				if items == nil {
					items = []types.ResultItem{}
				}
				return printJSON(cmd.OutOrStdout(), items)
			}
			return printResultTable(cmd.OutOrStdout(), items)
		},
	}

	cmd.Flags().StringVar(&q.Service, "service", "", "Filter by service")
	cmd.Flags().StringVar(&q.Region, "region", "", "Filter by region")
	cmd.Flags().StringVar(&q.Operation, "operation", "", "Filter by operation")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "Maximum items to show")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "Items to skip")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json")
	return cmd
}

func newDeleteCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <scan-id>",
		Short: "Delete a finished scan with its results and logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, release, err := opts.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			n, err := svc.DeleteScan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s (%d results)\n", args[0], n)
			return nil
		},
	}
}

func newCancelCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <scan-id>",
		Short: "Cancel a running scan",
		Long: `Stop the scan's tool process. Files it already wrote are still
ingested and the scan ends failed with "canceled".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, release, err := opts.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			if err := svc.CancelScan(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Cancel requested for %s\n", args[0])
			return nil
		},
	}
}

func newLogsCmd(opts *globalOptions) *cobra.Command {
	var stream string

	cmd := &cobra.Command{
		Use:   "logs <scan-id>",
		Short: "Print a scan's tool output or event journal",
		Example: `  sweep logs <id>                  # Tool stdout
  sweep logs <id> --stream stderr
  sweep logs <id> --stream events  # Lifecycle journal (JSON lines)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch stream {
			case "stdout", "stderr", orchestrator.StreamEvents:
			default:
				return fmt.Errorf("invalid stream: %s (must be one of: stdout, stderr, events)", stream)
			}

			svc, release, err := opts.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			rc, err := svc.OpenLog(cmd.Context(), args[0], stream)
			if err != nil {
				return err
			}
			defer rc.Close()
			_, err = io.Copy(cmd.OutOrStdout(), rc)
			return err
		},
	}

	cmd.Flags().StringVar(&stream, "stream", "stdout", "Log stream: stdout, stderr, events")
	return cmd
}

func newStatsCmd(opts *globalOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show store totals and slot usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}
			svc, release, err := opts.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			st, err := svc.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(cmd.OutOrStdout(), st)
			}
			return printStats(cmd.OutOrStdout(), st)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json")
	return cmd
}
