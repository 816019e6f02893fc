package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newCleanupCmd(opts *globalOptions) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge finished scans older than a retention window",
		Long: `Delete finished scans that started before the cutoff, together with
their results and logs. Log directories left behind by scans no longer
in the store are removed too. Running scans are never touched.`,
		Example: `  sweep cleanup --days 30     # Keep the last 30 days
  sweep cleanup               # Use retention.days from the config`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("days") {
				cfg.Retention.Days = days
			}
			cutoff, ok := cfg.RetentionCutoff(time.Now())
			if !ok {
				return errors.New("no retention window: pass --days or set retention.days")
			}

			svc, release, err := opts.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			st, err := svc.Purge(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Purged %d scans (%d results, %d log directories, %d bytes) started before %s\n",
				st.Scans, st.Results, st.LogDirs, st.BytesFreed, cutoff.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "Retention window in days")
	return cmd
}
