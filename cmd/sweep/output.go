package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/yairfalse/sweep/orchestrator"
	"github.com/yairfalse/sweep/types"
)

var validOutputs = []string{"table", "json"}

func validateOutput(format string) error {
	for _, v := range validOutputs {
		if v == format {
			return nil
		}
	}
	return fmt.Errorf("invalid output format: %s (must be one of: %s)", format, strings.Join(validOutputs, ", "))
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRecord(out io.Writer, rec *types.ScanRecord, format string) error {
	if format == "json" {
		return printJSON(out, rec)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	row := func(k, v string) { _, _ = fmt.Fprintf(w, "%s:\t%s\n", k, v) }

	row("Scan", rec.ScanID)
	row("State", string(rec.State))
	row("Targets", rec.Targets.String())
	row("Started", rec.StartTime.Local().Format(time.RFC3339))
	if rec.EndTime != nil {
		row("Ended", rec.EndTime.Local().Format(time.RFC3339))
		row("Duration", formatDuration(rec.DurationSeconds))
	}
	if rec.ExitCode != nil {
		row("Exit code", fmt.Sprintf("%d", *rec.ExitCode))
	}
	row("Items", fmt.Sprintf("%d", rec.ItemsIngested))
	row("Files", fmt.Sprintf("%d", rec.FilesSeen))
	if len(rec.Command) > 0 {
		row("Command", strings.Join(rec.Command, " "))
	}
	if rec.LogDirectory != "" {
		row("Logs", rec.LogDirectory)
	}
	if rec.ErrorDetail != "" {
		row("Error", rec.ErrorDetail)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(rec.IngestErrors) > 0 {
		_, _ = fmt.Fprintf(out, "\nIngest errors (%d):\n", len(rec.IngestErrors))
		for _, e := range rec.IngestErrors {
			_, _ = fmt.Fprintf(out, "  %s  %s  %s\n", e.Kind, e.File, e.Error)
		}
	}
	return nil
}

func printScanTable(out io.Writer, recs []*types.ScanRecord) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SCAN\tSTATE\tSTARTED\tDURATION\tITEMS\tERROR")
	_, _ = fmt.Fprintln(w, "----\t-----\t-------\t--------\t-----\t-----")
	for _, rec := range recs {
		duration := "-"
		if rec.EndTime != nil {
			duration = formatDuration(rec.DurationSeconds)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			rec.ScanID,
			rec.State,
			rec.StartTime.Local().Format("2006-01-02 15:04:05"),
			duration,
			rec.ItemsIngested,
			truncate(rec.ErrorDetail, 40),
		)
	}
	return w.Flush()
}

func printResultTable(out io.Writer, items []types.ResultItem) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SERVICE\tOPERATION\tREGION\tPROFILE\tBYTES")
	_, _ = fmt.Fprintln(w, "-------\t---------\t------\t-------\t-----")
	for _, item := range items {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			item.Service,
			item.Operation,
			orDash(item.Region),
			orDash(item.Profile),
			len(item.Payload),
		)
	}
	return w.Flush()
}

func printStats(out io.Writer, st orchestrator.Stats) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Scans:\t%d\n", st.TotalScans)

	states := make([]string, 0, len(st.ScansByState))
	for s := range st.ScansByState {
		states = append(states, string(s))
	}
	sort.Strings(states)
	for _, s := range states {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", s, st.ScansByState[types.State(s)])
	}

	_, _ = fmt.Fprintf(w, "Results:\t%d\n", st.TotalResults)
	_, _ = fmt.Fprintf(w, "Active:\t%d/%d\n", st.Active, st.Capacity)
	if len(st.Services) > 0 {
		_, _ = fmt.Fprintf(w, "Services:\t%s\n", strings.Join(st.Services, ", "))
	}
	if len(st.Regions) > 0 {
		_, _ = fmt.Fprintf(w, "Regions:\t%s\n", strings.Join(st.Regions, ", "))
	}
	return w.Flush()
}

func formatDuration(seconds float64) string {
	return (time.Duration(seconds * float64(time.Second))).Round(time.Millisecond).String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
