package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"intake/internal/logging"
	"intake/internal/tracker"
)

func newTrackerCommand(ctx *commandContext) *cobra.Command {
	trackerCmd := &cobra.Command{
		Use:   "tracker",
		Short: "Inspect processed-unit records",
	}
	trackerCmd.AddCommand(newTrackerListCommand(ctx))
	trackerCmd.AddCommand(newTrackerShowCommand(ctx))
	return trackerCmd
}

func newTrackerListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tracking namespaces with record counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			summaries, err := tracker.Summaries(cfg.TrackerDSN())
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No processed records yet.")
				return nil
			}

			rows := make([][]string, 0, len(summaries))
			for _, summary := range summaries {
				rows = append(rows, []string{
					summary.Namespace,
					strconv.Itoa(summary.Count),
					formatMark(summary.LastMark),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]column{{name: "Namespace"}, {name: "Records", numeric: true}, {name: "Last Mark"}},
				rows))
			return nil
		},
	}
}

func newTrackerShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <namespace>",
		Short: "Show the records of one tracking namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := tracker.BuildTracker(cfg.TrackerDSN(), args[0], logging.NewNop())
			if err != nil {
				return err
			}
			defer store.Close()

			records := store.Records()
			if len(records) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No records in namespace %s.\n", args[0])
				return nil
			}

			rows := make([][]string, 0, len(records))
			for _, record := range records {
				rows = append(rows, []string{
					record.Name,
					record.Status,
					record.Detail,
					formatMark(record.Timestamp),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]column{{name: "Unit"}, {name: "Status"}, {name: "Detail"}, {name: "Marked"}},
				rows))
			return nil
		},
	}
}

func formatMark(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.UTC().Format("2006-01-02 15:04:05")
}
