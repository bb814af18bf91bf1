package commands

import (
	"lrs-analytics/internal/components/chrono"
	"lrs-analytics/internal/components/telemetry"
	"lrs-analytics/internal/store"
	"lrs-analytics/lib/util/serviceutil"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var runsLimit *int

func init() {
	runsLimit = runsCmd.Flags().Int("limit", 20, "How many runs to list.")
	rootCmd.AddCommand(runsCmd)
}

func formatTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(loc).Format(time.DateTime)
}

var runsCmd = &cobra.Command{
	Use:   "runs [--limit <n>]",
	Short: "Lists the latest ingestion runs.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := readConfig()
		clock, err := chrono.NewStandardImpl(cfg.Timezone)
		if err != nil {
			serviceutil.Fatal("failed to load timezone", err)
		}
		db, err := store.Open(cmd.Context(), cfg.Database, clock, telemetry.SlogAPI{})
		if err != nil {
			serviceutil.Fatal("failed to open store", err)
		}
		defer db.Close()

		runs, err := db.Runs(cmd.Context(), *runsLimit)
		if err != nil {
			serviceutil.Fatal("failed to list runs", err)
		}

		loc := clock.Location()
		t := newTable()
		t.AppendHeader(table.Row{"Run", "Started", "Since", "Watermark", "Fetched", "Status", "Error"})
		for _, run := range runs {
			t.AppendRow(table.Row{
				run.Id,
				formatTime(run.StartedAt, loc),
				formatTime(run.Since, loc),
				formatTime(run.MaxTimestamp, loc),
				run.Fetched,
				run.Status,
				run.Error,
			})
		}
		t.Render()
	},
}
