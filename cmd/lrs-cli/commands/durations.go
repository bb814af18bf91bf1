package commands

import (
	"context"
	"fmt"
	"log/slog"
	"lrs-analytics/internal/components/chrono"
	"lrs-analytics/internal/components/telemetry"
	"lrs-analytics/internal/config"
	"lrs-analytics/internal/correlate"
	"lrs-analytics/internal/normalize"
	"lrs-analytics/internal/store"
	"lrs-analytics/internal/table"
	"lrs-analytics/lib/util/serviceutil"

	prettytable "github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var durationsCsv *string

func init() {
	durationsCsv = durationsCmd.Flags().String("csv", "", "Read statements from this clean CSV instead of the store.")
	rootCmd.AddCommand(durationsCmd)
}

// loadStatements reads the clean table when csvPath is set, the store otherwise.
func loadStatements(ctx context.Context, cfg config.Config, clock chrono.API, csvPath string) []normalize.NormalizedStatement {
	if csvPath != "" {
		rows, err := table.ReadFile(csvPath)
		if err != nil {
			serviceutil.Fatal("failed to read statements table", err)
		}
		return rows
	}

	db, err := store.Open(ctx, cfg.Database, clock, telemetry.SlogAPI{})
	if err != nil {
		serviceutil.Fatal("failed to open store", err)
	}
	defer db.Close()
	rows, err := db.Statements(ctx)
	if err != nil {
		serviceutil.Fatal("failed to read statements", err)
	}
	return rows
}

var durationsCmd = &cobra.Command{
	Use:   "durations [--csv <statements.csv>]",
	Short: "Prints how long each user took between the start and the end events.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := readConfig()
		clock, err := chrono.NewStandardImpl(cfg.Timezone)
		if err != nil {
			serviceutil.Fatal("failed to load timezone", err)
		}
		statements := loadStatements(cmd.Context(), cfg, clock, *durationsCsv)

		records := correlate.Correlate(
			statements,
			cfg.Correlation.Start.Predicate(),
			cfg.Correlation.End.Predicate(),
		)

		loc := clock.Location()
		t := newTable()
		t.AppendHeader(prettytable.Row{"User", "Start", "End", "Minutes"})
		for _, record := range correlate.Sorted(records) {
			if record.Negative() {
				slog.Warn("end precedes start", "user", record.User, "minutes", record.Minutes)
			}
			t.AppendRow(prettytable.Row{
				record.User,
				formatTime(record.Start, loc),
				formatTime(record.End, loc),
				fmt.Sprintf("%.1f", record.Minutes),
			})
		}
		t.AppendFooter(prettytable.Row{"", "", "Mean", fmt.Sprintf("%.1f", correlate.Mean(records))})
		t.Render()
	},
}
