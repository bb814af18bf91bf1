package commands

import (
	"fmt"
	"lrs-analytics/internal/components/chrono"
	"lrs-analytics/internal/insights"
	"lrs-analytics/lib/util/serviceutil"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var summaryCsv *string

func init() {
	summaryCsv = summaryCmd.Flags().String("csv", "", "Read statements from this clean CSV instead of the store.")
	rootCmd.AddCommand(summaryCmd)
}

func countsTable(title, key string, counts []insights.Count) {
	t := newTable()
	t.SetTitle(title)
	t.AppendHeader(table.Row{key, "Statements"})
	for _, c := range counts {
		t.AppendRow(table.Row{c.Key, c.Count})
	}
	t.Render()
}

var summaryCmd = &cobra.Command{
	Use:   "summary [--csv <statements.csv>]",
	Short: "Prints descriptive statistics of the stored statements.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := readConfig()
		clock, err := chrono.NewStandardImpl(cfg.Timezone)
		if err != nil {
			serviceutil.Fatal("failed to load timezone", err)
		}
		statements := loadStatements(cmd.Context(), cfg, clock, *summaryCsv)
		summary := insights.Summarize(statements, cfg.Insights, clock.Location())

		fmt.Printf("statements: %d\n", summary.Total)
		fmt.Printf("modules: %d\n", summary.Modules())
		fmt.Printf("respondents: %d\n", summary.Respondents)

		countsTable("By module", "Module", summary.ByModule)
		countsTable("By verb", "Verb", summary.ByVerb)

		pivot := newTable()
		pivot.SetTitle("Module x verb")
		header := table.Row{"Module"}
		for _, verb := range summary.PivotVerbs {
			header = append(header, verb)
		}
		pivot.AppendHeader(header)
		for _, row := range summary.Pivot {
			r := table.Row{row.Module}
			for _, c := range row.Counts {
				r = append(r, c)
			}
			pivot.AppendRow(r)
		}
		pivot.Render()

		daily := newTable()
		daily.SetTitle("Per day")
		daily.AppendHeader(table.Row{"Day", "Statements", ""})
		peak := 0
		for _, d := range summary.Daily {
			peak = max(peak, d.Count)
		}
		for _, d := range summary.Daily {
			bar := ""
			if peak > 0 {
				bar = strings.Repeat("#", d.Count*40/peak)
			}
			daily.AppendRow(table.Row{d.Day.Format(time.DateOnly), d.Count, bar})
		}
		daily.Render()

		questions := newTable()
		questions.SetTitle("Questions")
		questions.AppendHeader(table.Row{"Activity", "Attempts", "Answered"})
		for _, q := range summary.Questions {
			questions.AppendRow(table.Row{q.Activity, q.Attempts, q.Answered})
		}
		questions.Render()
	},
}
