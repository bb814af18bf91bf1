package commands

import (
	"fmt"
	"log/slog"
	"lrs-analytics/internal/components/telemetry"
	"lrs-analytics/internal/gradeexport"
	"lrs-analytics/lib/util/serviceutil"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var evolutionDiagnostic *string
var evolutionFinal *string

func init() {
	evolutionDiagnostic = evolutionCmd.Flags().String("diagnostic", "", "The diagnostic export, defaults to grades.diagnostic.")
	evolutionFinal = evolutionCmd.Flags().String("final", "", "The final export, defaults to grades.final.")
	rootCmd.AddCommand(averagesCmd)
	rootCmd.AddCommand(evolutionCmd)
}

var averagesCmd = &cobra.Command{
	Use:   "averages <export>...",
	Short: "Prints per question and overall averages of gradebook exports.",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		for _, report := range gradeexport.Report(args, telemetry.SlogAPI{}) {
			fmt.Println(report.Path)
			if report.QuestionsErr != nil {
				fmt.Printf("  questions: %v\n", report.QuestionsErr)
			} else {
				t := newTable()
				t.AppendHeader(table.Row{"Question", "Average"})
				for _, avg := range gradeexport.Sorted(report.Questions) {
					t.AppendRow(table.Row{avg.Question, fmt.Sprintf("%.2f", avg.Average)})
				}
				t.Render()
			}
			if report.OverallErr != nil {
				fmt.Printf("  overall: %v\n", report.OverallErr)
			} else {
				fmt.Printf("  overall: %.2f\n", report.Overall)
			}
		}
	},
}

func extremesTable(title string, averages []gradeexport.QuestionAverage) {
	t := newTable()
	t.SetTitle(title)
	t.AppendHeader(table.Row{"Question", "Average"})
	for _, avg := range averages {
		t.AppendRow(table.Row{avg.Question, fmt.Sprintf("%.2f", avg.Average)})
	}
	t.Render()
}

var evolutionCmd = &cobra.Command{
	Use:   "evolution [--diagnostic <export>] [--final <export>]",
	Short: "Compares the diagnostic and the final assessment question by question.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := readConfig()
		diagnosticPath := cfg.Grades.Diagnostic
		if *evolutionDiagnostic != "" {
			diagnosticPath = *evolutionDiagnostic
		}
		finalPath := cfg.Grades.Final
		if *evolutionFinal != "" {
			finalPath = *evolutionFinal
		}
		if diagnosticPath == "" || finalPath == "" {
			serviceutil.Fatal("missing exports", fmt.Errorf("both grades.diagnostic and grades.final are required"))
		}

		diagnostic, err := gradeexport.LoadTable(diagnosticPath)
		if err != nil {
			serviceutil.Fatal("failed to load diagnostic export", err)
		}
		final, err := gradeexport.LoadTable(finalPath)
		if err != nil {
			serviceutil.Fatal("failed to load final export", err)
		}

		diagnosticAvgs, err := diagnostic.QuestionAverages()
		if err != nil {
			serviceutil.Fatal("failed to extract diagnostic averages", err)
		}
		finalAvgs, err := final.QuestionAverages()
		if err != nil {
			serviceutil.Fatal("failed to extract final averages", err)
		}

		t := newTable()
		t.AppendHeader(table.Row{"Question", "Diagnostic", "Final", "Difference"})
		for _, row := range gradeexport.Evolution(diagnosticAvgs, finalAvgs) {
			t.AppendRow(table.Row{
				row.Question,
				formatFloat(row.Diagnostic),
				formatFloat(row.Final),
				formatFloat(row.Difference),
			})
		}
		t.Render()

		diagnosticOverall, derr := diagnostic.OverallAverage()
		finalOverall, ferr := final.OverallAverage()
		switch {
		case derr != nil:
			slog.Warn("no overall average in the diagnostic export", "err", derr.Error())
		case ferr != nil:
			slog.Warn("no overall average in the final export", "err", ferr.Error())
		default:
			fmt.Fprintf(
				os.Stdout,
				"overall: %.2f -> %.2f (%+.2f)\n",
				diagnosticOverall, finalOverall,
				gradeexport.OverallEvolution(diagnosticOverall, finalOverall),
			)
		}

		n := cfg.Grades.Extremes
		easiest, hardest := gradeexport.Extremes(diagnosticAvgs, n)
		extremesTable("Diagnostic: easiest", easiest)
		extremesTable("Diagnostic: hardest", hardest)
		easiest, hardest = gradeexport.Extremes(finalAvgs, n)
		extremesTable("Final: easiest", easiest)
		extremesTable("Final: hardest", hardest)
	},
}
