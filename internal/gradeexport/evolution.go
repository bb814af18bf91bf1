package gradeexport

import (
	"lrs-analytics/internal/components/assert"
	"lrs-analytics/internal/components/telemetry"
	"math"
	"sort"
	"strconv"
	"strings"
)

const report_gradeexport_extract = "gradeexport.extract"

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

type QuestionAverage struct {
	Question string
	Average  float64
}

func questionNumber(label string) int {
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(label, "P.")))
	if err != nil {
		return math.MaxInt
	}
	return n
}

func lessQuestion(a, b string) bool {
	na, nb := questionNumber(a), questionNumber(b)
	if na != nb {
		return na < nb
	}
	return a < b
}

// Sorted lists averages in question order.
func Sorted(averages map[string]float64) []QuestionAverage {
	out := make([]QuestionAverage, 0, len(averages))
	for q, avg := range averages {
		out = append(out, QuestionAverage{Question: q, Average: avg})
	}
	sort.Slice(out, func(i, j int) bool {
		return lessQuestion(out[i].Question, out[j].Question)
	})
	return out
}

// Extremes returns the n easiest (highest mean) and the n hardest (lowest mean)
// questions. Ties are broken by question order.
func Extremes(averages map[string]float64, n int) (easiest, hardest []QuestionAverage) {
	sorted := Sorted(averages)
	n = min(n, len(sorted))

	easiest = append([]QuestionAverage(nil), sorted...)
	sort.SliceStable(easiest, func(i, j int) bool {
		return easiest[i].Average > easiest[j].Average
	})
	hardest = append([]QuestionAverage(nil), sorted...)
	sort.SliceStable(hardest, func(i, j int) bool {
		return hardest[i].Average < hardest[j].Average
	})
	return easiest[:n], hardest[:n]
}

// QuestionEvolution compares one question across the diagnostic and the final
// assessment. A nil side means the question is absent from that export.
type QuestionEvolution struct {
	Question   string
	Diagnostic *float64
	Final      *float64
	// Difference is final - diagnostic rounded to 2 decimals, nil unless both sides exist.
	Difference *float64
}

// Evolution pairs the questions of both exports, in question order.
func Evolution(diagnostic, final map[string]float64) []QuestionEvolution {
	questions := map[string]struct{}{}
	for q := range diagnostic {
		questions[q] = struct{}{}
	}
	for q := range final {
		questions[q] = struct{}{}
	}

	labels := make([]string, 0, len(questions))
	for q := range questions {
		labels = append(labels, q)
	}
	sort.Slice(labels, func(i, j int) bool {
		return lessQuestion(labels[i], labels[j])
	})

	out := make([]QuestionEvolution, len(labels))
	for i, q := range labels {
		evolution := QuestionEvolution{Question: q}
		if v, ok := diagnostic[q]; ok {
			evolution.Diagnostic = &v
		}
		if v, ok := final[q]; ok {
			evolution.Final = &v
		}
		if evolution.Diagnostic != nil && evolution.Final != nil {
			diff := round2(*evolution.Final - *evolution.Diagnostic)
			evolution.Difference = &diff
		}
		out[i] = evolution
	}
	return out
}

// OverallEvolution is final - diagnostic rounded to 2 decimals.
func OverallEvolution(diagnostic, final float64) float64 {
	return round2(final - diagnostic)
}

// FileReport holds both extractions of one export. Each one fails on its own.
type FileReport struct {
	Path         string
	Questions    map[string]float64
	QuestionsErr error
	Overall      float64
	OverallErr   error
}

// Report extracts every file independently, a broken export never prevents the
// others from being reported.
func Report(paths []string, tel telemetry.API) []FileReport {
	assert.NotNil(tel)
	tel = telemetry.NewScopedAPI("gradeexport", tel)

	out := make([]FileReport, len(paths))
	for i, path := range paths {
		report := FileReport{Path: path}

		table, err := LoadTable(path)
		if err != nil {
			report.QuestionsErr = err
			report.OverallErr = err
			tel.ReportWarning(report_gradeexport_extract, err)
			out[i] = report
			continue
		}

		report.Questions, report.QuestionsErr = table.QuestionAverages()
		if report.QuestionsErr != nil {
			tel.ReportWarning(report_gradeexport_extract, report.QuestionsErr)
		}
		report.Overall, report.OverallErr = table.OverallAverage()
		if report.OverallErr != nil {
			tel.ReportWarning(report_gradeexport_extract, report.OverallErr)
		}
		out[i] = report
	}
	return out
}
