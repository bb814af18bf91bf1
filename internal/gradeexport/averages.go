package gradeexport

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	questionPattern = regexp.MustCompile(`^\s*P\.\s*(\d+)`)
	numericPattern  = regexp.MustCompile(`^\s*\d+[,.]\d+\s*$`)
)

// QuestionLabel is the canonical key of question n.
func QuestionLabel(n string) string {
	return "P. " + n
}

// ParseLocaleFloat parses a decimal written with either a comma or a dot.
func ParseLocaleFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(s), ",", "."), 64)
}

// QuestionAverages maps each question column of the export at path to its mean score.
func QuestionAverages(path string) (map[string]float64, error) {
	table, err := LoadTable(path)
	if err != nil {
		return nil, err
	}
	return table.QuestionAverages()
}

// OverallAverage returns the first numeric mean cell of the export at path.
func OverallAverage(path string) (float64, error) {
	table, err := LoadTable(path)
	if err != nil {
		return 0, err
	}
	return table.OverallAverage()
}

// QuestionAverages only considers columns whose header starts with a question label,
// a cell is cut at its first space or "/" and skipped when it is not a number.
func (t Table) QuestionAverages() (map[string]float64, error) {
	row, err := t.MeanRow()
	if err != nil {
		return nil, err
	}

	columns := 0
	out := map[string]float64{}
	for i, name := range t.Header {
		match := questionPattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		columns++
		if i >= len(row) {
			continue
		}

		cell := strings.TrimSpace(row[i])
		if cut := strings.IndexAny(cell, " /"); cut >= 0 {
			cell = cell[:cut]
		}
		value, err := ParseLocaleFloat(cell)
		if err != nil {
			continue
		}

		label := QuestionLabel(match[1])
		if _, exists := out[label]; !exists {
			out[label] = value
		}
	}
	if columns == 0 {
		return nil, &ParseError{Path: t.Path, Reason: "no question columns"}
	}
	return out, nil
}

// OverallAverage scans the mean row after its label for the first decimal number.
func (t Table) OverallAverage() (float64, error) {
	row, err := t.MeanRow()
	if err != nil {
		return 0, err
	}
	for _, cell := range row[1:] {
		if !numericPattern.MatchString(cell) {
			continue
		}
		value, err := ParseLocaleFloat(cell)
		if err != nil {
			continue
		}
		return value, nil
	}
	return 0, &ParseError{Path: t.Path, Reason: fmt.Sprintf("no numeric value in the %q row", MeanMarker)}
}
