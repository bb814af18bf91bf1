// Package gradeexport extracts mean scores from the grade tables exported by the course
// platform. Exports come with an unknown separator, decimal commas and `/max` suffixes.
package gradeexport

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"lrs-analytics/lib/htmlutil"
	"lrs-analytics/lib/textutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Separators are tried in order, the first one giving more than one column wins.
var Separators = []rune{';', ',', '\t'}

// MeanMarker is the label of the row holding the mean scores.
const MeanMarker = "Média"

// ParseError means an export lacks an expected structural marker. It is not retried.
type ParseError struct {
	Path   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("gradeexport: %s: %s", e.Path, e.Reason)
}

// Table is a loaded export: the header row and every following row as raw cells.
type Table struct {
	Path   string
	Header []string
	Rows   [][]string
}

// LoadTable reads a delimited text export, or an html export when the file ends in
// .html or .htm.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return ParseHTML(path, data)
	}
	return ParseDelimited(path, data)
}

// ParseDelimited detects the separator and splits data into a table.
func ParseDelimited(path string, data []byte) (Table, error) {
	data = bytes.TrimPrefix(data, []byte("\ufeff"))

	for _, sep := range Separators {
		reader := csv.NewReader(bytes.NewReader(data))
		reader.Comma = sep
		reader.FieldsPerRecord = -1
		reader.LazyQuotes = true

		records, err := reader.ReadAll()
		if err != nil || len(records) == 0 || len(records[0]) <= 1 {
			continue
		}
		return newTable(path, records), nil
	}
	return Table{}, &ParseError{
		Path:   path,
		Reason: fmt.Sprintf("no separator among %q yields more than one column", string(Separators)),
	}
}

// ParseHTML reads the first <table> of an html export.
func ParseHTML(path string, data []byte) (Table, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return Table{}, fmt.Errorf("parse html %s: %w", path, err)
	}
	records := htmlutil.TableRows(doc.Selection)
	if len(records) == 0 || len(records[0]) <= 1 {
		return Table{}, &ParseError{Path: path, Reason: "no table with more than one column"}
	}
	return newTable(path, records), nil
}

func newTable(path string, records [][]string) Table {
	header := make([]string, len(records[0]))
	for i, name := range records[0] {
		header[i] = strings.TrimSpace(textutil.StripBOM(name))
	}
	return Table{
		Path:   path,
		Header: header,
		Rows:   records[1:],
	}
}

// MeanRow returns the first row whose first cell, trimmed, is exactly MeanMarker.
func (t Table) MeanRow() ([]string, error) {
	for _, row := range t.Rows {
		if len(row) > 0 && strings.TrimSpace(row[0]) == MeanMarker {
			return row, nil
		}
	}
	return nil, &ParseError{Path: t.Path, Reason: fmt.Sprintf("no %q row", MeanMarker)}
}
