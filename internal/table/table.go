// Package table reads and writes the normalized statements table, a UTF-8 csv file with
// one row per statement.
package table

import (
	"encoding/csv"
	"fmt"
	"io"
	"lrs-analytics/internal/normalize"
	"lrs-analytics/lib/textutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Columns is the exact header of the table.
var Columns = []string{"id", "timestamp", "user", "cmid", "module", "verb", "activity"}

// TimestampLayout always renders the offset numerically, "+00:00" for UTC.
const TimestampLayout = "2006-01-02T15:04:05.999999-07:00"

var readLayouts = []string{
	time.RFC3339Nano,
	TimestampLayout,
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05-07:00",
}

// Write encodes rows with a header row.
func Write(w io.Writer, rows []normalize.NormalizedStatement) error {
	writer := csv.NewWriter(w)
	err := writer.Write(Columns)
	if err != nil {
		return err
	}
	for _, row := range rows {
		cmid := ""
		if row.ContentId != nil {
			cmid = strconv.FormatInt(*row.ContentId, 10)
		}
		ts := ""
		if !row.Timestamp.IsZero() {
			ts = row.Timestamp.UTC().Format(TimestampLayout)
		}
		err = writer.Write([]string{row.Id, ts, row.User, cmid, row.Module, row.Verb, row.Activity})
		if err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteFile replaces the table at path, the previous file is kept intact if writing fails.
func WriteFile(path string, rows []normalize.NormalizedStatement) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	err = Write(tmp, rows)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	err = tmp.Close()
	if err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Read decodes a table. Columns are located by name so extra columns are ignored,
// every column in Columns must be present.
func Read(r io.Reader) ([]normalize.NormalizedStatement, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("table is empty")
	}
	if err != nil {
		return nil, err
	}
	index := map[string]int{}
	for i, name := range header {
		index[strings.TrimSpace(textutil.StripBOM(name))] = i
	}
	for _, col := range Columns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("table is missing column %q", col)
		}
	}

	var out []normalize.NormalizedStatement
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line++

		get := func(col string) string {
			i := index[col]
			if i >= len(record) {
				return ""
			}
			return record[i]
		}

		row := normalize.NormalizedStatement{
			Id:       get("id"),
			User:     get("user"),
			Module:   get("module"),
			Verb:     get("verb"),
			Activity: get("activity"),
		}
		if ts := strings.TrimSpace(get("timestamp")); ts != "" {
			row.Timestamp, err = parseTimestamp(ts)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
		}
		if cmid := strings.TrimSpace(get("cmid")); cmid != "" {
			id, err := strconv.ParseInt(cmid, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid cmid %q", line, cmid)
			}
			row.ContentId = &id
		}
		out = append(out, row)
	}
	return out, nil
}

// ReadFile reads the table at path.
func ReadFile(path string) ([]normalize.NormalizedStatement, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rows, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return rows, nil
}

func parseTimestamp(value string) (time.Time, error) {
	var firstErr error
	for _, layout := range readLayouts {
		ts, err := time.Parse(layout, value)
		if err == nil {
			return ts.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}
