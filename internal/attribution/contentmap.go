package attribution

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"lrs-analytics/internal/components/telemetry"
	"lrs-analytics/lib/textutil"
	"os"
	"strconv"
	"strings"
)

const report_content_map_load = "content-map.load"

// ContentIdModuleMap maps a content id to its module label. It is read-only once loaded.
type ContentIdModuleMap map[int64]string

// LoadContentIdModuleMap reads the `;` separated content map at path. A missing or
// malformed file is reported as a warning and yields an empty map, attribution then
// only relies on structural parents.
func LoadContentIdModuleMap(path string, tel telemetry.API) ContentIdModuleMap {
	tel = telemetry.NewScopedAPI("attribution", tel)

	if path == "" {
		return ContentIdModuleMap{}
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		tel.ReportWarning(report_content_map_load, "content map not found, only parents will be used", path)
		return ContentIdModuleMap{}
	}
	if err != nil {
		tel.ReportWarning(report_content_map_load, err, path)
		return ContentIdModuleMap{}
	}
	defer f.Close()

	out, err := ParseContentIdModuleMap(f)
	if err != nil {
		tel.ReportWarning(report_content_map_load, err, path)
		return ContentIdModuleMap{}
	}
	tel.ReportDebug("loaded content map", path, len(out))
	return out
}

// ParseContentIdModuleMap decodes a content map table. The label column is the one named
// `module`, or the first column that is not `cmid` when there is none.
func ParseContentIdModuleMap(r io.Reader) (ContentIdModuleMap, error) {
	reader := csv.NewReader(r)
	reader.Comma = ';'
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("content map is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	cmidCol, labelCol := -1, -1
	for i, name := range header {
		name = strings.TrimSpace(textutil.StripBOM(name))
		switch {
		case name == "cmid":
			cmidCol = i
		case name == "module":
			labelCol = i
		}
	}
	if cmidCol < 0 {
		return nil, fmt.Errorf("content map has no cmid column")
	}
	if labelCol < 0 {
		for i := range header {
			if i != cmidCol {
				labelCol = i
				break
			}
		}
	}
	if labelCol < 0 {
		return nil, fmt.Errorf("content map has no label column")
	}

	out := ContentIdModuleMap{}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if cmidCol >= len(record) || labelCol >= len(record) {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSpace(record[cmidCol]), 10, 64)
		if err != nil {
			continue
		}
		label := strings.TrimSpace(record[labelCol])
		if label == "" {
			continue
		}
		out[id] = label
	}
	return out, nil
}
