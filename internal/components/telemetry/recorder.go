package telemetry

import (
	"strings"
	"sync"
)

type Report struct {
	Kind   string
	Id     string
	Params []any
	Count  int64
}

// RecorderAPI keeps every report in memory so tests can assert on them.
type RecorderAPI struct {
	mutex   sync.Mutex
	reports []Report
}

func (r *RecorderAPI) record(report Report) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.reports = append(r.reports, report)
}

func (r *RecorderAPI) ReportBroken(id string, params ...any) {
	r.record(Report{Kind: "broken", Id: id, Params: params})
}

func (r *RecorderAPI) ReportWarning(id string, params ...any) {
	r.record(Report{Kind: "warning", Id: id, Params: params})
}

func (r *RecorderAPI) ReportDebug(msg string, params ...any) {}

func (r *RecorderAPI) ReportCount(id string, count int64) {
	r.record(Report{Kind: "count", Id: id, Count: count})
}

// Find returns the reports of the given kind whose id ends with suffix.
func (r *RecorderAPI) Find(kind, suffix string) []Report {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var out []Report
	for _, report := range r.reports {
		if report.Kind == kind && strings.HasSuffix(report.Id, suffix) {
			out = append(out, report)
		}
	}
	return out
}

// Count returns the last reported count for an id suffix, or -1 when none was reported.
func (r *RecorderAPI) Count(suffix string) int64 {
	found := r.Find("count", suffix)
	if len(found) == 0 {
		return -1
	}
	return found[len(found)-1].Count
}
