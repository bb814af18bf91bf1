// Package correlate measures, per learner, the time between a start event and an end event.
package correlate

import (
	"lrs-analytics/internal/normalize"
	"lrs-analytics/lib/textutil"
	"math"
	"sort"
	"strings"
	"time"
)

// Predicate selects statements.
type Predicate func(s normalize.NormalizedStatement) bool

// VerbIn matches any of verbs, ignoring case.
func VerbIn(verbs ...string) Predicate {
	set := make(map[string]struct{}, len(verbs))
	for _, v := range verbs {
		set[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	return func(s normalize.NormalizedStatement) bool {
		_, ok := set[strings.ToLower(s.Verb)]
		return ok
	}
}

// ModuleContains matches modules containing substr, ignoring case and accents.
func ModuleContains(substr string) Predicate {
	needle := textutil.Fold(substr)
	return func(s normalize.NormalizedStatement) bool {
		return strings.Contains(textutil.Fold(s.Module), needle)
	}
}

// And matches when every predicate matches.
func And(predicates ...Predicate) Predicate {
	return func(s normalize.NormalizedStatement) bool {
		for _, p := range predicates {
			if !p(s) {
				return false
			}
		}
		return true
	}
}

type DurationRecord struct {
	User  string
	Start time.Time
	End   time.Time
	// Minutes is End - Start rounded to one decimal. It is negative when the last end
	// event precedes the first start event.
	Minutes float64
}

// Negative reports an end before the start, usually overlapping predicates or clock skew.
func (r DurationRecord) Negative() bool {
	return r.Minutes < 0
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// Correlate pairs each user's earliest start event with their latest end event. Users
// missing either side are left out, as are statements without a user.
func Correlate(statements []normalize.NormalizedStatement, start, end Predicate) map[string]DurationRecord {
	starts := map[string]time.Time{}
	ends := map[string]time.Time{}

	for _, s := range statements {
		if s.User == "" || s.Timestamp.IsZero() {
			continue
		}
		if start(s) {
			if first, ok := starts[s.User]; !ok || s.Timestamp.Before(first) {
				starts[s.User] = s.Timestamp
			}
		}
		if end(s) {
			if last, ok := ends[s.User]; !ok || s.Timestamp.After(last) {
				ends[s.User] = s.Timestamp
			}
		}
	}

	out := map[string]DurationRecord{}
	for user, startedAt := range starts {
		endedAt, ok := ends[user]
		if !ok {
			continue
		}
		out[user] = DurationRecord{
			User:    user,
			Start:   startedAt,
			End:     endedAt,
			Minutes: round1(endedAt.Sub(startedAt).Minutes()),
		}
	}
	return out
}

// Mean is the average duration rounded to one decimal, 0 when there are no records.
func Mean(records map[string]DurationRecord) float64 {
	if len(records) == 0 {
		return 0
	}
	var sum float64
	for _, r := range records {
		sum += r.Minutes
	}
	return round1(sum / float64(len(records)))
}

// Sorted lists records by user.
func Sorted(records map[string]DurationRecord) []DurationRecord {
	out := make([]DurationRecord, 0, len(records))
	for _, r := range records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].User < out[j].User
	})
	return out
}

// Rule is the configurable form of a predicate: any of Verbs within a module containing
// Module. Empty fields match everything.
type Rule struct {
	Verbs  []string `json:"verbs"`
	Module string   `json:"module"`
}

func (r Rule) Predicate() Predicate {
	var predicates []Predicate
	if len(r.Verbs) > 0 {
		predicates = append(predicates, VerbIn(r.Verbs...))
	}
	if r.Module != "" {
		predicates = append(predicates, ModuleContains(r.Module))
	}
	return And(predicates...)
}

var (
	DefaultStart = Rule{Verbs: []string{"viewed"}, Module: "diagnostica"}
	DefaultEnd   = Rule{Verbs: []string{"submitted", "answered"}, Module: "satisf"}
)
