// Package insights aggregates normalized statements into course level counts.
package insights

import (
	"lrs-analytics/internal/correlate"
	"lrs-analytics/internal/normalize"
	"sort"
	"strings"
	"time"
)

var DefaultPivotVerbs = []string{"completed", "answered", "progressed", "interacted", "attempted"}

type Options struct {
	// PivotVerbs are the columns of the module x verb pivot, compared in lower case.
	PivotVerbs []string `json:"pivot_verbs"`
	// Respondents counts the distinct users matching this rule.
	Respondents correlate.Rule `json:"respondents"`
	// QuestionPrefix selects the activities counted in the attempts table.
	QuestionPrefix string `json:"question_prefix"`
}

func (o Options) WithDefaults() Options {
	if len(o.PivotVerbs) == 0 {
		o.PivotVerbs = DefaultPivotVerbs
	}
	if len(o.Respondents.Verbs) == 0 && o.Respondents.Module == "" {
		o.Respondents = correlate.Rule{Verbs: []string{"submitted"}, Module: "satisfacao"}
	}
	if o.QuestionPrefix == "" {
		o.QuestionPrefix = "Pergunta"
	}
	return o
}

type Count struct {
	Key   string
	Count int
}

type PivotRow struct {
	Module string
	// Counts is aligned with Summary.PivotVerbs.
	Counts []int
}

type DailyCount struct {
	Day   time.Time
	Count int
}

type QuestionAttempts struct {
	Activity string
	Attempts int
	Answered int
}

type Summary struct {
	Total       int
	Respondents int
	// ByModule is ordered by module name, ByVerb by descending count.
	ByModule   []Count
	ByVerb     []Count
	PivotVerbs []string
	Pivot      []PivotRow
	// Daily covers every day between the first and the last statement, empty days included.
	Daily     []DailyCount
	Questions []QuestionAttempts
}

func sortedCounts(counts map[string]int, byCount bool) []Count {
	out := make([]Count, 0, len(counts))
	for k, v := range counts {
		out = append(out, Count{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if byCount && out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// Summarize computes every aggregate. Days are calendar days in loc.
func Summarize(statements []normalize.NormalizedStatement, options Options, loc *time.Location) Summary {
	options = options.WithDefaults()
	if loc == nil {
		loc = time.UTC
	}

	pivotIndex := map[string]int{}
	verbs := make([]string, len(options.PivotVerbs))
	for i, v := range options.PivotVerbs {
		verbs[i] = strings.ToLower(v)
		pivotIndex[verbs[i]] = i
	}

	modules := map[string]int{}
	verbCounts := map[string]int{}
	pivot := map[string][]int{}
	days := map[time.Time]int{}
	respondents := map[string]struct{}{}
	attempts := map[string]*QuestionAttempts{}
	isRespondent := options.Respondents.Predicate()

	for _, s := range statements {
		module := strings.TrimSpace(s.Module)
		modules[module]++
		verbCounts[s.Verb]++

		verb := strings.ToLower(s.Verb)
		if i, ok := pivotIndex[verb]; ok {
			row, exists := pivot[module]
			if !exists {
				row = make([]int, len(verbs))
				pivot[module] = row
			}
			row[i]++
		}

		if !s.Timestamp.IsZero() {
			days[startOfDay(s.Timestamp, loc)]++
		}

		if s.User != "" && isRespondent(s) {
			respondents[s.User] = struct{}{}
		}

		if strings.HasPrefix(s.Activity, options.QuestionPrefix) {
			attempted := strings.Contains(verb, "attempt")
			answered := strings.Contains(verb, "answer")
			if attempted || answered {
				q, ok := attempts[s.Activity]
				if !ok {
					q = &QuestionAttempts{Activity: s.Activity}
					attempts[s.Activity] = q
				}
				if attempted {
					q.Attempts++
				}
				if answered {
					q.Answered++
				}
			}
		}
	}

	summary := Summary{
		Total:       len(statements),
		Respondents: len(respondents),
		ByModule:    sortedCounts(modules, false),
		ByVerb:      sortedCounts(verbCounts, true),
		PivotVerbs:  verbs,
	}

	for _, c := range summary.ByModule {
		if row, ok := pivot[c.Key]; ok {
			summary.Pivot = append(summary.Pivot, PivotRow{Module: c.Key, Counts: row})
		}
	}

	if len(days) > 0 {
		var first, last time.Time
		for day := range days {
			if first.IsZero() || day.Before(first) {
				first = day
			}
			if day.After(last) {
				last = day
			}
		}
		for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
			summary.Daily = append(summary.Daily, DailyCount{Day: day, Count: days[day]})
		}
	}

	for _, q := range attempts {
		if q.Attempts > 0 {
			summary.Questions = append(summary.Questions, *q)
		}
	}
	sort.Slice(summary.Questions, func(i, j int) bool {
		a, b := summary.Questions[i], summary.Questions[j]
		if a.Attempts != b.Attempts {
			return a.Attempts > b.Attempts
		}
		return a.Activity < b.Activity
	})

	return summary
}

// Modules is the number of distinct modules.
func (s Summary) Modules() int {
	return len(s.ByModule)
}
