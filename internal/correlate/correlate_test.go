package correlate

import (
	"lrs-analytics/internal/normalize"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, time.June, 11, 12, 0, 0, 0, time.UTC)

func event(user, verb, module string, offset time.Duration) normalize.NormalizedStatement {
	return normalize.NormalizedStatement{
		User:      user,
		Verb:      verb,
		Module:    module,
		Timestamp: t0.Add(offset),
	}
}

func TestCorrelateUsesLatestEnd(t *testing.T) {
	statements := []normalize.NormalizedStatement{
		event("U1", "submitted", "Questionário de Satisfação", 30*time.Minute),
		event("U1", "viewed", "Avaliação Diagnóstica", 0),
		event("U1", "answered", "Questionário de Satisfação", 95*time.Minute+20*time.Second),
		event("U1", "viewed", "Avaliação Diagnóstica", 10*time.Minute),
	}

	result := Correlate(statements, DefaultStart.Predicate(), DefaultEnd.Predicate())
	require.Len(t, result, 1)
	record := result["U1"]
	require.Equal(t, t0, record.Start)
	require.Equal(t, t0.Add(95*time.Minute+20*time.Second), record.End)
	require.Equal(t, 95.3, record.Minutes)
	require.False(t, record.Negative())
}

func TestCorrelateInnerJoin(t *testing.T) {
	statements := []normalize.NormalizedStatement{
		event("start-only", "viewed", "Avaliação Diagnóstica", 0),
		event("end-only", "submitted", "Satisfação", time.Hour),
		event("both", "VIEWED", "AVALIACAO DIAGNOSTICA", 0),
		event("both", "Submitted", "satisfação", time.Hour),
		event("", "viewed", "Avaliação Diagnóstica", 0),
		event("", "submitted", "Satisfação", time.Hour),
	}

	result := Correlate(statements, DefaultStart.Predicate(), DefaultEnd.Predicate())
	require.Len(t, result, 1)
	require.Contains(t, result, "both")
	require.Equal(t, 60.0, result["both"].Minutes)
}

func TestCorrelateKeepsNegativeDurations(t *testing.T) {
	statements := []normalize.NormalizedStatement{
		event("U1", "viewed", "Diagnóstica", time.Hour),
		event("U1", "answered", "Satisfação", 15*time.Minute),
	}

	result := Correlate(statements, DefaultStart.Predicate(), DefaultEnd.Predicate())
	require.Equal(t, -45.0, result["U1"].Minutes)
	require.True(t, result["U1"].Negative())
}

func TestPredicates(t *testing.T) {
	s := event("U1", "Answered", "Módulo 3 - Avaliação Diagnóstica", 0)

	table := []struct {
		name      string
		predicate Predicate
		expected  bool
	}{
		{name: "verb case insensitive", predicate: VerbIn("answered"), expected: true},
		{name: "verb mismatch", predicate: VerbIn("viewed", "submitted"), expected: false},
		{name: "module folded", predicate: ModuleContains("avaliacao diagnostica"), expected: true},
		{name: "module mismatch", predicate: ModuleContains("satisf"), expected: false},
		{name: "and", predicate: And(VerbIn("answered"), ModuleContains("DIAGNÓSTICA")), expected: true},
		{name: "and short circuits", predicate: And(VerbIn("viewed"), ModuleContains("diagnostica")), expected: false},
		{name: "empty rule", predicate: Rule{}.Predicate(), expected: true},
	}

	for _, test := range table {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.expected, test.predicate(s))
		})
	}
}

func TestMeanAndSorted(t *testing.T) {
	records := map[string]DurationRecord{
		"b": {User: "b", Minutes: 10.5},
		"a": {User: "a", Minutes: 20.2},
		"c": {User: "c", Minutes: 0.1},
	}
	require.Equal(t, 10.3, Mean(records))
	require.Equal(t, 0.0, Mean(nil))

	sorted := Sorted(records)
	require.Equal(t, []string{"a", "b", "c"}, []string{sorted[0].User, sorted[1].User, sorted[2].User})
}
