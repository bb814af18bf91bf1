package normalize

import (
	"lrs-analytics/internal/attribution"
	"lrs-analytics/internal/components/telemetry"
	"lrs-analytics/internal/statement"
	"lrs-analytics/lib/testutil"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestVerbChain(t *testing.T) {
	table := []struct {
		name     string
		flat     statement.Flat
		expected string
	}{
		{
			name:     "display en",
			flat:     statement.Flat{"verb.display.en": "answered", "verb.display.en-US": "responded", "verb.id": "http://adlnet.gov/expapi/verbs/x"},
			expected: "answered",
		},
		{
			name:     "display en-US",
			flat:     statement.Flat{"verb.display.en-US": "responded", "verb.id": "http://adlnet.gov/expapi/verbs/x"},
			expected: "responded",
		},
		{
			name:     "id segment",
			flat:     statement.Flat{"verb.id": "http://id.tincanapi.com/verb/viewed"},
			expected: "viewed",
		},
		{
			name:     "id trailing slash",
			flat:     statement.Flat{"verb.id": "http://adlnet.gov/expapi/verbs/completed/"},
			expected: "completed",
		},
		{
			name:     "empty display falls through",
			flat:     statement.Flat{"verb.display.en": "", "verb.id": "http://adlnet.gov/expapi/verbs/attempted"},
			expected: "attempted",
		},
		{
			name:     "nothing",
			flat:     statement.Flat{},
			expected: "",
		},
	}

	for _, test := range table {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.expected, VerbChain.Extract(test.flat))
		})
	}
}

func TestActivityChain(t *testing.T) {
	table := []struct {
		name     string
		flat     statement.Flat
		expected string
	}{
		{
			name: "description preferred",
			flat: statement.Flat{
				"object.definition.description.pt-PT": "Descrição",
				"object.definition.description.en-US": "Qual é a Capital?",
				"object.definition.name.en-US":        "Pergunta 1",
				"object.id":                           "https://m/mod/quiz/view.php?id=1",
			},
			expected: "Qual é a Capital?",
		},
		{
			name: "any description",
			flat: statement.Flat{
				"object.definition.description.pt-PT": "Descrição",
				"object.definition.name.en-US":        "Pergunta 1",
			},
			expected: "Descrição",
		},
		{
			name: "name",
			flat: statement.Flat{
				"object.definition.name.en-US": "Pergunta 1",
				"object.id":                    "https://m/mod/quiz/view.php?id=1",
			},
			expected: "Pergunta 1",
		},
		{
			name: "other name",
			flat: statement.Flat{
				"object.definition.name.pt": "Questionário",
				"object.id":                 "https://m/mod/quiz/view.php?id=1",
			},
			expected: "Questionário",
		},
		{
			name:     "object id",
			flat:     statement.Flat{"object.id": "https://m/mod/quiz/view.php?id=1"},
			expected: "https://m/mod/quiz/view.php?id=1",
		},
	}

	for _, test := range table {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.expected, ActivityChain.Extract(test.flat))
		})
	}
}

func TestUserChain(t *testing.T) {
	table := []struct {
		name     string
		flat     statement.Flat
		expected string
	}{
		{
			name:     "account",
			flat:     statement.Flat{"actor.account.name": "aluno1", "actor.mbox": "mailto:a@example.com"},
			expected: "aluno1",
		},
		{
			name:     "mbox",
			flat:     statement.Flat{"actor.mbox": "mailto:a@example.com"},
			expected: "mailto:a@example.com",
		},
		{
			name:     "sha1",
			flat:     statement.Flat{"actor.mbox_sha1sum": "ab12"},
			expected: "ab12",
		},
		{
			name:     "missing",
			flat:     statement.Flat{"actor.objectType": "Agent"},
			expected: "",
		},
	}

	for _, test := range table {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.expected, UserChain.Extract(test.flat))
		})
	}
}

func TestBuildIsIdempotent(t *testing.T) {
	raw := testutil.Statement(testutil.StatementParams{
		Id:          testutil.StatementId(1),
		Timestamp:   time.Date(2025, time.June, 12, 9, 30, 15, 250_000_000, time.FixedZone("WEST", 3600)),
		AccountName: "aluno1",
		VerbId:      "http://adlnet.gov/expapi/verbs/answered",
		VerbDisplay: "answered",
		ObjectId:    "https://moodle.example.com/mod/quiz/view.php?id=42",
		Name:        "Avaliação Diagnóstica",
		ParentIds:   []string{"https://moodle.example.com/course/section.php?id=3"},
	})

	tel := &telemetry.RecorderAPI{}
	resolver := attribution.NewResolver(attribution.Options{}, tel)
	normalizer := NewNormalizer(tel)

	build := func() NormalizedStatement {
		flat := statement.Flatten(testutil.RoundTripJSON(t, raw))
		return normalizer.Build(flat, resolver.ResolveOne(flat, nil))
	}

	first := build()
	second := build()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("normalization is not idempotent (-first +second):\n%s", diff)
	}

	cmid := int64(42)
	expected := NormalizedStatement{
		Id:        testutil.StatementId(1),
		Timestamp: time.Date(2025, time.June, 12, 8, 30, 15, 250_000_000, time.UTC),
		User:      "aluno1",
		ContentId: &cmid,
		Module:    "Módulo 3",
		Verb:      "answered",
		Activity:  "Avaliação Diagnóstica",
	}
	if diff := cmp.Diff(expected, first); diff != "" {
		t.Fatalf("unexpected statement (-want +got):\n%s", diff)
	}
}

func TestAllCountsMissingIdentity(t *testing.T) {
	tel := &telemetry.RecorderAPI{}
	normalizer := NewNormalizer(tel)

	statements := []statement.Flat{
		{"id": "a", "actor.account.name": "aluno1", "timestamp": "2025-06-11T12:00:00Z"},
		{"id": "b", "timestamp": "2025-06-11T12:00:00Z"},
		{"id": "c", "timestamp": "not a timestamp"},
	}
	modules := map[string]attribution.Attribution{
		"a": {Module: "Módulo 1"},
		"b": {Module: "Other"},
		"c": {Module: "Other"},
	}

	out := normalizer.All(statements, modules)
	require.Len(t, out, 3)
	require.Equal(t, "aluno1", out[0].User)
	require.Equal(t, "", out[1].User)
	require.True(t, out[2].Timestamp.IsZero())
	require.Equal(t, int64(2), tel.Count(report_normalizer_missing_identity))
	require.Len(t, tel.Find("warning", report_normalizer_timestamp), 1)
}
