// Package normalize derives the canonical verb, activity and user of a flat statement
// and assembles the final NormalizedStatement.
package normalize

import (
	"lrs-analytics/internal/attribution"
	"lrs-analytics/internal/components/assert"
	"lrs-analytics/internal/components/telemetry"
	"lrs-analytics/internal/statement"
	"strings"
	"time"
)

const (
	report_normalizer_missing_identity = "normalizer.missing-identity"
	report_normalizer_timestamp        = "normalizer.timestamp"
)

const (
	descriptionPrefix = "object.definition.description."
	namePrefix        = "object.definition.name."
)

// Extractor proposes a value for a field, "" when it has nothing to offer.
type Extractor func(flat statement.Flat) string

// Chain tries each extractor in order and keeps the first non-empty result.
type Chain []Extractor

func (c Chain) Extract(flat statement.Flat) string {
	for _, extract := range c {
		if v := extract(flat); v != "" {
			return v
		}
	}
	return ""
}

// Key extracts the string stored at key.
func Key(key string) Extractor {
	return func(flat statement.Flat) string {
		return flat.String(key)
	}
}

// LastSegment extracts the final path segment of the url stored at key.
func LastSegment(key string) Extractor {
	return func(flat statement.Flat) string {
		v := strings.TrimRight(flat.String(key), "/")
		if v == "" {
			return ""
		}
		return v[strings.LastIndex(v, "/")+1:]
	}
}

// FirstWithPrefix extracts the value of the preferred key if present, otherwise the
// first non-empty key starting with prefix in lexical order.
func FirstWithPrefix(prefix, preferred string) Extractor {
	return func(flat statement.Flat) string {
		if v := flat.String(prefix + preferred); v != "" {
			return v
		}
		for _, key := range flat.KeysWithPrefix(prefix) {
			if v := flat.String(key); v != "" {
				return v
			}
		}
		return ""
	}
}

var (
	VerbChain = Chain{
		Key("verb.display.en"),
		Key("verb.display.en-US"),
		LastSegment("verb.id"),
	}
	ActivityChain = Chain{
		FirstWithPrefix(descriptionPrefix, "en-US"),
		Key(namePrefix + "en-US"),
		FirstWithPrefix(namePrefix, "en-US"),
		Key(attribution.KeyObjectId),
	}
	UserChain = Chain{
		Key("actor.account.name"),
		Key("actor.mbox"),
		Key("actor.mbox_sha1sum"),
		Key("actor.openid"),
	}
)

// Normalize derives the canonical fields. An empty user means the identity is unknown.
func Normalize(flat statement.Flat) (verb, activity, user string) {
	return VerbChain.Extract(flat), ActivityChain.Extract(flat), UserChain.Extract(flat)
}

// NormalizedStatement is the unit persisted by the pipeline and read by the analytics.
type NormalizedStatement struct {
	Id        string
	Timestamp time.Time
	User      string
	ContentId *int64
	Module    string
	Verb      string
	Activity  string
}

type Normalizer struct {
	tel telemetry.API
}

func NewNormalizer(tel telemetry.API) Normalizer {
	assert.NotNil(tel)
	return Normalizer{tel: telemetry.NewScopedAPI("normalize", tel)}
}

// Build assembles the normalized statement of flat given its module attribution.
func (n Normalizer) Build(flat statement.Flat, module attribution.Attribution) NormalizedStatement {
	verb, activity, user := Normalize(flat)
	if user == "" {
		n.tel.ReportWarning(report_normalizer_missing_identity, flat.Id())
	}

	ts, err := ParseTimestamp(flat.String("timestamp"))
	if err != nil {
		n.tel.ReportWarning(report_normalizer_timestamp, err, flat.Id())
	}

	return NormalizedStatement{
		Id:        flat.Id(),
		Timestamp: ts,
		User:      user,
		ContentId: attribution.ContentId(flat),
		Module:    module.Module,
		Verb:      verb,
		Activity:  activity,
	}
}

// All normalizes statements in order, looking up their attribution by id.
func (n Normalizer) All(statements []statement.Flat, modules map[string]attribution.Attribution) []NormalizedStatement {
	out := make([]NormalizedStatement, len(statements))
	var missing int64
	for i, flat := range statements {
		out[i] = n.Build(flat, modules[flat.Id()])
		if out[i].User == "" {
			missing++
		}
	}
	n.tel.ReportCount(report_normalizer_missing_identity, missing)
	return out
}

// ParseTimestamp parses an xAPI timestamp into UTC. The empty string yields the zero time.
func ParseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}
