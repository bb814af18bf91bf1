// Package attribution decides which course module a statement belongs to.
//
// The module comes from a fixed cascade of signals: the section referenced by the
// statement's structural parents, then the content id lookup table, then a sentinel.
package attribution

import (
	"fmt"
	"lrs-analytics/internal/components/assert"
	"lrs-analytics/internal/components/telemetry"
	"lrs-analytics/internal/statement"
	"regexp"
	"strconv"
)

const (
	report_resolver_gap              = "resolver.gap"
	report_resolver_ambiguous_parent = "resolver.ambiguous-parent"
	report_resolver_missing_id       = "resolver.missing-id"
)

const (
	DefaultParentLabelFormat = "Módulo %s"
	DefaultModule            = "Other"
)

const (
	KeyObjectId = "object.id"
	KeyParents  = "context.contextActivities.parent"
)

var (
	contentIdPattern = regexp.MustCompile(`view\.php\?id=(\d+)`)
	sectionPattern   = regexp.MustCompile(`section\.php\?id=(\d+)`)
)

// Attribution is the module decision for one statement. Module is never empty.
type Attribution struct {
	ModuleParent *string
	ModuleMap    *string
	Module       string
}

// Extractor proposes a module from the partial attribution, nil when it has no opinion.
type Extractor func(a Attribution) *string

// FromParent and FromMap are the sources of the module cascade.
func FromParent(a Attribution) *string { return a.ModuleParent }
func FromMap(a Attribution) *string    { return a.ModuleMap }

// Chain is the module precedence, first non-nil wins.
var Chain = []Extractor{FromParent, FromMap}

type Options struct {
	// ParentLabelFormat receives the section id as its only argument.
	ParentLabelFormat string `json:"parent_label_format"`
	DefaultModule     string `json:"default_module"`
	ContentMap        string `json:"content_map"`
}

func (o Options) WithDefaults() Options {
	if o.ParentLabelFormat == "" {
		o.ParentLabelFormat = DefaultParentLabelFormat
	}
	if o.DefaultModule == "" {
		o.DefaultModule = DefaultModule
	}
	return o
}

type Resolver struct {
	options Options
	tel     telemetry.API
}

func NewResolver(options Options, tel telemetry.API) Resolver {
	assert.NotNil(tel)
	return Resolver{
		options: options.WithDefaults(),
		tel:     telemetry.NewScopedAPI("attribution", tel),
	}
}

// ContentId extracts the numeric content id from the object's url, nil when there is none.
func ContentId(flat statement.Flat) *int64 {
	match := contentIdPattern.FindStringSubmatch(flat.String(KeyObjectId))
	if match == nil {
		return nil
	}
	id, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return nil
	}
	return &id
}

// SectionIds returns the section id of every structural parent that references one,
// in source order. Duplicates are kept.
func SectionIds(flat statement.Flat) []string {
	var out []string
	for _, parent := range flat.Slice(KeyParents) {
		obj, ok := parent.(map[string]any)
		if !ok {
			continue
		}
		url, _ := obj["id"].(string)
		match := sectionPattern.FindStringSubmatch(url)
		if match != nil {
			out = append(out, match[1])
		}
	}
	return out
}

// ModuleParent returns the label of the first parent section, nil when no parent has one.
func (r Resolver) ModuleParent(flat statement.Flat) *string {
	sections := SectionIds(flat)
	if len(sections) == 0 {
		return nil
	}
	label := fmt.Sprintf(r.options.ParentLabelFormat, sections[0])
	return &label
}

// ResolveOne attributes a single statement. It does not report anything.
func (r Resolver) ResolveOne(flat statement.Flat, contentMap ContentIdModuleMap) Attribution {
	out := Attribution{ModuleParent: r.ModuleParent(flat)}
	if id := ContentId(flat); id != nil {
		if label, ok := contentMap[*id]; ok {
			out.ModuleMap = &label
		}
	}

	out.Module = r.options.DefaultModule
	for _, extract := range Chain {
		if module := extract(out); module != nil {
			out.Module = *module
			break
		}
	}
	return out
}

// Resolve attributes every statement, keyed by statement id. A nil contentMap
// degrades to parent-only attribution.
func (r Resolver) Resolve(statements []statement.Flat, contentMap ContentIdModuleMap) map[string]Attribution {
	out := make(map[string]Attribution, len(statements))

	var gaps, ambiguous, missing int64
	for _, flat := range statements {
		if flat.Id() == "" {
			missing++
			continue
		}
		attribution := r.ResolveOne(flat, contentMap)
		if attribution.ModuleParent == nil && attribution.ModuleMap == nil {
			gaps++
		}
		if isAmbiguous(SectionIds(flat)) {
			ambiguous++
			r.tel.ReportDebug("multiple parent sections, keeping the first", flat.Id())
		}
		out[flat.Id()] = attribution
	}

	r.tel.ReportCount(report_resolver_gap, gaps)
	if ambiguous > 0 {
		r.tel.ReportCount(report_resolver_ambiguous_parent, ambiguous)
	}
	if missing > 0 {
		r.tel.ReportCount(report_resolver_missing_id, missing)
	}
	return out
}

func isAmbiguous(sections []string) bool {
	for _, s := range sections[min(len(sections), 1):] {
		if s != sections[0] {
			return true
		}
	}
	return false
}
