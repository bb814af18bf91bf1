package testutil

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

// StatementParams describes the handful of fields tests care about in an xAPI statement.
// Zero values leave the corresponding field out of the generated statement.
type StatementParams struct {
	Id           string
	Timestamp    time.Time
	AccountName  string
	Mbox         string
	VerbId       string
	VerbDisplay  string
	ObjectId     string
	Name         string
	Description  string
	ParentIds    []string
	ExtraContext map[string]any
}

// Statement builds a raw statement shaped like what the LRS returns.
func Statement(p StatementParams) map[string]any {
	out := map[string]any{}
	if p.Id != "" {
		out["id"] = p.Id
	}
	if !p.Timestamp.IsZero() {
		out["timestamp"] = p.Timestamp.Format(time.RFC3339Nano)
	}

	actor := map[string]any{"objectType": "Agent"}
	if p.AccountName != "" {
		actor["account"] = map[string]any{
			"homePage": "https://moodle.example.com",
			"name":     p.AccountName,
		}
	}
	if p.Mbox != "" {
		actor["mbox"] = p.Mbox
	}
	out["actor"] = actor

	verb := map[string]any{}
	if p.VerbId != "" {
		verb["id"] = p.VerbId
	}
	if p.VerbDisplay != "" {
		verb["display"] = map[string]any{"en": p.VerbDisplay}
	}
	out["verb"] = verb

	definition := map[string]any{}
	if p.Name != "" {
		definition["name"] = map[string]any{"en-US": p.Name}
	}
	if p.Description != "" {
		definition["description"] = map[string]any{"en-US": p.Description}
	}
	object := map[string]any{"objectType": "Activity"}
	if p.ObjectId != "" {
		object["id"] = p.ObjectId
	}
	if len(definition) > 0 {
		object["definition"] = definition
	}
	out["object"] = object

	context := map[string]any{}
	if len(p.ParentIds) > 0 {
		parents := make([]any, len(p.ParentIds))
		for i, id := range p.ParentIds {
			parents[i] = map[string]any{"id": id, "objectType": "Activity"}
		}
		context["contextActivities"] = map[string]any{"parent": parents}
	}
	for k, v := range p.ExtraContext {
		context[k] = v
	}
	if len(context) > 0 {
		out["context"] = context
	}
	return out
}

// RoundTripJSON marshals and unmarshals a value so it carries the exact types
// encoding/json produces (float64 numbers, []any arrays).
func RoundTripJSON(t testing.TB, value any) map[string]any {
	encoded, err := json.Marshal(value)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	err = json.Unmarshal(encoded, &out)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

// StatementId returns a deterministic uuid-looking id for the nth statement.
func StatementId(n int) string {
	return fmt.Sprintf("00000000-0000-4000-8000-%012d", n)
}
