// Package document defines the explicit document envelope used everywhere
// above the store abstraction. Callers never see backend-specific shapes:
// the store implementations own translation to JSON or to (column, JSON)
// splits.
package document

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reserved field names stamped or owned by the pipeline rather than by
// collection schemas.
const (
	FieldID        = "id"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

// Doc is a mapping from field name to value. Values are whatever
// encoding/json would produce from unmarshaling into interface{}: nil,
// bool, float64, string, []interface{}, map[string]interface{}, or (once
// coerced by pkg/schema) time.Time for date fields.
type Doc map[string]interface{}

// New returns an empty document.
func New() Doc {
	return make(Doc)
}

// Clone returns a shallow copy of d; nested maps/slices are shared, matching
// the read-only contract event scripts and the query layer rely on except
// where they explicitly mutate context.data.
func Clone(d Doc) Doc {
	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// ID returns the document's id, or "" if unset or not a string.
func (d Doc) ID() string {
	v, _ := d[FieldID].(string)
	return v
}

// Get returns the value at field and whether it was present.
func (d Doc) Get(field string) (interface{}, bool) {
	v, ok := d[field]
	return v, ok
}

// GetString returns the string value at field, or "" if absent or not a string.
func (d Doc) GetString(field string) string {
	v, _ := d[field].(string)
	return v
}

// Delete removes field from d, matching the semantics of hide()/protect().
func (d Doc) Delete(field string) {
	delete(d, field)
}

// Merge applies patch on top of d (partial-update semantics): fields
// present in patch overwrite d; fields absent are untouched; a patch
// field explicitly set to nil removes the field.
func Merge(d, patch Doc) Doc {
	out := Clone(d)
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// StampCreated sets id/createdAt/updatedAt for a new document.
func StampCreated(d Doc, id string, now time.Time) {
	d[FieldID] = id
	d[FieldCreatedAt] = FormatTime(now)
	d[FieldUpdatedAt] = FormatTime(now)
}

// StampUpdated refreshes updatedAt on a mutated document.
func StampUpdated(d Doc, now time.Time) {
	d[FieldUpdatedAt] = FormatTime(now)
}

// FormatTime renders t as the ISO-8601 wire format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses an ISO-8601 string produced by FormatTime or any
// RFC3339-compatible timestamp supplied by a client.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("document: invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// FromJSON unmarshals a JSON object into a Doc.
func FromJSON(data []byte) (Doc, error) {
	var d Doc
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("document: %w", err)
	}
	if d == nil {
		d = New()
	}
	return d, nil
}

// ToJSON marshals d to its wire JSON form.
func ToJSON(d Doc) ([]byte, error) {
	return json.Marshal(d)
}

// Equal reports whether two documents are equal modulo the fields named in
// ignore (used by tests to compare "modulo createdAt/updatedAt").
func Equal(a, b Doc, ignore ...string) bool {
	skip := make(map[string]bool, len(ignore))
	for _, f := range ignore {
		skip[f] = true
	}
	keys := make(map[string]bool)
	for k := range a {
		keys[k] = true
	}
	for k := range b {
		keys[k] = true
	}
	for k := range keys {
		if skip[k] {
			continue
		}
		av, aok := a[k]
		bv, bok := b[k]
		if aok != bok {
			return false
		}
		aj, _ := json.Marshal(av)
		bj, _ := json.Marshal(bv)
		if string(aj) != string(bj) {
			return false
		}
	}
	return true
}
