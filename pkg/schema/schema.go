// Package schema implements the collection schema manager:
// it loads/persists each collection's config.json, validates and coerces
// incoming documents, applies defaults, stamps timestamps, and protects
// system fields from non-root writes.
package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"relayd/pkg/document"
)

// FieldType is one of the primitive types a field-spec may declare.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeDate    FieldType = "date"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

// FieldSpec describes one field of a collection's schema.
type FieldSpec struct {
	Type     FieldType   `json:"type"`
	Required bool        `json:"required,omitempty"`
	Default  interface{} `json:"default,omitempty"`
	Unique   bool        `json:"unique,omitempty"`
	Index    bool        `json:"index,omitempty"`
	System   bool        `json:"system,omitempty"`
	Order    int         `json:"order,omitempty"`
}

// defaultIsNow reports whether this field's default is the "now" token.
func (f FieldSpec) defaultIsNow() bool {
	s, ok := f.Default.(string)
	return ok && s == "now"
}

// Config is a collection's config.json: its schema plus storage options.
type Config struct {
	Name       string               `json:"name"`
	Properties map[string]FieldSpec `json:"properties"`
	UseColumns bool                 `json:"useColumns,omitempty"`
	NoStore    bool                 `json:"noStore,omitempty"`
}

// Op identifies which pipeline operation is being validated, since required
// fields and system-field protection apply differently to POST vs PUT.
type Op int

const (
	OpInsert Op = iota
	OpUpdate
)

// ValidationErrors maps field name to a human-readable message, the wire
// shape of the 400 {errors:{...}} response.
type ValidationErrors map[string]string

func (e ValidationErrors) Error() string {
	return fmt.Sprintf("validation failed: %d field error(s)", len(e))
}

// Validate coerces and validates doc against cfg for operation op. isRoot
// gates writes to system-marked fields ("reject writes to fields
// marked system unless root"). It returns the normalized document and any
// accumulated field errors; STORE must not proceed when errors is non-empty.
func Validate(cfg *Config, op Op, doc document.Doc, isRoot bool) (document.Doc, ValidationErrors) {
	out := document.Clone(doc)
	errs := ValidationErrors{}

	for name, spec := range cfg.Properties {
		if spec.System && !isRoot {
			out.Delete(name)
		}

		raw, present := out.Get(name)

		if !present {
			switch {
			case spec.Default != nil && op == OpInsert:
				if spec.defaultIsNow() {
					out[name] = document.FormatTime(time.Now())
				} else {
					out[name] = spec.Default
				}
			case spec.Required && op == OpInsert:
				errs[name] = "required"
			}
			continue
		}

		coerced, err := coerce(spec.Type, raw)
		if err != nil {
			errs[name] = err.Error()
			continue
		}
		out[name] = coerced
	}

	if len(errs) > 0 {
		return doc, errs
	}
	return out, nil
}

// Coerce applies type coercion, defaults, and system-field protection
// without required-field enforcement. This is the $skipEvents path:
// validation and scripts are skipped, schema coercion still runs.
// Uncoercible values pass through unchanged.
func Coerce(cfg *Config, op Op, doc document.Doc, isRoot bool) document.Doc {
	out := document.Clone(doc)
	for name, spec := range cfg.Properties {
		if spec.System && !isRoot {
			out.Delete(name)
		}
		raw, present := out.Get(name)
		if !present {
			if spec.Default != nil && op == OpInsert {
				if spec.defaultIsNow() {
					out[name] = document.FormatTime(time.Now())
				} else {
					out[name] = spec.Default
				}
			}
			continue
		}
		if coerced, err := coerce(spec.Type, raw); err == nil {
			out[name] = coerced
		}
	}
	return out
}

// coerce applies JSON's loose-typing coercion rules: numeric strings
// become numbers when the field is typed number; a date field must hold an
// ISO-8601 string, which is kept as a string. Values that already match
// pass through; a value of the wrong type for a number, date, boolean or
// string field is an error. Object, array and unrecognized types pass
// through unchanged. Fields the schema does not declare never reach coerce
// and are kept as they are (schemaless extension).
func coerce(t FieldType, v interface{}) (interface{}, error) {
	switch t {
	case TypeNumber:
		switch val := v.(type) {
		case float64, int, int64:
			return val, nil
		case string:
			n, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, fmt.Errorf("expected a number")
			}
			return n, nil
		default:
			return nil, fmt.Errorf("expected a number")
		}
	case TypeDate:
		switch val := v.(type) {
		case string:
			if _, err := document.ParseTime(val); err != nil {
				return nil, fmt.Errorf("expected an ISO-8601 date")
			}
			return val, nil
		default:
			return nil, fmt.Errorf("expected an ISO-8601 date")
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return nil, fmt.Errorf("expected a boolean")
		}
		return v, nil
	case TypeString:
		if _, ok := v.(string); !ok {
			return nil, fmt.Errorf("expected a string")
		}
		return v, nil
	default:
		// object, array, or an unrecognized type: pass through verbatim.
		return v, nil
	}
}

// Marshal renders cfg as its on-disk config.json form.
func Marshal(cfg *Config) ([]byte, error) {
	return json.MarshalIndent(cfg, "", "  ")
}

// Unmarshal parses a config.json payload.
func Unmarshal(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("schema: invalid config.json: %w", err)
	}
	if cfg.Properties == nil {
		cfg.Properties = make(map[string]FieldSpec)
	}
	return &cfg, nil
}

// IndexedFields returns the names of fields declared unique or index, the
// set promoted to native SQL columns by the hybrid store.
func (c *Config) IndexedFields() []string {
	var out []string
	for name, spec := range c.Properties {
		if spec.Unique || spec.Index {
			out = append(out, name)
		}
	}
	return out
}
