package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"relayd/pkg/document"
)

func todosConfig() *Config {
	return &Config{
		Name: "todos",
		Properties: map[string]FieldSpec{
			"title": {Type: TypeString, Required: true},
			"done":  {Type: TypeBoolean, Default: false},
		},
	}
}

func TestValidate_RequiredFieldMissing(t *testing.T) {
	_, errs := Validate(todosConfig(), OpInsert, document.Doc{}, false)
	assert.Equal(t, "required", errs["title"])
}

func TestValidate_AppliesDefaultOnInsert(t *testing.T) {
	out, errs := Validate(todosConfig(), OpInsert, document.Doc{"title": "a"}, false)
	assert.Nil(t, errs)
	assert.Equal(t, false, out["done"])
}

func TestValidate_CoercesNumericString(t *testing.T) {
	cfg := &Config{Properties: map[string]FieldSpec{"priority": {Type: TypeNumber}}}
	out, errs := Validate(cfg, OpInsert, document.Doc{"priority": "3"}, false)
	assert.Nil(t, errs)
	assert.Equal(t, 3.0, out["priority"])
}

func TestValidate_RejectsBadCoercion(t *testing.T) {
	cfg := &Config{Properties: map[string]FieldSpec{"priority": {Type: TypeNumber}}}
	_, errs := Validate(cfg, OpInsert, document.Doc{"priority": "nope"}, false)
	assert.Equal(t, "expected a number", errs["priority"])
}

func TestValidate_SystemFieldStrippedForNonRoot(t *testing.T) {
	cfg := &Config{Properties: map[string]FieldSpec{"password": {Type: TypeString, System: true}}}

	out, _ := Validate(cfg, OpUpdate, document.Doc{"password": "hunter2"}, false)
	_, present := out.Get("password")
	assert.False(t, present)

	out, _ = Validate(cfg, OpUpdate, document.Doc{"password": "hunter2"}, true)
	assert.Equal(t, "hunter2", out.GetString("password"))
}

func TestValidate_SchemalessExtensionPassesThrough(t *testing.T) {
	out, errs := Validate(todosConfig(), OpInsert, document.Doc{"title": "a", "tag": "extra"}, false)
	assert.Nil(t, errs)
	assert.Equal(t, "extra", out.GetString("tag"))
}

func TestIndexedFields(t *testing.T) {
	cfg := &Config{Properties: map[string]FieldSpec{
		"username": {Unique: true},
		"age":      {Index: true},
		"bio":      {},
	}}
	fields := cfg.IndexedFields()
	assert.ElementsMatch(t, []string{"username", "age"}, fields)
}

func TestCoerce_SkipsRequiredButAppliesDefaultsAndTypes(t *testing.T) {
	cfg := &Config{
		Name: "todos",
		Properties: map[string]FieldSpec{
			"title":    {Type: TypeString, Required: true},
			"done":     {Type: TypeBoolean, Default: false},
			"priority": {Type: TypeNumber},
			"secret":   {Type: TypeString, System: true},
		},
	}

	out := Coerce(cfg, OpInsert, document.Doc{"priority": "7", "secret": "x"}, false)

	assert.NotContains(t, out, "title")
	assert.Equal(t, false, out["done"])
	assert.Equal(t, float64(7), out["priority"])
	assert.NotContains(t, out, "secret")
}

func TestCoerce_LeavesUncoercibleValuesAlone(t *testing.T) {
	cfg := &Config{
		Name:       "todos",
		Properties: map[string]FieldSpec{"priority": {Type: TypeNumber}},
	}
	out := Coerce(cfg, OpUpdate, document.Doc{"priority": "not-a-number"}, true)
	assert.Equal(t, "not-a-number", out["priority"])
}
