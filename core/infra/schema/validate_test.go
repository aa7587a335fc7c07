package schema

import (
	"encoding/json"
	"testing"
)

var testSchema = MustCompile("test", map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []string{"name"},
	"properties": map[string]any{
		"name":  map[string]any{"type": "string", "minLength": 1},
		"count": map[string]any{"type": "integer", "minimum": 0},
	},
})

func TestValidateAccepts(t *testing.T) {
	if err := testSchema.Validate(json.RawMessage(`{"name":"a","count":3}`)); err != nil {
		t.Fatalf("valid doc rejected: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []string{
		`{}`,
		`{"name":""}`,
		`{"name":"a","count":-1}`,
		`{"name":"a","extra":true}`,
		`not json`,
	}
	for _, raw := range cases {
		if err := testSchema.Validate(json.RawMessage(raw)); err == nil {
			t.Fatalf("accepted %s", raw)
		}
	}
}

func TestValidateEmptyParams(t *testing.T) {
	open := MustCompile("open", map[string]any{"type": "object"})
	if err := open.Validate(nil); err != nil {
		t.Fatalf("nil params: %v", err)
	}
}

func TestCompileErrors(t *testing.T) {
	if _, err := Compile("empty", nil); err == nil {
		t.Fatalf("empty schema accepted")
	}
	if _, err := Compile("bad", map[string]any{"type": 42}); err == nil {
		t.Fatalf("bad schema accepted")
	}
}
