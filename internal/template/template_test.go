package template

import (
	"encoding/json"
	"testing"
)

func TestRenderSubstitution(t *testing.T) {
	payload := json.RawMessage(`{"name":"world","nested":{"n":3}}`)

	out, err := Render("hello {{name}}, n={{nested.n}}", payload)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "hello world, n=3" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRenderVerbatimWithoutPlaceholders(t *testing.T) {
	out, err := Render("no placeholders here", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "no placeholders here" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRenderRawEscape(t *testing.T) {
	payload := json.RawMessage(`{"x":"1"}`)

	out, err := Render("a {{{{raw}}}}{{not_a_var}}{{{{/raw}}}} b {{x}}", payload)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "a {{not_a_var}} b 1" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRenderMissingFieldFails(t *testing.T) {
	if _, err := Render("{{missing}}", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected error for missing field")
	}
}

func TestRenderUnterminatedPlaceholder(t *testing.T) {
	if _, err := Render("{{oops", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected error for unterminated placeholder")
	}
	if _, err := Render("{{{{raw}}}}never closed", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected error for unterminated raw block")
	}
}

func TestRenderObjectInlinesJSON(t *testing.T) {
	payload := json.RawMessage(`{"obj":{"a":1}}`)

	out, err := Render("{{obj}}", payload)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != `{"a":1}` {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRenderValueWalksNestedStructures(t *testing.T) {
	payload := json.RawMessage(`{"user":"ada"}`)
	value := map[string]any{
		"greeting": "hi {{user}}",
		"items":    []any{"{{user}}", float64(2)},
		"n":        float64(1),
	}

	rendered, err := RenderValue(value, payload)
	if err != nil {
		t.Fatalf("render value: %v", err)
	}
	obj := rendered.(map[string]any)
	if obj["greeting"] != "hi ada" {
		t.Fatalf("unexpected greeting %v", obj["greeting"])
	}
	items := obj["items"].([]any)
	if items[0] != "ada" || items[1] != float64(2) {
		t.Fatalf("unexpected items %v", items)
	}
	if obj["n"] != float64(1) {
		t.Fatalf("non-string values must pass through, got %v", obj["n"])
	}
}
