// Package template renders executor templates: {{field}} placeholders over
// the invocation payload, with {{{{raw}}}}...{{{{/raw}}}} escaping for
// literal braces.
package template

import (
	"fmt"
	"strings"

	"encoding/json"

	"github.com/tidwall/gjson"
)

const (
	rawOpen  = "{{{{raw}}}}"
	rawClose = "{{{{/raw}}}}"
)

// Render substitutes placeholders in a string. Placeholder paths resolve
// against the payload with dotted-path semantics. A placeholder that
// resolves to a whole object or array is inlined as JSON; a missing path is
// an error.
func Render(input string, payload json.RawMessage) (string, error) {
	var out strings.Builder
	rest := input

	for {
		rawStart := strings.Index(rest, rawOpen)
		if rawStart == -1 {
			rendered, err := renderPlain(rest, payload)
			if err != nil {
				return "", err
			}
			out.WriteString(rendered)
			return out.String(), nil
		}

		rendered, err := renderPlain(rest[:rawStart], payload)
		if err != nil {
			return "", err
		}
		out.WriteString(rendered)

		rest = rest[rawStart+len(rawOpen):]
		rawEnd := strings.Index(rest, rawClose)
		if rawEnd == -1 {
			return "", fmt.Errorf("template: unterminated raw block")
		}
		out.WriteString(rest[:rawEnd])
		rest = rest[rawEnd+len(rawClose):]
	}
}

func renderPlain(input string, payload json.RawMessage) (string, error) {
	var out strings.Builder
	rest := input

	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			out.WriteString(rest)
			return out.String(), nil
		}
		out.WriteString(rest[:start])
		rest = rest[start+2:]

		end := strings.Index(rest, "}}")
		if end == -1 {
			return "", fmt.Errorf("template: unterminated placeholder")
		}
		path := strings.TrimSpace(rest[:end])
		rest = rest[end+2:]

		if path == "" {
			return "", fmt.Errorf("template: empty placeholder")
		}
		value, err := lookup(payload, path)
		if err != nil {
			return "", err
		}
		out.WriteString(value)
	}
}

func lookup(payload json.RawMessage, path string) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("template: field %q not found", path)
	}
	res := gjson.GetBytes(payload, path)
	if !res.Exists() {
		return "", fmt.Errorf("template: field %q not found", path)
	}
	switch res.Type {
	case gjson.String:
		return res.String(), nil
	case gjson.JSON:
		return res.Raw, nil
	default:
		return res.String(), nil
	}
}

// RenderValue walks an arbitrary template value, substituting placeholders
// in every string it contains.
func RenderValue(value any, payload json.RawMessage) (any, error) {
	switch v := value.(type) {
	case string:
		return Render(v, payload)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			rendered, err := RenderValue(item, payload)
			if err != nil {
				return nil, err
			}
			out[key] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			rendered, err := RenderValue(item, payload)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}
