package eval

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/ergohq/ergo/internal/domain/task"
)

// resolveFieldMap renders a FieldMap payload builder into the literal record
// {field: resolved_value}. Input refs read dotted paths from the event
// payload, Context refs from the prior context. A missing path on a
// non-optional ref is a user error.
func resolveFieldMap(fields map[string]task.FieldRef, payload, taskContext json.RawMessage) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for name, ref := range fields {
		switch ref.Type {
		case task.FieldConstant:
			out[name] = ref.Value
		case task.FieldInput:
			value, found := lookupPath(payload, ref.Path)
			if !found {
				if ref.Optional {
					continue
				}
				return nil, userErrf("field %q: payload path %q not found", name, ref.Path)
			}
			out[name] = value
		case task.FieldContext:
			value, found := lookupPath(taskContext, ref.Path)
			if !found {
				if ref.Optional {
					continue
				}
				return nil, userErrf("field %q: context path %q not found", name, ref.Path)
			}
			out[name] = value
		default:
			return nil, userErrf("field %q: unknown reference type %q", name, ref.Type)
		}
	}
	return out, nil
}

// lookupPath resolves a dotted path against a JSON document. An empty path
// yields the whole document.
func lookupPath(doc json.RawMessage, path string) (any, bool) {
	if len(doc) == 0 {
		return nil, false
	}
	if path == "" {
		var value any
		if err := json.Unmarshal(doc, &value); err != nil {
			return nil, false
		}
		return value, true
	}
	res := gjson.GetBytes(doc, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}
