package action

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action is a reusable, parameterizable side-effect definition resolved by an
// executor.
type Action struct {
	ID                string           `json:"id" db:"id"`
	Name              string           `json:"name" db:"name"`
	ExecutorID        string           `json:"executor_id" db:"executor_id"`
	ExecutorTemplate  ScriptOrTemplate `json:"executor_template"`
	TemplateFields    json.RawMessage  `json:"template_fields,omitempty"`
	AccountRequired   bool             `json:"account_required" db:"account_required"`
	AccountTypes      []string         `json:"account_types,omitempty"`
	PostprocessScript string           `json:"postprocess_script,omitempty" db:"postprocess_script"`
	TimeoutSeconds    int64            `json:"timeout,omitempty" db:"timeout"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at" db:"updated_at"`
}

// Timeout returns the action timeout, or fallback when unset.
func (a Action) Timeout(fallback time.Duration) time.Duration {
	if a.TimeoutSeconds > 0 {
		return time.Duration(a.TimeoutSeconds) * time.Second
	}
	return fallback
}

// TemplateKind discriminates executor templates.
type TemplateKind string

const (
	// KindTemplate is an ordered key/value record whose string values may
	// contain {{var}} placeholders.
	KindTemplate TemplateKind = "Template"
	// KindScript is a JS expression returning the rendered template object.
	KindScript TemplateKind = "Script"
)

// ScriptOrTemplate is an executor template: either a list of templated
// key/value pairs or a script producing the template object.
type ScriptOrTemplate struct {
	Kind   TemplateKind
	Fields []TemplateField
	Script string
}

// TemplateField is one key/value pair of a Template. Values keep their JSON
// type; only string values are subject to placeholder substitution.
type TemplateField struct {
	Key   string
	Value any
}

type tagContent struct {
	T string          `json:"t"`
	C json.RawMessage `json:"c"`
}

// MarshalJSON implements the {"t","c"} wire form; Template content is a list
// of [key, value] pairs to preserve declaration order.
func (s ScriptOrTemplate) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case KindTemplate:
		pairs := make([][2]any, len(s.Fields))
		for i, f := range s.Fields {
			pairs[i] = [2]any{f.Key, f.Value}
		}
		raw, err := json.Marshal(pairs)
		if err != nil {
			return nil, err
		}
		return json.Marshal(tagContent{T: string(KindTemplate), C: raw})
	case KindScript:
		raw, err := json.Marshal(s.Script)
		if err != nil {
			return nil, err
		}
		return json.Marshal(tagContent{T: string(KindScript), C: raw})
	default:
		return nil, fmt.Errorf("marshal executor template: unknown kind %q", s.Kind)
	}
}

// UnmarshalJSON implements the {"t","c"} wire form.
func (s *ScriptOrTemplate) UnmarshalJSON(raw []byte) error {
	var env tagContent
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	switch TemplateKind(env.T) {
	case KindTemplate:
		var pairs [][]json.RawMessage
		if err := json.Unmarshal(env.C, &pairs); err != nil {
			return fmt.Errorf("unmarshal template pairs: %w", err)
		}
		fields := make([]TemplateField, 0, len(pairs))
		for _, pair := range pairs {
			if len(pair) != 2 {
				return fmt.Errorf("template pair must have exactly two elements, got %d", len(pair))
			}
			var key string
			if err := json.Unmarshal(pair[0], &key); err != nil {
				return fmt.Errorf("unmarshal template key: %w", err)
			}
			var value any
			if err := json.Unmarshal(pair[1], &value); err != nil {
				return fmt.Errorf("unmarshal template value: %w", err)
			}
			fields = append(fields, TemplateField{Key: key, Value: value})
		}
		*s = ScriptOrTemplate{Kind: KindTemplate, Fields: fields}
		return nil
	case KindScript:
		var script string
		if err := json.Unmarshal(env.C, &script); err != nil {
			return fmt.Errorf("unmarshal template script: %w", err)
		}
		*s = ScriptOrTemplate{Kind: KindScript, Script: script}
		return nil
	default:
		return fmt.Errorf("unmarshal executor template: unknown tag %q", env.T)
	}
}
