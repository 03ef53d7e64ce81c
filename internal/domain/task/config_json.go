package task

import (
	"encoding/json"
	"fmt"
)

// Wire format for tagged variants. The outer config and state unions use
// {"type": ..., "data": ...}; the inner handler unions use the compact
// {"t": ..., "c": ...} form.

type typeData struct {
	Type ConfigType      `json:"type"`
	Data json.RawMessage `json:"data"`
}

type tagContent struct {
	T string          `json:"t"`
	C json.RawMessage `json:"c"`
}

// MarshalJSON implements the {"type","data"} envelope.
func (c Config) MarshalJSON() ([]byte, error) {
	switch c.Type {
	case ConfigTypeStateMachine:
		data, err := json.Marshal(c.Machines)
		if err != nil {
			return nil, err
		}
		return json.Marshal(typeData{Type: c.Type, Data: data})
	case ConfigTypeJs:
		data, err := json.Marshal(c.Js)
		if err != nil {
			return nil, err
		}
		return json.Marshal(typeData{Type: c.Type, Data: data})
	default:
		return nil, fmt.Errorf("marshal config: unknown type %q", c.Type)
	}
}

// UnmarshalJSON implements the {"type","data"} envelope.
func (c *Config) UnmarshalJSON(raw []byte) error {
	var env typeData
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	switch env.Type {
	case ConfigTypeStateMachine:
		var machines []StateMachine
		if err := json.Unmarshal(env.Data, &machines); err != nil {
			return fmt.Errorf("unmarshal state machines: %w", err)
		}
		*c = Config{Type: env.Type, Machines: machines}
		return nil
	case ConfigTypeJs:
		var js JsConfig
		if err := json.Unmarshal(env.Data, &js); err != nil {
			return fmt.Errorf("unmarshal js config: %w", err)
		}
		*c = Config{Type: env.Type, Js: &js}
		return nil
	default:
		return fmt.Errorf("unmarshal config: unknown type %q", env.Type)
	}
}

// MarshalJSON implements the {"type","data"} envelope.
func (s State) MarshalJSON() ([]byte, error) {
	switch s.Type {
	case ConfigTypeStateMachine:
		data, err := json.Marshal(s.Machines)
		if err != nil {
			return nil, err
		}
		return json.Marshal(typeData{Type: s.Type, Data: data})
	case ConfigTypeJs:
		data, err := json.Marshal(s.Js)
		if err != nil {
			return nil, err
		}
		return json.Marshal(typeData{Type: s.Type, Data: data})
	default:
		return nil, fmt.Errorf("marshal state: unknown type %q", s.Type)
	}
}

// UnmarshalJSON implements the {"type","data"} envelope.
func (s *State) UnmarshalJSON(raw []byte) error {
	var env typeData
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	switch env.Type {
	case ConfigTypeStateMachine:
		var machines []MachineState
		if err := json.Unmarshal(env.Data, &machines); err != nil {
			return fmt.Errorf("unmarshal machine states: %w", err)
		}
		*s = State{Type: env.Type, Machines: machines}
		return nil
	case ConfigTypeJs:
		var js JsState
		if err := json.Unmarshal(env.Data, &js); err != nil {
			return fmt.Errorf("unmarshal js state: %w", err)
		}
		*s = State{Type: env.Type, Js: &js}
		return nil
	default:
		return fmt.Errorf("unmarshal state: unknown type %q", env.Type)
	}
}

// MarshalJSON implements the {"t","c"} form.
func (t TransitionTarget) MarshalJSON() ([]byte, error) {
	switch t.Type {
	case TargetOne:
		return tagged(string(TargetOne), t.State)
	case TargetScript:
		return tagged(string(TargetScript), t.Script)
	default:
		return nil, fmt.Errorf("marshal target: unknown type %q", t.Type)
	}
}

// UnmarshalJSON implements the {"t","c"} form.
func (t *TransitionTarget) UnmarshalJSON(raw []byte) error {
	var env tagContent
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	var content string
	if err := json.Unmarshal(env.C, &content); err != nil {
		return fmt.Errorf("unmarshal target content: %w", err)
	}
	switch TransitionTargetType(env.T) {
	case TargetOne:
		*t = TransitionTarget{Type: TargetOne, State: content}
		return nil
	case TargetScript:
		*t = TransitionTarget{Type: TargetScript, Script: content}
		return nil
	default:
		return fmt.Errorf("unmarshal target: unknown tag %q", env.T)
	}
}

// MarshalJSON implements the {"t","c"} form.
func (b PayloadBuilder) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case BuilderFieldMap:
		return tagged(string(BuilderFieldMap), b.Fields)
	case BuilderScript:
		return tagged(string(BuilderScript), b.Script)
	default:
		return nil, fmt.Errorf("marshal payload builder: unknown type %q", b.Type)
	}
}

// UnmarshalJSON implements the {"t","c"} form.
func (b *PayloadBuilder) UnmarshalJSON(raw []byte) error {
	var env tagContent
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	switch PayloadBuilderType(env.T) {
	case BuilderFieldMap:
		var fields map[string]FieldRef
		if err := json.Unmarshal(env.C, &fields); err != nil {
			return fmt.Errorf("unmarshal field map: %w", err)
		}
		*b = PayloadBuilder{Type: BuilderFieldMap, Fields: fields}
		return nil
	case BuilderScript:
		var script string
		if err := json.Unmarshal(env.C, &script); err != nil {
			return fmt.Errorf("unmarshal builder script: %w", err)
		}
		*b = PayloadBuilder{Type: BuilderScript, Script: script}
		return nil
	default:
		return fmt.Errorf("unmarshal payload builder: unknown tag %q", env.T)
	}
}

// fieldRefContent is the object form of an Input/Context reference content.
type fieldRefContent struct {
	Path     string `json:"path"`
	Optional bool   `json:"optional,omitempty"`
}

// MarshalJSON implements the {"t","c"} form. Path references marshal as the
// bare path string when required, or as {"path","optional"} when optional.
func (f FieldRef) MarshalJSON() ([]byte, error) {
	switch f.Type {
	case FieldInput, FieldContext:
		if f.Optional {
			return tagged(string(f.Type), fieldRefContent{Path: f.Path, Optional: true})
		}
		return tagged(string(f.Type), f.Path)
	case FieldConstant:
		return tagged(string(FieldConstant), f.Value)
	default:
		return nil, fmt.Errorf("marshal field ref: unknown type %q", f.Type)
	}
}

// UnmarshalJSON implements the {"t","c"} form, accepting both the bare path
// string and the {"path","optional"} object for path references.
func (f *FieldRef) UnmarshalJSON(raw []byte) error {
	var env tagContent
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	switch FieldRefType(env.T) {
	case FieldInput, FieldContext:
		var path string
		if err := json.Unmarshal(env.C, &path); err == nil {
			*f = FieldRef{Type: FieldRefType(env.T), Path: path}
			return nil
		}
		var content fieldRefContent
		if err := json.Unmarshal(env.C, &content); err != nil {
			return fmt.Errorf("unmarshal %s ref: %w", env.T, err)
		}
		*f = FieldRef{Type: FieldRefType(env.T), Path: content.Path, Optional: content.Optional}
		return nil
	case FieldConstant:
		var value any
		if err := json.Unmarshal(env.C, &value); err != nil {
			return fmt.Errorf("unmarshal constant: %w", err)
		}
		*f = FieldRef{Type: FieldConstant, Value: value}
		return nil
	default:
		return fmt.Errorf("unmarshal field ref: unknown tag %q", env.T)
	}
}

func tagged(tag string, content any) ([]byte, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tagContent{T: tag, C: raw})
}
