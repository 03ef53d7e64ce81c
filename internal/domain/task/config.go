package task

import (
	"encoding/json"
	"fmt"
)

// ConfigType discriminates the task config and state variants.
type ConfigType string

const (
	ConfigTypeStateMachine ConfigType = "StateMachine"
	ConfigTypeJs           ConfigType = "Js"
)

// Config is the compiled task configuration. Exactly one variant is set,
// matching Type.
type Config struct {
	Type     ConfigType
	Machines []StateMachine
	Js       *JsConfig
}

// JsConfig is the scripted task variant: a pre-bundled JS body plus an
// optional source map and timeout in seconds.
type JsConfig struct {
	Script  string `json:"script"`
	Map     string `json:"map,omitempty"`
	Timeout int64  `json:"timeout,omitempty"`
}

// StateMachine is a declarative task program: named states with per-state
// event handlers plus optional machine-wide handlers. States reference each
// other by name; resolution happens at evaluation time against the states
// map.
type StateMachine struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Initial     string              `json:"initial"`
	States      map[string]StateDef `json:"states"`
	Handlers    []EventHandler      `json:"on,omitempty"`
}

// StateDef holds the event handlers of one named state.
type StateDef struct {
	Description string         `json:"description,omitempty"`
	Handlers    []EventHandler `json:"on,omitempty"`
}

// EventHandler binds a trigger local id to an optional transition target and
// zero or more action invocations.
type EventHandler struct {
	TriggerID string            `json:"trigger_id"`
	Target    *TransitionTarget `json:"target,omitempty"`
	Actions   []ActionInvokeDef `json:"actions,omitempty"`
}

// ActionInvokeDef declares one action emitted by a handler.
type ActionInvokeDef struct {
	TaskActionLocalID string         `json:"task_action_local_id"`
	Data              PayloadBuilder `json:"data"`
}

// TransitionTargetType discriminates transition targets.
type TransitionTargetType string

const (
	// TargetOne names the next state directly.
	TargetOne TransitionTargetType = "One"
	// TargetScript evaluates a JS expression over (payload, context) that
	// returns the next state name.
	TargetScript TransitionTargetType = "Script"
)

// TransitionTarget resolves the next state for a handled event.
type TransitionTarget struct {
	Type TransitionTargetType
	// State is the target state name for TargetOne.
	State string
	// Script is the JS expression source for TargetScript.
	Script string
}

// PayloadBuilderType discriminates action payload builders.
type PayloadBuilderType string

const (
	// BuilderFieldMap builds the payload as a literal record of resolved
	// field references.
	BuilderFieldMap PayloadBuilderType = "FieldMap"
	// BuilderScript runs a JS script returning the payload object.
	BuilderScript PayloadBuilderType = "Script"
)

// PayloadBuilder produces an action payload from the event payload and the
// task context.
type PayloadBuilder struct {
	Type   PayloadBuilderType
	Fields map[string]FieldRef
	Script string
}

// FieldRefType discriminates field references inside a FieldMap.
type FieldRefType string

const (
	// FieldInput reads a dotted path from the event payload.
	FieldInput FieldRefType = "Input"
	// FieldContext reads a dotted path from the prior context.
	FieldContext FieldRefType = "Context"
	// FieldConstant embeds a literal value.
	FieldConstant FieldRefType = "Constant"
)

// FieldRef resolves one field of a FieldMap payload.
type FieldRef struct {
	Type     FieldRefType
	Path     string
	Optional bool
	Value    any
}

// Validate performs structural validation of a compiled config.
func (c Config) Validate() error {
	switch c.Type {
	case ConfigTypeStateMachine:
		if len(c.Machines) == 0 {
			return fmt.Errorf("state machine config requires at least one machine")
		}
		for i, m := range c.Machines {
			if m.Initial == "" {
				return fmt.Errorf("machine %d: initial state is required", i)
			}
			if _, ok := m.States[m.Initial]; !ok {
				return fmt.Errorf("machine %d: initial state %q is not defined", i, m.Initial)
			}
		}
		return nil
	case ConfigTypeJs:
		if c.Js == nil || c.Js.Script == "" {
			return fmt.Errorf("js config requires a script")
		}
		return nil
	default:
		return fmt.Errorf("unknown config type %q", c.Type)
	}
}

// InitialState derives the zero state matching the config variant.
func (c Config) InitialState() State {
	switch c.Type {
	case ConfigTypeStateMachine:
		states := make([]MachineState, len(c.Machines))
		for i, m := range c.Machines {
			states[i] = MachineState{Current: m.Initial}
		}
		return State{Type: ConfigTypeStateMachine, Machines: states}
	case ConfigTypeJs:
		return State{Type: ConfigTypeJs, Js: &JsState{}}
	default:
		return State{}
	}
}

// State is the persisted task state. Its variant always matches the config
// variant.
type State struct {
	Type     ConfigType
	Machines []MachineState
	Js       *JsState
}

// MachineState tracks one state machine's current state and context.
type MachineState struct {
	Current string          `json:"state"`
	Context json.RawMessage `json:"context,omitempty"`
}

// JsState holds a scripted task's persisted context and the deterministic
// random seed for the next run.
type JsState struct {
	Context json.RawMessage `json:"context,omitempty"`
	Seed    int64           `json:"seed,omitempty"`
}

// Matches reports whether the state variant matches the config variant.
func (s State) Matches(c Config) bool {
	if s.Type != c.Type {
		return false
	}
	if s.Type == ConfigTypeStateMachine {
		return len(s.Machines) == len(c.Machines)
	}
	return true
}
