package task

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestConfigRoundTripStateMachine(t *testing.T) {
	cfg := Config{
		Type: ConfigTypeStateMachine,
		Machines: []StateMachine{
			{
				Name:    "doorbell",
				Initial: "idle",
				States: map[string]StateDef{
					"idle": {
						Handlers: []EventHandler{
							{
								TriggerID: "go",
								Target:    &TransitionTarget{Type: TargetOne, State: "armed"},
								Actions: []ActionInvokeDef{
									{
										TaskActionLocalID: "beep",
										Data: PayloadBuilder{
											Type: BuilderFieldMap,
											Fields: map[string]FieldRef{
												"volume": {Type: FieldConstant, Value: float64(7)},
												"who":    {Type: FieldInput, Path: "visitor.name"},
												"seen":   {Type: FieldContext, Path: "count", Optional: true},
											},
										},
									},
								},
							},
						},
					},
					"armed": {},
				},
				Handlers: []EventHandler{
					{TriggerID: "reset", Target: &TransitionTarget{Type: TargetScript, Script: `payload.hard ? "idle" : "armed"`}},
				},
			},
		},
	}

	encoded, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Config
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(cfg, decoded) {
		t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", decoded, cfg)
	}
}

func TestConfigRoundTripJs(t *testing.T) {
	cfg := Config{
		Type: ConfigTypeJs,
		Js:   &JsConfig{Script: "Ergo.setContext(1);", Timeout: 10},
	}

	encoded, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Config
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(cfg, decoded) {
		t.Fatalf("round trip mismatch: %#v", decoded)
	}
}

func TestConfigWireFormat(t *testing.T) {
	raw := `{
		"type": "StateMachine",
		"data": [{
			"name": "m",
			"initial": "idle",
			"states": {
				"idle": {"on": [{
					"trigger_id": "go",
					"target": {"t": "One", "c": "armed"},
					"actions": [{
						"task_action_local_id": "beep",
						"data": {"t": "FieldMap", "c": {"volume": {"t": "Constant", "c": 7}}}
					}]
				}]},
				"armed": {}
			}
		}]
	}`

	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("unmarshal wire format: %v", err)
	}
	if cfg.Type != ConfigTypeStateMachine || len(cfg.Machines) != 1 {
		t.Fatalf("unexpected config: %#v", cfg)
	}
	handler := cfg.Machines[0].States["idle"].Handlers[0]
	if handler.Target == nil || handler.Target.Type != TargetOne || handler.Target.State != "armed" {
		t.Fatalf("unexpected target: %#v", handler.Target)
	}
	ref := handler.Actions[0].Data.Fields["volume"]
	if ref.Type != FieldConstant || ref.Value != float64(7) {
		t.Fatalf("unexpected field ref: %#v", ref)
	}
}

func TestFieldRefOptionalObjectForm(t *testing.T) {
	raw := `{"t": "Input", "c": {"path": "a.b", "optional": true}}`
	var ref FieldRef
	if err := json.Unmarshal([]byte(raw), &ref); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ref.Type != FieldInput || ref.Path != "a.b" || !ref.Optional {
		t.Fatalf("unexpected ref: %#v", ref)
	}
}

func TestConfigUnknownTypeRejected(t *testing.T) {
	var cfg Config
	if err := json.Unmarshal([]byte(`{"type":"Python","data":{}}`), &cfg); err == nil {
		t.Fatalf("expected error for unknown config type")
	}
}

func TestInitialStateMatchesConfig(t *testing.T) {
	cfg := Config{
		Type: ConfigTypeStateMachine,
		Machines: []StateMachine{
			{Initial: "idle", States: map[string]StateDef{"idle": {}}},
		},
	}
	state := cfg.InitialState()
	if !state.Matches(cfg) {
		t.Fatalf("initial state should match config")
	}
	if state.Machines[0].Current != "idle" {
		t.Fatalf("expected initial state idle, got %q", state.Machines[0].Current)
	}

	jsCfg := Config{Type: ConfigTypeJs, Js: &JsConfig{Script: "1"}}
	if !jsCfg.InitialState().Matches(jsCfg) {
		t.Fatalf("js initial state should match config")
	}
}
