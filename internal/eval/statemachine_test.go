package eval

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ergohq/ergo/internal/domain/task"
)

func machineConfig() task.Config {
	return task.Config{
		Type: task.ConfigTypeStateMachine,
		Machines: []task.StateMachine{
			{
				Name:    "alarm",
				Initial: "idle",
				States: map[string]task.StateDef{
					"idle": {
						Handlers: []task.EventHandler{
							{
								TriggerID: "go",
								Target:    &task.TransitionTarget{Type: task.TargetOne, State: "armed"},
								Actions: []task.ActionInvokeDef{
									{
										TaskActionLocalID: "beep",
										Data: task.PayloadBuilder{
											Type: task.BuilderFieldMap,
											Fields: map[string]task.FieldRef{
												"volume": {Type: task.FieldConstant, Value: float64(7)},
											},
										},
									},
								},
							},
						},
					},
					"armed": {},
				},
			},
		},
	}
}

func TestStateMachineBasicTransition(t *testing.T) {
	cfg := machineConfig()
	ev := New(nil, time.Second)

	result, err := ev.Evaluate(context.Background(), Input{
		Config:         cfg,
		State:          cfg.InitialState(),
		TriggerLocalID: "go",
		Payload:        json.RawMessage(`{}`),
		Now:            time.Now(),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.NewState.Machines[0].Current != "armed" {
		t.Fatalf("expected state armed, got %q", result.NewState.Machines[0].Current)
	}
	if len(result.Invocations) != 1 {
		t.Fatalf("expected one invocation, got %d", len(result.Invocations))
	}
	inv := result.Invocations[0]
	if inv.TaskActionLocalID != "beep" {
		t.Fatalf("unexpected action %q", inv.TaskActionLocalID)
	}
	var payload map[string]any
	if err := json.Unmarshal(inv.Payload, &payload); err != nil {
		t.Fatalf("decode invocation payload: %v", err)
	}
	if payload["volume"] != float64(7) {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestStateMachineNoHandlerIsNoop(t *testing.T) {
	cfg := machineConfig()
	ev := New(nil, time.Second)

	result, err := ev.Evaluate(context.Background(), Input{
		Config:         cfg,
		State:          cfg.InitialState(),
		TriggerLocalID: "unknown_trigger",
		Payload:        json.RawMessage(`{}`),
		Now:            time.Now(),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.NewState.Machines[0].Current != "idle" {
		t.Fatalf("state must not change, got %q", result.NewState.Machines[0].Current)
	}
	if len(result.Invocations) != 0 {
		t.Fatalf("expected no invocations, got %d", len(result.Invocations))
	}
}

func TestStateMachineScriptTarget(t *testing.T) {
	cfg := machineConfig()
	cfg.Machines[0].States["idle"] = task.StateDef{
		Handlers: []task.EventHandler{
			{
				TriggerID: "go",
				Target:    &task.TransitionTarget{Type: task.TargetScript, Script: `payload.arm ? "armed" : "idle"`},
			},
		},
	}
	ev := New(nil, time.Second)

	result, err := ev.Evaluate(context.Background(), Input{
		Config:         cfg,
		State:          cfg.InitialState(),
		TriggerLocalID: "go",
		Payload:        json.RawMessage(`{"arm":true}`),
		Now:            time.Now(),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.NewState.Machines[0].Current != "armed" {
		t.Fatalf("expected armed, got %q", result.NewState.Machines[0].Current)
	}
}

func TestStateMachineScriptTargetUnknownStateIsUserError(t *testing.T) {
	cfg := machineConfig()
	cfg.Machines[0].States["idle"] = task.StateDef{
		Handlers: []task.EventHandler{
			{TriggerID: "go", Target: &task.TransitionTarget{Type: task.TargetScript, Script: `"nowhere"`}},
		},
	}
	ev := New(nil, time.Second)

	_, err := ev.Evaluate(context.Background(), Input{
		Config:         cfg,
		State:          cfg.InitialState(),
		TriggerLocalID: "go",
		Payload:        json.RawMessage(`{}`),
		Now:            time.Now(),
	})
	if !IsUserError(err) {
		t.Fatalf("expected user error, got %v", err)
	}
}

func TestStateMachineMissingRequiredFieldIsUserError(t *testing.T) {
	cfg := machineConfig()
	cfg.Machines[0].States["idle"] = task.StateDef{
		Handlers: []task.EventHandler{
			{
				TriggerID: "go",
				Actions: []task.ActionInvokeDef{
					{
						TaskActionLocalID: "beep",
						Data: task.PayloadBuilder{
							Type: task.BuilderFieldMap,
							Fields: map[string]task.FieldRef{
								"who": {Type: task.FieldInput, Path: "visitor.name"},
							},
						},
					},
				},
			},
		},
	}
	ev := New(nil, time.Second)

	_, err := ev.Evaluate(context.Background(), Input{
		Config:         cfg,
		State:          cfg.InitialState(),
		TriggerLocalID: "go",
		Payload:        json.RawMessage(`{}`),
		Now:            time.Now(),
	})
	if !IsUserError(err) {
		t.Fatalf("expected user error, got %v", err)
	}
}

func TestStateMachineOptionalFieldSkipped(t *testing.T) {
	cfg := machineConfig()
	cfg.Machines[0].States["idle"] = task.StateDef{
		Handlers: []task.EventHandler{
			{
				TriggerID: "go",
				Actions: []task.ActionInvokeDef{
					{
						TaskActionLocalID: "beep",
						Data: task.PayloadBuilder{
							Type: task.BuilderFieldMap,
							Fields: map[string]task.FieldRef{
								"who":    {Type: task.FieldInput, Path: "visitor.name", Optional: true},
								"volume": {Type: task.FieldConstant, Value: float64(1)},
							},
						},
					},
				},
			},
		},
	}
	ev := New(nil, time.Second)

	result, err := ev.Evaluate(context.Background(), Input{
		Config:         cfg,
		State:          cfg.InitialState(),
		TriggerLocalID: "go",
		Payload:        json.RawMessage(`{}`),
		Now:            time.Now(),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(result.Invocations[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if _, present := payload["who"]; present {
		t.Fatalf("optional missing field must be omitted, got %v", payload)
	}
	if payload["volume"] != float64(1) {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestStateMachineMachineWideHandler(t *testing.T) {
	cfg := machineConfig()
	cfg.Machines[0].Handlers = []task.EventHandler{
		{TriggerID: "panic", Target: &task.TransitionTarget{Type: task.TargetOne, State: "armed"}},
	}
	ev := New(nil, time.Second)

	state := cfg.InitialState()
	result, err := ev.Evaluate(context.Background(), Input{
		Config:         cfg,
		State:          state,
		TriggerLocalID: "panic",
		Payload:        json.RawMessage(`{}`),
		Now:            time.Now(),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.NewState.Machines[0].Current != "armed" {
		t.Fatalf("machine-wide handler must fire, got %q", result.NewState.Machines[0].Current)
	}
}

func TestStateMachineVariantMismatchFails(t *testing.T) {
	cfg := machineConfig()
	ev := New(nil, time.Second)

	_, err := ev.Evaluate(context.Background(), Input{
		Config:         cfg,
		State:          task.State{Type: task.ConfigTypeJs, Js: &task.JsState{}},
		TriggerLocalID: "go",
		Payload:        json.RawMessage(`{}`),
		Now:            time.Now(),
	})
	if err == nil {
		t.Fatalf("expected variant mismatch error")
	}
	if IsUserError(err) {
		t.Fatalf("variant mismatch is corrupted state, not a user error")
	}
}
