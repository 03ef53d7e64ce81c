package eval

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"

	"github.com/ergohq/ergo/internal/domain/task"
)

// evalStateMachines advances every machine in the config against the event.
// Machines that have no handler for the trigger pass through unchanged; that
// is not an error.
func (e *Evaluator) evalStateMachines(ctx context.Context, in Input) (Result, error) {
	result := Result{
		NewState: task.State{
			Type:     task.ConfigTypeStateMachine,
			Machines: make([]task.MachineState, len(in.Config.Machines)),
		},
	}

	for i := range in.Config.Machines {
		machine := in.Config.Machines[i]
		current := in.State.Machines[i]

		next, invocations, logs, err := e.evalMachine(ctx, machine, current, in)
		if err != nil {
			return Result{}, fmt.Errorf("machine %q: %w", machine.Name, err)
		}
		result.NewState.Machines[i] = next
		result.Invocations = append(result.Invocations, invocations...)
		result.Log = append(result.Log, logs...)
	}
	return result, nil
}

func (e *Evaluator) evalMachine(ctx context.Context, machine task.StateMachine, current task.MachineState, in Input) (task.MachineState, []task.Invocation, []string, error) {
	handler := findHandler(machine, current.Current, in.TriggerLocalID)
	if handler == nil {
		return current, nil, nil, nil
	}

	var logs []string

	next := current.Current
	if handler.Target != nil {
		resolved, err := e.resolveTarget(ctx, *handler.Target, machine, in.Payload, current.Context, &logs)
		if err != nil {
			return task.MachineState{}, nil, nil, err
		}
		next = resolved
	}

	var invocations []task.Invocation
	for _, def := range handler.Actions {
		payload, err := e.buildActionPayload(ctx, def.Data, in.Payload, current.Context, &logs)
		if err != nil {
			return task.MachineState{}, nil, nil, fmt.Errorf("action %q: %w", def.TaskActionLocalID, err)
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return task.MachineState{}, nil, nil, err
		}
		invocations = append(invocations, task.Invocation{
			TaskActionLocalID: def.TaskActionLocalID,
			Payload:           encoded,
		})
	}

	return task.MachineState{Current: next, Context: current.Context}, invocations, logs, nil
}

// findHandler looks the trigger up first on the current state, then on the
// machine-wide handlers.
func findHandler(machine task.StateMachine, current, triggerID string) *task.EventHandler {
	if state, ok := machine.States[current]; ok {
		for i := range state.Handlers {
			if state.Handlers[i].TriggerID == triggerID {
				return &state.Handlers[i]
			}
		}
	}
	for i := range machine.Handlers {
		if machine.Handlers[i].TriggerID == triggerID {
			return &machine.Handlers[i]
		}
	}
	return nil
}

// resolveTarget returns the next state name. Unknown state names are user
// errors: the walk must stay inside the machine's states map.
func (e *Evaluator) resolveTarget(ctx context.Context, target task.TransitionTarget, machine task.StateMachine, payload, taskContext json.RawMessage, logs *[]string) (string, error) {
	switch target.Type {
	case task.TargetOne:
		if _, ok := machine.States[target.State]; !ok {
			return "", userErrf("transition target %q is not a state", target.State)
		}
		return target.State, nil
	case task.TargetScript:
		value, err := e.runExpression(ctx, target.Script, payload, taskContext, logs)
		if err != nil {
			return "", err
		}
		name, ok := value.(string)
		if !ok {
			return "", userErrf("transition script returned %T, want state name", value)
		}
		if _, ok := machine.States[name]; !ok {
			return "", userErrf("transition script returned %q, which is not a state", name)
		}
		return name, nil
	default:
		return "", userErrf("unknown transition target type %q", target.Type)
	}
}

// buildActionPayload renders one action's data declaration.
func (e *Evaluator) buildActionPayload(ctx context.Context, builder task.PayloadBuilder, payload, taskContext json.RawMessage, logs *[]string) (map[string]any, error) {
	switch builder.Type {
	case task.BuilderFieldMap:
		return resolveFieldMap(builder.Fields, payload, taskContext)
	case task.BuilderScript:
		value, err := e.runExpression(ctx, builder.Script, payload, taskContext, logs)
		if err != nil {
			return nil, err
		}
		obj, ok := value.(map[string]any)
		if !ok {
			return nil, userErrf("payload script returned %T, want object", value)
		}
		return obj, nil
	default:
		return nil, userErrf("unknown payload builder type %q", builder.Type)
	}
}

// runExpression evaluates a JS expression with payload and context bound as
// globals and returns the exported result.
func (e *Evaluator) runExpression(ctx context.Context, src string, payload, taskContext json.RawMessage, logs *[]string) (any, error) {
	rt, stop, err := newRuntime(ctx, logs)
	if err != nil {
		return nil, err
	}
	defer stop()

	if err := setJSONValue(rt, "payload", payload); err != nil {
		return nil, userErrf("bind payload: %v", err)
	}
	if err := setJSONValue(rt, "context", taskContext); err != nil {
		return nil, userErrf("bind context: %v", err)
	}

	val, err := rt.RunString(src)
	if err != nil {
		return nil, runtimeError(ctx, err, "evaluate expression")
	}
	val, err = resolveValue(ctx, val)
	if err != nil {
		return nil, err
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	return val.Export(), nil
}
