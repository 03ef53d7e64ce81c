package eval

import (
	"context"
	"encoding/json"
	"fmt"
)

// entryWrapper runs a source fragment that is either a function expression
// (invoked with the given arguments) or a bare expression.
const entryWrapper = `(function() {
	const entry = (%s);
	if (typeof entry === 'function') {
		return entry(%s);
	}
	return entry;
})();`

// RenderScriptTemplate executes an executor Script template: a JS fragment
// returning the rendered template object, with the invocation payload bound
// as `payload`.
func RenderScriptTemplate(ctx context.Context, src string, payload json.RawMessage) (map[string]any, error) {
	logs := make([]string, 0)
	rt, stop, err := newRuntime(ctx, &logs)
	if err != nil {
		return nil, err
	}
	defer stop()

	if err := setJSONValue(rt, "payload", payload); err != nil {
		return nil, userErrf("bind payload: %v", err)
	}

	val, err := rt.RunString(fmt.Sprintf(entryWrapper, src, "payload"))
	if err != nil {
		return nil, runtimeError(ctx, err, "render template script")
	}
	val, err = resolveValue(ctx, val)
	if err != nil {
		return nil, err
	}
	return exportObject(val)
}

// RunPostprocess executes an action's postprocess script over (output,
// payload), returning the transformed output. A throw marks the action
// failed.
func RunPostprocess(ctx context.Context, src string, output, payload json.RawMessage) (json.RawMessage, error) {
	logs := make([]string, 0)
	rt, stop, err := newRuntime(ctx, &logs)
	if err != nil {
		return nil, err
	}
	defer stop()

	if err := setJSONValue(rt, "output", output); err != nil {
		return nil, userErrf("bind output: %v", err)
	}
	if err := setJSONValue(rt, "payload", payload); err != nil {
		return nil, userErrf("bind payload: %v", err)
	}

	val, err := rt.RunString(fmt.Sprintf(entryWrapper, src, "output, payload"))
	if err != nil {
		return nil, runtimeError(ctx, err, "postprocess")
	}
	val, err = resolveValue(ctx, val)
	if err != nil {
		return nil, err
	}

	exported := val.Export()
	if exported == nil {
		return output, nil
	}
	encoded, err := json.Marshal(exported)
	if err != nil {
		return nil, userErrf("postprocess result not serializable: %v", err)
	}
	return encoded, nil
}
