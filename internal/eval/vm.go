package eval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// newRuntime creates an isolated goja runtime wired to the evaluation
// context: interrupted when ctx ends, console output captured into logs.
// The returned stop function must be deferred by the caller.
func newRuntime(ctx context.Context, logs *[]string) (*goja.Runtime, func(), error) {
	rt := goja.New()
	if err := attachConsole(rt, logs); err != nil {
		return nil, nil, fmt.Errorf("attach console: %w", err)
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			rt.Interrupt(ctx.Err())
		case <-stop:
		}
	}()
	return rt, func() { close(stop) }, nil
}

func attachConsole(vm *goja.Runtime, logs *[]string) error {
	console := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		*logs = append(*logs, fmt.Sprint(args...))
		return goja.Undefined()
	}
	for _, name := range []string{"log", "info", "warn", "error"} {
		if err := console.Set(name, logFn); err != nil {
			return err
		}
	}
	return vm.Set("console", console)
}

// setJSONValue decodes a JSON document and exposes it as a global. Empty
// documents become null.
func setJSONValue(vm *goja.Runtime, name string, doc json.RawMessage) error {
	if len(doc) == 0 {
		return vm.Set(name, goja.Null())
	}
	var value any
	if err := json.Unmarshal(doc, &value); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return vm.Set(name, vm.ToValue(value))
}

// resolveValue unwraps a settled promise returned by a script. A pending
// promise after the script ran to completion cannot settle anymore.
func resolveValue(ctx context.Context, val goja.Value) (goja.Value, error) {
	if promise, ok := exportedPromise(val); ok {
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			return promise.Result(), nil
		case goja.PromiseStateRejected:
			return nil, promiseRejectionError(promise.Result())
		case goja.PromiseStatePending:
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, userErrf("script returned a promise that did not settle")
		}
	}
	return val, nil
}

func exportedPromise(val goja.Value) (*goja.Promise, bool) {
	if val == nil {
		return nil, false
	}
	exported := val.Export()
	if exported == nil {
		return nil, false
	}
	promise, ok := exported.(*goja.Promise)
	return promise, ok
}

func promiseRejectionError(reason goja.Value) error {
	if reason == nil {
		return userErrf("promise rejected")
	}
	if exported := reason.Export(); exported != nil {
		if err, ok := exported.(error); ok {
			return &UserError{Err: err}
		}
		return userErrf("promise rejected: %v", exported)
	}
	return userErrf("promise rejected: %s", reason.String())
}

// runtimeError classifies a goja failure: context expiry and suspensions are
// infrastructure-shaped, everything else is the task's own fault.
func runtimeError(ctx context.Context, err error, when string) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", when, ctxErr)
	}
	switch typed := err.(type) {
	case *goja.InterruptedError:
		if val := typed.Value(); val != nil {
			if inner, ok := val.(error); ok {
				if errors.Is(inner, ErrRunSuspended) {
					return ErrRunSuspended
				}
				return fmt.Errorf("%s: %w", when, inner)
			}
			return fmt.Errorf("%s: %v", when, val)
		}
		return fmt.Errorf("%s: interrupted", when)
	case *goja.Exception:
		// A suspension raised inside a host binding surfaces as a script
		// exception carrying the sentinel's message.
		if strings.Contains(typed.Error(), ErrRunSuspended.Error()) {
			return ErrRunSuspended
		}
		return &UserError{Err: fmt.Errorf("%s: %s", when, typed.Error())}
	default:
		if errors.Is(err, ErrRunSuspended) {
			return ErrRunSuspended
		}
		return fmt.Errorf("%s: %w", when, err)
	}
}

// exportObject converts a script result into a JSON-friendly map.
func exportObject(val goja.Value) (map[string]any, error) {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return map[string]any{}, nil
	}
	exported := val.Export()
	switch v := exported.(type) {
	case map[string]any:
		return v, nil
	default:
		jsonBytes, err := json.Marshal(exported)
		if err != nil {
			return nil, userErrf("script result is not an object: %T", exported)
		}
		var out map[string]any
		if err := json.Unmarshal(jsonBytes, &out); err != nil {
			return nil, userErrf("script result is not an object: %T", exported)
		}
		return out, nil
	}
}
