package eval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dop251/goja"

	"github.com/ergohq/ergo/internal/domain/task"
)

// scriptPrelude pins the sandbox's sources of nondeterminism and dresses the
// raw host bindings. Math.random draws from a seeded xorshift32 stream and
// Date.now returns the job's fixed clock so retried runs observe identical
// values.
const scriptPrelude = `
Math.random = (function() {
	var s = __seed >>> 0;
	if (s === 0) { s = 1; }
	return function() {
		s ^= s << 13; s >>>= 0;
		s ^= s >>> 17;
		s ^= s << 5; s >>>= 0;
		return s / 4294967296;
	};
})();

Date.now = function() { return __now; };

var fetch = function(url, options) {
	var saved = __fetch(url, options || null);
	return {
		status: saved.status,
		statusText: saved.statusText,
		headers: saved.headers,
		ok: saved.status >= 200 && saved.status < 300,
		text: function() { return saved.buffer; },
		json: function() { return JSON.parse(saved.buffer); }
	};
};
`

// fetchRecord is the replayable form of an HTTP response. Streaming bodies
// cannot be replayed, so the whole buffer is preserved.
type fetchRecord struct {
	Buffer     string            `json:"buffer"`
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
}

// scriptHost collects the mutations a script performs through the Ergo
// bindings; effects stay deferred until the worker commits them.
type scriptHost struct {
	contextSet  bool
	newContext  json.RawMessage
	invocations []task.Invocation
}

// evalScript executes a scripted task body in a fresh sandbox.
func (e *Evaluator) evalScript(ctx context.Context, in Input) (Result, error) {
	logs := make([]string, 0)
	rt, stop, err := newRuntime(ctx, &logs)
	if err != nil {
		return Result{}, err
	}
	defer stop()

	prior := in.State.Js
	if prior == nil {
		prior = &task.JsState{}
	}
	seed := prior.Seed
	if seed == 0 {
		seed = in.Now.UnixNano() | 1
	}

	if err := rt.Set("__seed", uint32(uint64(seed))); err != nil {
		return Result{}, err
	}
	if err := rt.Set("__now", in.Now.UnixMilli()); err != nil {
		return Result{}, err
	}

	host := &scriptHost{}
	if err := bindErgo(rt, host, prior.Context, in); err != nil {
		return Result{}, err
	}
	if err := rt.Set("__fetch", e.fetchBinding(ctx, rt, in.Recorder)); err != nil {
		return Result{}, err
	}

	if _, err := rt.RunString(scriptPrelude); err != nil {
		return Result{}, fmt.Errorf("load prelude: %w", err)
	}

	val, err := rt.RunString(in.Config.Js.Script)
	if err != nil {
		return Result{}, runtimeError(ctx, err, "execute script")
	}
	if _, err := resolveValue(ctx, val); err != nil {
		if errors.Is(err, ErrRunSuspended) || IsUserError(err) {
			return Result{}, err
		}
		return Result{}, runtimeError(ctx, err, "await script result")
	}

	newContext := prior.Context
	if host.contextSet {
		newContext = host.newContext
	}
	return Result{
		NewState: task.State{
			Type: task.ConfigTypeJs,
			Js: &task.JsState{
				Context: newContext,
				Seed:    nextSeed(seed),
			},
		},
		Invocations: host.invocations,
		Log:         logs,
	}, nil
}

// bindErgo installs the Ergo host object:
// getPayload/getContext/setContext/runAction.
func bindErgo(rt *goja.Runtime, host *scriptHost, priorContext json.RawMessage, in Input) error {
	ergo := rt.NewObject()

	payloadValue, err := decodeToValue(rt, in.Payload)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	contextValue, err := decodeToValue(rt, priorContext)
	if err != nil {
		return fmt.Errorf("decode context: %w", err)
	}

	if err := ergo.Set("getPayload", func(goja.FunctionCall) goja.Value {
		return payloadValue
	}); err != nil {
		return err
	}
	if err := ergo.Set("getContext", func(goja.FunctionCall) goja.Value {
		if host.contextSet {
			val, err := decodeToValue(rt, host.newContext)
			if err != nil {
				panic(rt.ToValue(err.Error()))
			}
			return val
		}
		return contextValue
	}); err != nil {
		return err
	}
	if err := ergo.Set("setContext", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(rt.ToValue("setContext requires a value"))
		}
		encoded, err := json.Marshal(call.Arguments[0].Export())
		if err != nil {
			panic(rt.ToValue(fmt.Sprintf("setContext: %v", err)))
		}
		host.contextSet = true
		host.newContext = encoded
		return goja.Undefined()
	}); err != nil {
		return err
	}
	if err := ergo.Set("runAction", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(rt.ToValue("runAction requires an action name"))
		}
		localID := call.Arguments[0].String()
		var payload json.RawMessage = []byte("null")
		if len(call.Arguments) > 1 {
			encoded, err := json.Marshal(call.Arguments[1].Export())
			if err != nil {
				panic(rt.ToValue(fmt.Sprintf("runAction: %v", err)))
			}
			payload = encoded
		}
		host.invocations = append(host.invocations, task.Invocation{
			TaskActionLocalID: localID,
			Payload:           payload,
		})
		return goja.Undefined()
	}); err != nil {
		return err
	}
	return rt.Set("Ergo", ergo)
}

// fetchBinding returns the __fetch host function. Calls run through the
// recorder so a retried run replays instead of re-issuing the request; an
// unsaved call during replay interrupts the runtime with ErrRunSuspended.
func (e *Evaluator) fetchBinding(ctx context.Context, rt *goja.Runtime, recorder *Recorder) func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(rt.ToValue("fetch requires a url"))
		}
		url := call.Arguments[0].String()
		var options map[string]any
		if len(call.Arguments) > 1 && !goja.IsUndefined(call.Arguments[1]) && !goja.IsNull(call.Arguments[1]) {
			options, _ = call.Arguments[1].Export().(map[string]any)
		}

		perform := func() (json.RawMessage, error) {
			record, err := doFetch(ctx, url, options)
			if err != nil {
				return nil, err
			}
			return json.Marshal(record)
		}

		var (
			raw json.RawMessage
			err error
		)
		if recorder != nil {
			raw, err = recorder.Wrap("fetch", []any{url, options}, true, perform)
		} else {
			raw, err = perform()
		}
		if err != nil {
			if errors.Is(err, ErrRunSuspended) {
				rt.Interrupt(ErrRunSuspended)
				panic(rt.ToValue(ErrRunSuspended.Error()))
			}
			panic(rt.ToValue(fmt.Sprintf("fetch %s: %v", url, err)))
		}

		var record fetchRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			panic(rt.ToValue(fmt.Sprintf("fetch %s: decode saved response: %v", url, err)))
		}
		return rt.ToValue(map[string]any{
			"buffer":     record.Buffer,
			"status":     record.Status,
			"statusText": record.StatusText,
			"headers":    record.Headers,
		})
	}
}

func doFetch(ctx context.Context, url string, options map[string]any) (fetchRecord, error) {
	method := http.MethodGet
	var body io.Reader
	headers := map[string]string{}

	if options != nil {
		if m, ok := options["method"].(string); ok && m != "" {
			method = strings.ToUpper(m)
		}
		if h, ok := options["headers"].(map[string]any); ok {
			for k, v := range h {
				headers[k] = fmt.Sprint(v)
			}
		}
		if b, ok := options["body"]; ok && b != nil {
			switch v := b.(type) {
			case string:
				body = strings.NewReader(v)
			default:
				encoded, err := json.Marshal(v)
				if err != nil {
					return fetchRecord{}, err
				}
				body = strings.NewReader(string(encoded))
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fetchRecord{}, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fetchRecord{}, err
	}
	defer resp.Body.Close()

	buffer, err := io.ReadAll(resp.Body)
	if err != nil {
		return fetchRecord{}, err
	}

	flatHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		flatHeaders[k] = resp.Header.Get(k)
	}
	return fetchRecord{
		Buffer:     string(buffer),
		Status:     resp.StatusCode,
		StatusText: resp.Status,
		Headers:    flatHeaders,
	}, nil
}

func decodeToValue(rt *goja.Runtime, doc json.RawMessage) (goja.Value, error) {
	if len(doc) == 0 {
		return goja.Null(), nil
	}
	var value any
	if err := json.Unmarshal(doc, &value); err != nil {
		return nil, err
	}
	return rt.ToValue(value), nil
}

// nextSeed advances the persisted random seed with a splitmix64 step so
// consecutive events draw independent streams while retries of the same
// event stay identical.
func nextSeed(seed int64) int64 {
	z := uint64(seed) + 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	z ^= z >> 31
	next := int64(z)
	if next == 0 {
		next = 1
	}
	return next
}
