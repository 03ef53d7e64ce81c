// Package eval implements the task evaluator: the state machine interpreter
// and the sandboxed script interpreter behind a single contract. Callers see
// one synchronous call; any async work inside the sandbox is awaited (or
// timed out) before Evaluate returns.
package eval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"encoding/json"

	"github.com/ergohq/ergo/internal/domain/task"
	"github.com/ergohq/ergo/pkg/logger"
)

// DefaultTimeout bounds one evaluation unless the task overrides it.
const DefaultTimeout = 30 * time.Second

// ErrRunSuspended reports a replayed run that hit an unsaved effect with
// exitIfUnsaved set; the input worker treats it as a soft retry.
var ErrRunSuspended = errors.New("eval: run suspended awaiting unsaved effect")

// UserError marks failures caused by the task itself (script runtime error,
// invalid transition, missing required field). They are logged, never
// retried: replay would yield the same result.
type UserError struct {
	Err error
}

func (e *UserError) Error() string { return e.Err.Error() }
func (e *UserError) Unwrap() error { return e.Err }

func userErrf(format string, args ...any) error {
	return &UserError{Err: fmt.Errorf(format, args...)}
}

// IsUserError reports whether err is a task-authored failure.
func IsUserError(err error) bool {
	var ue *UserError
	return errors.As(err, &ue)
}

// Input carries one event into the evaluator.
type Input struct {
	Config         task.Config
	State          task.State
	TriggerLocalID string
	Payload        json.RawMessage
	// Now is the deterministic clock value: the job's scheduled_for or its
	// arrival time.
	Now time.Time
	// Timeout bounds the evaluation; zero selects the default.
	Timeout time.Duration
	// Recorder replays previously saved effects on retries. Optional.
	Recorder *Recorder
}

// Result is the outcome of one evaluation.
type Result struct {
	NewState    task.State
	Invocations []task.Invocation
	Log         []string
}

// Evaluator dispatches events to the interpreter matching the task's config
// variant.
type Evaluator struct {
	log     *logger.Logger
	timeout time.Duration
}

// New creates an evaluator with the given default timeout.
func New(log *logger.Logger, timeout time.Duration) *Evaluator {
	if log == nil {
		log = logger.NewDefault("eval")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Evaluator{log: log, timeout: timeout}
}

// Evaluate runs one event against a task. The state variant must match the
// config variant; a mismatch is corrupted persisted state and is fatal for
// the job, not the pool.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (Result, error) {
	if !in.State.Matches(in.Config) {
		return Result{}, fmt.Errorf("task state variant %q does not match config variant %q", in.State.Type, in.Config.Type)
	}
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	if in.Config.Type == task.ConfigTypeJs && in.Config.Js == nil {
		return Result{}, fmt.Errorf("js config has no script body")
	}
	if in.Config.Type == task.ConfigTypeJs && in.Config.Js.Timeout > 0 {
		timeout = time.Duration(in.Config.Js.Timeout) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch in.Config.Type {
	case task.ConfigTypeStateMachine:
		return e.evalStateMachines(runCtx, in)
	case task.ConfigTypeJs:
		return e.evalScript(runCtx, in)
	default:
		return Result{}, fmt.Errorf("unknown config type %q", in.Config.Type)
	}
}
