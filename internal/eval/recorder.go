package eval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
)

// Recorder journals side effects performed by a scripted run keyed by
// (function name, argument hash). The first run records; a retried run
// replays saved results (errors included) so reruns stay idempotent. A
// replayed run that reaches an unsaved call with exitIfUnsaved set suspends
// instead of re-executing the effect.
type Recorder struct {
	mu      sync.Mutex
	entries map[string]recordedEffect
	replay  bool
}

type recordedEffect struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	IsErr  bool            `json:"is_err,omitempty"`
}

// NewRecorder creates an empty journal.
func NewRecorder() *Recorder {
	return &Recorder{entries: make(map[string]recordedEffect)}
}

// MarkReplay flags subsequent lookups as belonging to a retried run.
func (r *Recorder) MarkReplay() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replay = true
}

// Replaying reports whether this run replays a prior journal.
func (r *Recorder) Replaying() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replay
}

func effectKey(fn string, args any) string {
	encoded, err := json.Marshal(args)
	if err != nil {
		encoded = []byte("unencodable")
	}
	sum := sha256.Sum256(append([]byte(fn+"\x00"), encoded...))
	return fn + ":" + hex.EncodeToString(sum[:])
}

// GetResult returns the saved outcome for (fn, args) if one exists.
func (r *Recorder) GetResult(fn string, args any) (json.RawMessage, error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[effectKey(fn, args)]
	if !ok {
		return nil, nil, false
	}
	if entry.IsErr {
		return nil, errors.New(entry.Error), true
	}
	return entry.Result, nil, true
}

// SaveResult journals the outcome of (fn, args).
func (r *Recorder) SaveResult(fn string, args any, result json.RawMessage, callErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := recordedEffect{Result: result}
	if callErr != nil {
		entry = recordedEffect{Error: callErr.Error(), IsErr: true}
	}
	r.entries[effectKey(fn, args)] = entry
}

// Wrap executes a side-effecting call through the journal: replays a saved
// outcome, suspends a replayed run on an unsaved call when exitIfUnsaved is
// set, or performs and records the call.
func (r *Recorder) Wrap(fn string, args any, exitIfUnsaved bool, call func() (json.RawMessage, error)) (json.RawMessage, error) {
	if result, savedErr, ok := r.GetResult(fn, args); ok {
		return result, savedErr
	}
	if r.Replaying() && exitIfUnsaved {
		return nil, ErrRunSuspended
	}
	result, err := call()
	r.SaveResult(fn, args, result, err)
	return result, err
}
