package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ergohq/ergo/internal/domain/action"
	"github.com/ergohq/ergo/internal/domain/inputs"
	"github.com/ergohq/ergo/internal/domain/job"
	"github.com/ergohq/ergo/internal/domain/task"
	"github.com/ergohq/ergo/internal/executor"
	"github.com/ergohq/ergo/internal/queue"
	"github.com/ergohq/ergo/internal/storage"
	"github.com/ergohq/ergo/internal/storage/memory"
)

type actionFixture struct {
	store  *memory.Memory
	queue  *queue.Queue
	broker *queue.MemoryBroker
	worker *ActionWorker
}

func newActionFixture(t *testing.T) *actionFixture {
	t.Helper()
	store := memory.New()
	broker := queue.NewMemoryBroker()
	q := queue.New(broker, store, nil, queue.Options{BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond})
	registry := executor.NewRegistry(executor.NewHTTPExecutor(), executor.NewCommandExecutor())
	w := NewActionWorker(store, q, registry, nil, nil, nil, ActionOptions{})
	return &actionFixture{store: store, queue: q, broker: broker, worker: w}
}

// seedAction wires task -> task action -> action definition and returns the
// pending action log plus its stage-2 job.
func (f *actionFixture) seedAction(t *testing.T, def action.Action, payload string, maxAttempts int) inputs.ActionLog {
	t.Helper()
	ctx := context.Background()

	cfg := task.Config{
		Type:     task.ConfigTypeStateMachine,
		Machines: []task.StateMachine{{Initial: "idle", States: map[string]task.StateDef{"idle": {}}}},
	}
	created, err := f.store.CreateTask(ctx, task.Task{OrgID: "org", Name: "t", Enabled: true, Config: cfg, State: cfg.InitialState()})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	saved, err := f.store.CreateAction(ctx, def)
	if err != nil {
		t.Fatalf("create action: %v", err)
	}
	if _, err := f.store.UpsertTaskAction(ctx, task.TaskAction{TaskID: created.ID, LocalID: "do", ActionID: saved.ID, Name: "do"}); err != nil {
		t.Fatalf("create task action: %v", err)
	}

	actionLog := inputs.ActionLog{
		ID:                uuid.NewString(),
		InputLogID:        uuid.NewString(),
		TaskID:            created.ID,
		TaskActionLocalID: "do",
		Status:            inputs.StatusPending,
		Payload:           json.RawMessage(payload),
	}
	f.commitActionLog(t, created.ID, actionLog, maxAttempts)
	return actionLog
}

// commitActionLog lands an action log plus its stage-2 job through the same
// transactional path the input worker uses.
func (f *actionFixture) commitActionLog(t *testing.T, taskID string, actionLog inputs.ActionLog, maxAttempts int) {
	t.Helper()
	ctx := context.Background()

	inputLog := inputs.InputLog{
		ID:             actionLog.InputLogID,
		TaskID:         taskID,
		TaskTriggerID:  uuid.NewString(),
		TriggerLocalID: "t",
		Payload:        json.RawMessage(`{}`),
	}
	stage1Payload, _ := json.Marshal(job.InputPayload{InputLogID: inputLog.ID})
	if _, err := f.store.CreatePendingInput(ctx, inputLog, queue.NewJob(job.StageInput, stage1Payload, 0, 3)); err != nil {
		t.Fatalf("create pending input: %v", err)
	}

	jobPayload, err := json.Marshal(job.ActionPayload{ActionLogID: actionLog.ID})
	if err != nil {
		t.Fatalf("encode job payload: %v", err)
	}
	qj := queue.NewJob(job.StageAction, jobPayload, 0, maxAttempts)

	if err := f.store.ApplyEvaluation(ctx, storage.EvaluationResult{
		TaskID:     taskID,
		Succeeded:  true,
		InputLogID: inputLog.ID,
		ActionLogs: []inputs.ActionLog{actionLog},
		QueueJobs:  []job.Job{qj},
	}); err != nil {
		t.Fatalf("commit action log: %v", err)
	}
	if err := f.queue.Announce(ctx, qj); err != nil {
		t.Fatalf("announce: %v", err)
	}
}

// pump drains stage-2, returning the number of processed deliveries.
func (f *actionFixture) pump(t *testing.T) int {
	t.Helper()
	ctx := context.Background()
	deliveries := 0
	for i := 0; i < 100; i++ {
		if err := f.broker.Tick(ctx, job.StageAction, time.Now().Add(time.Second)); err != nil {
			t.Fatalf("tick: %v", err)
		}
		jobs, err := f.queue.DequeueBatch(ctx, job.StageAction, 16, time.Minute)
		if err != nil {
			if errors.Is(err, queue.ErrDequeueEmpty) {
				// Delayed retries may still be pending; keep ticking until
				// every stage-2 job settled.
				if f.brokerDrained(ctx) {
					return deliveries
				}
				time.Sleep(2 * time.Millisecond)
				continue
			}
			t.Fatalf("dequeue: %v", err)
		}
		for _, j := range jobs {
			deliveries++
			f.worker.process(ctx, j)
		}
	}
	t.Fatalf("stage-2 queue did not drain")
	return deliveries
}

func (f *actionFixture) brokerDrained(ctx context.Context) bool {
	jobs, err := f.store.ListQueueJobs(ctx, job.StageAction)
	if err != nil {
		return false
	}
	return len(jobs) == 0
}

func httpActionDef() action.Action {
	return action.Action{
		Name:       "call",
		ExecutorID: "http",
		ExecutorTemplate: action.ScriptOrTemplate{
			Kind: action.KindTemplate,
			Fields: []action.TemplateField{
				{Key: "url", Value: "{{url}}"},
				{Key: "method", Value: "GET"},
			},
		},
	}
}

func TestActionWorkerRetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"done":true}`))
	}))
	defer server.Close()

	f := newActionFixture(t)
	actionLog := f.seedAction(t, httpActionDef(), `{"url":"`+server.URL+`"}`, 5)

	deliveries := f.pump(t)
	if deliveries != 3 {
		t.Fatalf("expected 3 attempts, got %d", deliveries)
	}

	reloaded, err := f.store.GetActionLog(context.Background(), actionLog.ID)
	if err != nil {
		t.Fatalf("get action log: %v", err)
	}
	if reloaded.Status != inputs.StatusSuccess {
		t.Fatalf("expected success, got %s (%s)", reloaded.Status, reloaded.Error)
	}
	var result map[string]any
	if err := json.Unmarshal(reloaded.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result["body"] != `{"done":true}` {
		t.Fatalf("result must carry the 200 body, got %v", result["body"])
	}
}

func TestActionWorkerPermanentFailureOn4xx(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	f := newActionFixture(t)
	actionLog := f.seedAction(t, httpActionDef(), `{"url":"`+server.URL+`"}`, 5)

	deliveries := f.pump(t)
	if deliveries != 1 {
		t.Fatalf("4xx must not retry, got %d deliveries", deliveries)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one HTTP call, got %d", calls)
	}

	reloaded, err := f.store.GetActionLog(context.Background(), actionLog.ID)
	if err != nil {
		t.Fatalf("get action log: %v", err)
	}
	if (reloaded.Status) != inputs.StatusError {
		t.Fatalf("expected error, got %s", reloaded.Status)
	}
}

func TestActionWorkerPostprocessTransformsOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"value":21}`))
	}))
	defer server.Close()

	def := httpActionDef()
	def.PostprocessScript = `function(output, payload) { return {doubled: output.parsed_json.value * 2}; }`

	f := newActionFixture(t)
	actionLog := f.seedAction(t, def, `{"url":"`+server.URL+`"}`, 5)
	f.pump(t)

	reloaded, err := f.store.GetActionLog(context.Background(), actionLog.ID)
	if err != nil {
		t.Fatalf("get action log: %v", err)
	}
	if reloaded.Status != inputs.StatusSuccess {
		t.Fatalf("expected success, got %s (%s)", reloaded.Status, reloaded.Error)
	}
	var result map[string]any
	if err := json.Unmarshal(reloaded.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result["doubled"] != float64(42) {
		t.Fatalf("postprocess must transform the output, got %v", result)
	}
}

func TestActionWorkerPostprocessThrowIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	def := httpActionDef()
	def.PostprocessScript = `function(output, payload) { throw new Error("reject"); }`

	f := newActionFixture(t)
	actionLog := f.seedAction(t, def, `{"url":"`+server.URL+`"}`, 5)

	deliveries := f.pump(t)
	if deliveries != 1 {
		t.Fatalf("postprocess throw must not retry, got %d deliveries", deliveries)
	}
	reloaded, err := f.store.GetActionLog(context.Background(), actionLog.ID)
	if err != nil {
		t.Fatalf("get action log: %v", err)
	}
	if reloaded.Status != inputs.StatusError {
		t.Fatalf("expected error, got %s", reloaded.Status)
	}
}

func TestActionWorkerTemplateOverridesWin(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	f := newActionFixture(t)
	ctx := context.Background()

	// TaskAction override replaces the payload's url.
	cfg := task.Config{
		Type:     task.ConfigTypeStateMachine,
		Machines: []task.StateMachine{{Initial: "idle", States: map[string]task.StateDef{"idle": {}}}},
	}
	created, err := f.store.CreateTask(ctx, task.Task{OrgID: "org", Name: "t", Enabled: true, Config: cfg, State: cfg.InitialState()})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	saved, err := f.store.CreateAction(ctx, httpActionDef())
	if err != nil {
		t.Fatalf("create action: %v", err)
	}
	if _, err := f.store.UpsertTaskAction(ctx, task.TaskAction{
		TaskID:         created.ID,
		LocalID:        "do",
		ActionID:       saved.ID,
		Name:           "do",
		ActionTemplate: map[string]any{"url": server.URL + "/override"},
	}); err != nil {
		t.Fatalf("create task action: %v", err)
	}

	actionLog := inputs.ActionLog{
		ID:                uuid.NewString(),
		InputLogID:        uuid.NewString(),
		TaskID:            created.ID,
		TaskActionLocalID: "do",
		Status:            inputs.StatusPending,
		Payload:           json.RawMessage(`{"url":"` + server.URL + `/payload"}`),
	}
	f.commitActionLog(t, created.ID, actionLog, 3)

	f.pump(t)

	if gotPath != "/override" {
		t.Fatalf("TaskAction overrides must win, request went to %q", gotPath)
	}
}
