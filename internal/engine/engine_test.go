package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ergohq/ergo/internal/domain/inputs"
	"github.com/ergohq/ergo/internal/domain/job"
	"github.com/ergohq/ergo/internal/domain/task"
	"github.com/ergohq/ergo/internal/queue"
	"github.com/ergohq/ergo/internal/storage"
	"github.com/ergohq/ergo/internal/storage/memory"
	"github.com/ergohq/ergo/pkg/config"
	"github.com/ergohq/ergo/pkg/logger"
)

func newTestEngine(t *testing.T) (*Engine, *memory.Memory) {
	t.Helper()
	store := memory.New()
	eng := New(config.New(), logger.NewDefault("test"), store, queue.NewMemoryBroker(), nil)
	return eng, store
}

func seedTrigger(t *testing.T, store *memory.Memory) task.Trigger {
	t.Helper()
	ctx := context.Background()

	cfg := task.Config{
		Type:     task.ConfigTypeStateMachine,
		Machines: []task.StateMachine{{Initial: "idle", States: map[string]task.StateDef{"idle": {}}}},
	}
	created, err := store.CreateTask(ctx, task.Task{OrgID: "org", Name: "t", Enabled: true, Config: cfg, State: cfg.InitialState()})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	trg, err := store.CreateTaskTrigger(ctx, task.Trigger{TaskID: created.ID, InputID: "in", LocalID: "go"})
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	return trg
}

func TestEnqueueInputCreatesPendingLogAndJob(t *testing.T) {
	eng, store := newTestEngine(t)
	trg := seedTrigger(t, store)
	ctx := context.Background()

	jobID, err := eng.EnqueueInput(ctx, trg.ID, json.RawMessage(`{"n":1}`))
	if err != nil {
		t.Fatalf("enqueue input: %v", err)
	}
	if jobID == "" {
		t.Fatalf("expected job id")
	}

	logs, err := store.ListInputLogs(ctx, trg.TaskID, 10)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Status != inputs.StatusPending {
		t.Fatalf("expected one pending log, got %#v", logs)
	}
	if logs[0].QueueJobID != jobID {
		t.Fatalf("log must link its queue job")
	}

	jobs, err := eng.Queue().DequeueBatch(ctx, job.StageInput, 1, 0)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if jobs[0].ID != jobID {
		t.Fatalf("announced job must be dequeueable")
	}
}

func TestEnqueueInputUnknownTrigger(t *testing.T) {
	eng, _ := newTestEngine(t)

	_, err := eng.EnqueueInput(context.Background(), "missing", json.RawMessage(`{}`))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInputEndpointAcceptsJSON(t *testing.T) {
	eng, store := newTestEngine(t)
	trg := seedTrigger(t, store)

	router := eng.Router()

	req := httptest.NewRequest(http.MethodPost, "/v1/inputs/"+trg.ID, strings.NewReader(`{"hello":"world"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["job_id"] == "" {
		t.Fatalf("expected job_id in response")
	}
}

func TestInputEndpointRejectsBadPayloads(t *testing.T) {
	eng, store := newTestEngine(t)
	trg := seedTrigger(t, store)
	router := eng.Router()

	req := httptest.NewRequest(http.MethodPost, "/v1/inputs/"+trg.ID, strings.NewReader(`{not json`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid JSON, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/inputs/missing", strings.NewReader(`{}`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown trigger, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	eng, _ := newTestEngine(t)
	router := eng.Router()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
