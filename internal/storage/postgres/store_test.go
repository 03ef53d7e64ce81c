package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ergohq/ergo/internal/domain/inputs"
	"github.com/ergohq/ergo/internal/domain/job"
	"github.com/ergohq/ergo/internal/domain/task"
	"github.com/ergohq/ergo/internal/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func TestGetTaskDecodesTaggedColumns(t *testing.T) {
	store, mock := newMockStore(t)

	cfg := task.Config{
		Type:     task.ConfigTypeStateMachine,
		Machines: []task.StateMachine{{Initial: "idle", States: map[string]task.StateDef{"idle": {}}}},
	}
	configJSON, _ := json.Marshal(cfg)
	stateJSON, _ := json.Marshal(cfg.InitialState())
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "org_id", "name", "alias", "description", "enabled", "config", "state",
		"success_count", "failure_count", "last_triggered", "template_version", "created_at", "updated_at",
	}).AddRow("t1", "org", "alarm", nil, "", true, configJSON, stateJSON, 3, 1, nil, 0, now, now)

	mock.ExpectQuery(regexp.QuoteMeta("FROM tasks")).WithArgs("t1").WillReturnRows(rows)

	got, err := store.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Config.Type != task.ConfigTypeStateMachine {
		t.Fatalf("config not decoded: %#v", got.Config)
	}
	if got.State.Machines[0].Current != "idle" {
		t.Fatalf("state not decoded: %#v", got.State)
	}
	if got.SuccessCount != 3 || got.FailureCount != 1 {
		t.Fatalf("counters not scanned")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM tasks")).WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetTask(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreatePendingInputTranslatesUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO inputs_log")).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	_, err := store.CreatePendingInput(context.Background(), inputs.InputLog{
		TaskID:            "t1",
		TaskTriggerID:     "trg",
		PeriodicTriggerID: "pt",
		ScheduledFor:      time.Now(),
	}, job.Job{Stage: job.StageInput})
	if !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreatePendingInputWritesLogAndJobInOneTx(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO inputs_log")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO queue_jobs")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	created, err := store.CreatePendingInput(context.Background(), inputs.InputLog{
		TaskID:         "t1",
		TaskTriggerID:  "trg",
		TriggerLocalID: "go",
		Payload:        json.RawMessage(`{}`),
	}, job.Job{Stage: job.StageInput, MaxAttempts: 3, EarliestRun: time.Now()})
	if err != nil {
		t.Fatalf("create pending input: %v", err)
	}
	if created.Status != inputs.StatusPending {
		t.Fatalf("expected pending status, got %s", created.Status)
	}
	if created.QueueJobID == "" {
		t.Fatalf("queue job id must be linked")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestApplyEvaluationSkipsTerminalLogs(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE inputs_log")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	state := task.State{Type: task.ConfigTypeJs, Js: &task.JsState{}}
	err := store.ApplyEvaluation(context.Background(), storage.EvaluationResult{
		TaskID:     "t1",
		NewState:   &state,
		Succeeded:  true,
		InputLogID: "log1",
	})
	if err != nil {
		t.Fatalf("apply evaluation: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("terminal log must short-circuit the transaction: %v", err)
	}
}
