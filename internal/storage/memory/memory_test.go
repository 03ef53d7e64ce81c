package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ergohq/ergo/internal/domain/inputs"
	"github.com/ergohq/ergo/internal/domain/job"
	"github.com/ergohq/ergo/internal/domain/task"
	"github.com/ergohq/ergo/internal/storage"
)

func seedTask(t *testing.T, store *Memory) task.Task {
	t.Helper()
	cfg := task.Config{
		Type:     task.ConfigTypeStateMachine,
		Machines: []task.StateMachine{{Initial: "idle", States: map[string]task.StateDef{"idle": {}, "armed": {}}}},
	}
	created, err := store.CreateTask(context.Background(), task.Task{OrgID: "org", Name: "t", Enabled: true, Config: cfg, State: cfg.InitialState()})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return created
}

func TestCreatePendingInputDeduplicatesPeriodicInstances(t *testing.T) {
	ctx := context.Background()
	store := New()
	created := seedTask(t, store)

	scheduledFor := time.Now().UTC().Truncate(time.Second)
	logEntry := inputs.InputLog{
		TaskID:            created.ID,
		TaskTriggerID:     "trg",
		TriggerLocalID:    "tick",
		PeriodicTriggerID: "pt-1",
		ScheduledFor:      scheduledFor,
	}

	if _, err := store.CreatePendingInput(ctx, logEntry, job.Job{Stage: job.StageInput}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := store.CreatePendingInput(ctx, logEntry, job.Job{Stage: job.StageInput})
	if !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// A different instant is fine.
	logEntry.ScheduledFor = scheduledFor.Add(5 * time.Minute)
	if _, err := store.CreatePendingInput(ctx, logEntry, job.Job{Stage: job.StageInput}); err != nil {
		t.Fatalf("different scheduled_for: %v", err)
	}
}

func TestApplyEvaluationCommitsAtomUnit(t *testing.T) {
	ctx := context.Background()
	store := New()
	created := seedTask(t, store)

	logEntry, err := store.CreatePendingInput(ctx, inputs.InputLog{
		TaskID:         created.ID,
		TaskTriggerID:  "trg",
		TriggerLocalID: "go",
		Payload:        json.RawMessage(`{}`),
	}, job.Job{Stage: job.StageInput})
	if err != nil {
		t.Fatalf("create pending input: %v", err)
	}

	newState := created.Config.InitialState()
	newState.Machines[0].Current = "armed"

	err = store.ApplyEvaluation(ctx, storage.EvaluationResult{
		TaskID:     created.ID,
		NewState:   &newState,
		Succeeded:  true,
		InputLogID: logEntry.ID,
		ActionLogs: []inputs.ActionLog{{
			InputLogID:        logEntry.ID,
			TaskID:            created.ID,
			TaskActionLocalID: "beep",
			Status:            inputs.StatusPending,
			Payload:           json.RawMessage(`{"volume":7}`),
		}},
		QueueJobs: []job.Job{{Stage: job.StageAction, Payload: json.RawMessage(`{}`), MaxAttempts: 5}},
	})
	if err != nil {
		t.Fatalf("apply evaluation: %v", err)
	}

	reloaded, err := store.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if reloaded.State.Machines[0].Current != "armed" {
		t.Fatalf("state not applied")
	}
	if reloaded.SuccessCount != 1 {
		t.Fatalf("success count not applied")
	}

	log, err := store.GetInputLog(ctx, logEntry.ID)
	if err != nil {
		t.Fatalf("get log: %v", err)
	}
	if log.Status != inputs.StatusSuccess {
		t.Fatalf("log not terminalized")
	}

	actionLogs, err := store.ListActionLogs(ctx, logEntry.ID)
	if err != nil || len(actionLogs) != 1 {
		t.Fatalf("action logs: %v (%d)", err, len(actionLogs))
	}
	jobs, err := store.ListQueueJobs(ctx, job.StageAction)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("queue jobs: %v (%d)", err, len(jobs))
	}
}

func TestTerminalLogsAreImmutable(t *testing.T) {
	ctx := context.Background()
	store := New()
	created := seedTask(t, store)

	logEntry, err := store.CreatePendingInput(ctx, inputs.InputLog{
		TaskID:         created.ID,
		TaskTriggerID:  "trg",
		TriggerLocalID: "go",
	}, job.Job{Stage: job.StageInput})
	if err != nil {
		t.Fatalf("create pending input: %v", err)
	}
	if err := store.MarkInputLogError(ctx, logEntry.ID, "boom"); err != nil {
		t.Fatalf("mark error: %v", err)
	}

	err = store.ApplyEvaluation(ctx, storage.EvaluationResult{
		TaskID:     created.ID,
		Succeeded:  true,
		InputLogID: logEntry.ID,
	})
	if err != nil {
		t.Fatalf("apply evaluation: %v", err)
	}

	reloaded, err := store.GetInputLog(ctx, logEntry.ID)
	if err != nil {
		t.Fatalf("get log: %v", err)
	}
	if reloaded.Status != inputs.StatusError {
		t.Fatalf("terminal status must not change, got %s", reloaded.Status)
	}
}

func TestDeleteTaskCascades(t *testing.T) {
	ctx := context.Background()
	store := New()
	created := seedTask(t, store)

	if _, err := store.CreateTaskTrigger(ctx, task.Trigger{TaskID: created.ID, InputID: "in", LocalID: "go"}); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	if _, err := store.UpsertTaskAction(ctx, task.TaskAction{TaskID: created.ID, LocalID: "beep", ActionID: "a"}); err != nil {
		t.Fatalf("create task action: %v", err)
	}

	if err := store.DeleteTask(ctx, created.ID); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	if triggers, _ := store.ListTaskTriggers(ctx, created.ID); len(triggers) != 0 {
		t.Fatalf("triggers must cascade")
	}
	if actions, _ := store.ListTaskActions(ctx, created.ID); len(actions) != 0 {
		t.Fatalf("task actions must cascade")
	}
}

func TestTryLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := New()

	release, ok, err := store.TryLock(ctx, 42)
	if err != nil || !ok {
		t.Fatalf("first lock: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := store.TryLock(ctx, 42); ok {
		t.Fatalf("second lock must fail while held")
	}
	release()
	if _, ok, _ := store.TryLock(ctx, 42); !ok {
		t.Fatalf("lock must be available after release")
	}
}
