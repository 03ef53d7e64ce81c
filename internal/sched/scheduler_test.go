package sched

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ergohq/ergo/internal/domain/inputs"
	"github.com/ergohq/ergo/internal/domain/job"
	"github.com/ergohq/ergo/internal/domain/task"
	"github.com/ergohq/ergo/internal/queue"
	"github.com/ergohq/ergo/internal/storage/memory"
)

func TestNextFireComputesUTCCron(t *testing.T) {
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	next, err := NextFire(inputs.Schedule{Type: "Cron", Data: "*/5 * * * *"}, from)
	if err != nil {
		t.Fatalf("next fire: %v", err)
	}
	want := time.Date(2024, 3, 1, 0, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestNextFireAcceptsSixFieldCron(t *testing.T) {
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	next, err := NextFire(inputs.Schedule{Type: "Cron", Data: "30 */5 * * * *"}, from)
	if err != nil {
		t.Fatalf("next fire: %v", err)
	}
	if next.Second() != 30 {
		t.Fatalf("expected seconds field honored, got %v", next)
	}
}

func TestNextFireRejectsMalformedCron(t *testing.T) {
	if _, err := NextFire(inputs.Schedule{Type: "Cron", Data: "not a cron"}, time.Now()); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := NextFire(inputs.Schedule{Type: "Interval", Data: "5s"}, time.Now()); err == nil {
		t.Fatalf("expected unsupported type error")
	}
}

func seedTaskWithTrigger(t *testing.T, store *memory.Memory) task.Trigger {
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
	trg, err := store.CreateTaskTrigger(ctx, task.Trigger{TaskID: created.ID, InputID: "in", LocalID: "tick"})
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	return trg
}

func newTestScheduler(store *memory.Memory) (*Scheduler, *queue.Queue) {
	q := queue.New(queue.NewMemoryBroker(), store, nil, queue.Options{})
	s := New(store, q, nil, nil, Options{Interval: time.Hour, Lookahead: 30 * time.Second})
	return s, q
}

func TestSchedulerInjectsDueTrigger(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	trg := seedTaskWithTrigger(t, store)
	s, _ := newTestScheduler(store)

	scheduledFor := time.Now().UTC().Add(5 * time.Second).Truncate(time.Second)
	pt, err := store.CreatePeriodicTrigger(ctx, inputs.PeriodicTrigger{
		TaskTriggerID: trg.ID,
		Name:          "every-five",
		Schedule:      inputs.Schedule{Type: "Cron", Data: "*/5 * * * * *"},
		Payload:       json.RawMessage(`{"tick":true}`),
		Enabled:       true,
		NextFireAt:    scheduledFor,
	})
	if err != nil {
		t.Fatalf("create periodic trigger: %v", err)
	}

	s.Tick(ctx)

	logs, err := store.ListInputLogs(ctx, "", 10)
	if err != nil {
		t.Fatalf("list input logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected one injected input, got %d", len(logs))
	}
	if logs[0].PeriodicTriggerID != pt.ID {
		t.Fatalf("log must reference the periodic trigger")
	}
	if !logs[0].ScheduledFor.Equal(scheduledFor) {
		t.Fatalf("scheduled_for mismatch: %v vs %v", logs[0].ScheduledFor, scheduledFor)
	}

	// next_fire_at advanced past the injected instance.
	updated, err := store.GetPeriodicTrigger(ctx, pt.ID)
	if err != nil {
		t.Fatalf("get periodic trigger: %v", err)
	}
	if !updated.NextFireAt.After(scheduledFor) {
		t.Fatalf("next fire must advance, got %v", updated.NextFireAt)
	}
}

func TestSchedulerInjectionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	trg := seedTaskWithTrigger(t, store)

	scheduledFor := time.Now().UTC().Add(5 * time.Second).Truncate(time.Second)
	pt, err := store.CreatePeriodicTrigger(ctx, inputs.PeriodicTrigger{
		TaskTriggerID: trg.ID,
		Name:          "dedup",
		Schedule:      inputs.Schedule{Type: "Cron", Data: "*/5 * * * *"},
		Enabled:       true,
		NextFireAt:    scheduledFor,
	})
	if err != nil {
		t.Fatalf("create periodic trigger: %v", err)
	}

	// First scheduler instance fires, then a "restarted" instance sees the
	// same next_fire_at and fires again.
	first, _ := newTestScheduler(store)
	first.Tick(ctx)
	first.dropLock()
	if err := store.SetPeriodicNextFire(ctx, pt.ID, scheduledFor); err != nil {
		t.Fatalf("rewind next fire: %v", err)
	}
	second, _ := newTestScheduler(store)
	second.Tick(ctx)

	logs, err := store.ListInputLogs(ctx, "", 10)
	if err != nil {
		t.Fatalf("list input logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("dedup key must allow exactly one log, got %d", len(logs))
	}
}

func TestSchedulerDisablesMalformedSchedule(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	trg := seedTaskWithTrigger(t, store)
	s, _ := newTestScheduler(store)

	pt, err := store.CreatePeriodicTrigger(ctx, inputs.PeriodicTrigger{
		TaskTriggerID: trg.ID,
		Name:          "broken",
		Schedule:      inputs.Schedule{Type: "Cron", Data: "61 * * * *"},
		Enabled:       true,
	})
	if err != nil {
		t.Fatalf("create periodic trigger: %v", err)
	}

	s.Tick(ctx)

	updated, err := store.GetPeriodicTrigger(ctx, pt.ID)
	if err != nil {
		t.Fatalf("get periodic trigger: %v", err)
	}
	if updated.Enabled {
		t.Fatalf("malformed schedule must disable the trigger")
	}
}

func TestSchedulerSkipsDisabledTriggers(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	trg := seedTaskWithTrigger(t, store)
	s, _ := newTestScheduler(store)

	if _, err := store.CreatePeriodicTrigger(ctx, inputs.PeriodicTrigger{
		TaskTriggerID: trg.ID,
		Name:          "off",
		Schedule:      inputs.Schedule{Type: "Cron", Data: "* * * * *"},
		Enabled:       false,
		NextFireAt:    time.Now().UTC().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("create periodic trigger: %v", err)
	}

	s.Tick(ctx)

	logs, err := store.ListInputLogs(ctx, "", 10)
	if err != nil {
		t.Fatalf("list input logs: %v", err)
	}
	if len(logs) != 0 {
		t.Fatalf("disabled trigger must never produce jobs, got %d", len(logs))
	}
}

func TestSchedulerFollowerDoesNotFire(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	trg := seedTaskWithTrigger(t, store)

	if _, err := store.CreatePeriodicTrigger(ctx, inputs.PeriodicTrigger{
		TaskTriggerID: trg.ID,
		Name:          "leader-only",
		Schedule:      inputs.Schedule{Type: "Cron", Data: "* * * * *"},
		Enabled:       true,
		NextFireAt:    time.Now().UTC().Add(time.Second),
	}); err != nil {
		t.Fatalf("create periodic trigger: %v", err)
	}

	leader, _ := newTestScheduler(store)
	follower, _ := newTestScheduler(store)

	leader.Tick(ctx) // takes the advisory lock
	follower.Tick(ctx)

	logs, err := store.ListInputLogs(ctx, "", 10)
	if err != nil {
		t.Fatalf("list input logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("only the leader may inject, got %d logs", len(logs))
	}

	// Verify the stage-1 job exists for the injected instance.
	jobs, err := store.ListQueueJobs(ctx, job.StageInput)
	if err != nil {
		t.Fatalf("list queue jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected one stage-1 job, got %d", len(jobs))
	}
}
