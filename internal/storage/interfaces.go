package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ergohq/ergo/internal/domain/action"
	"github.com/ergohq/ergo/internal/domain/inputs"
	"github.com/ergohq/ergo/internal/domain/job"
	"github.com/ergohq/ergo/internal/domain/task"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a uniqueness constraint rejects a write. The
// periodic scheduler relies on it for (periodic_trigger_id, scheduled_for)
// deduplication.
var ErrDuplicate = errors.New("duplicate")

// TaskStore persists tasks, their triggers and their action bindings.
type TaskStore interface {
	CreateTask(ctx context.Context, t task.Task) (task.Task, error)
	UpdateTask(ctx context.Context, t task.Task) (task.Task, error)
	GetTask(ctx context.Context, id string) (task.Task, error)
	ListTasks(ctx context.Context, orgID string) ([]task.Task, error)
	DeleteTask(ctx context.Context, id string) error

	CreateTaskTrigger(ctx context.Context, trg task.Trigger) (task.Trigger, error)
	GetTaskTrigger(ctx context.Context, id string) (task.Trigger, error)
	GetTaskTriggerByLocalID(ctx context.Context, taskID, localID string) (task.Trigger, error)
	ListTaskTriggers(ctx context.Context, taskID string) ([]task.Trigger, error)

	UpsertTaskAction(ctx context.Context, ta task.TaskAction) (task.TaskAction, error)
	GetTaskAction(ctx context.Context, taskID, localID string) (task.TaskAction, error)
	ListTaskActions(ctx context.Context, taskID string) ([]task.TaskAction, error)
}

// ActionStore persists action definitions.
type ActionStore interface {
	CreateAction(ctx context.Context, a action.Action) (action.Action, error)
	UpdateAction(ctx context.Context, a action.Action) (action.Action, error)
	GetAction(ctx context.Context, id string) (action.Action, error)
	ListActions(ctx context.Context) ([]action.Action, error)
}

// InputStore persists input schemas.
type InputStore interface {
	CreateInput(ctx context.Context, in inputs.Input) (inputs.Input, error)
	GetInput(ctx context.Context, id string) (inputs.Input, error)
	ListInputs(ctx context.Context) ([]inputs.Input, error)
}

// EvaluationResult is the unit of work the input worker commits atomically:
// the new task state, the terminal input-log status, and all action logs
// plus their stage-2 queue jobs. Either everything lands or nothing does.
type EvaluationResult struct {
	TaskID       string
	NewState     *task.State
	Succeeded    bool
	InputLogID   string
	InputError   string
	ActionLogs   []inputs.ActionLog
	QueueJobs    []job.Job
	TriggeredAt  time.Time
}

// LogStore persists input and action logs.
type LogStore interface {
	// CreatePendingInput inserts a pending input-log row and its stage-1
	// queue job in one transaction. A live (periodic_trigger_id,
	// scheduled_for) collision returns ErrDuplicate and writes nothing.
	CreatePendingInput(ctx context.Context, log inputs.InputLog, qj job.Job) (inputs.InputLog, error)
	GetInputLog(ctx context.Context, id string) (inputs.InputLog, error)
	ListInputLogs(ctx context.Context, taskID string, limit int) ([]inputs.InputLog, error)
	// MarkInputLogError terminalizes an input log outside of an evaluation
	// commit (dead-letter, malformed payload).
	MarkInputLogError(ctx context.Context, id, errMsg string) error

	// ApplyEvaluation commits an evaluation result atomically.
	ApplyEvaluation(ctx context.Context, res EvaluationResult) error

	GetActionLog(ctx context.Context, id string) (inputs.ActionLog, error)
	ListActionLogs(ctx context.Context, inputLogID string) ([]inputs.ActionLog, error)
	SetActionLogStatus(ctx context.Context, id string, status inputs.LogStatus, result []byte, errMsg string) error
}

// PeriodicStore persists periodic triggers.
type PeriodicStore interface {
	CreatePeriodicTrigger(ctx context.Context, pt inputs.PeriodicTrigger) (inputs.PeriodicTrigger, error)
	UpdatePeriodicTrigger(ctx context.Context, pt inputs.PeriodicTrigger) (inputs.PeriodicTrigger, error)
	GetPeriodicTrigger(ctx context.Context, id string) (inputs.PeriodicTrigger, error)
	// ListDuePeriodicTriggers returns enabled triggers with next_fire_at at
	// or before the horizon (or unset).
	ListDuePeriodicTriggers(ctx context.Context, horizon time.Time) ([]inputs.PeriodicTrigger, error)
	SetPeriodicNextFire(ctx context.Context, id string, next time.Time) error
	DisablePeriodicTrigger(ctx context.Context, id, reason string) error
}

// QueueStore durably indexes queue jobs alongside the hot broker.
type QueueStore interface {
	CreateQueueJob(ctx context.Context, qj job.Job) (job.Job, error)
	GetQueueJob(ctx context.Context, id string) (job.Job, error)
	UpdateQueueJob(ctx context.Context, qj job.Job) error
	DeleteQueueJob(ctx context.Context, id string) error
	// ListQueueJobs returns every durable row for a stage; startup recovery
	// diffs it against the broker.
	ListQueueJobs(ctx context.Context, stage job.Stage) ([]job.Job, error)

	CreateDeadLetter(ctx context.Context, dl job.DeadLetter) (job.DeadLetter, error)
	ListDeadLetters(ctx context.Context, stage job.Stage, limit int) ([]job.DeadLetter, error)
}

// NotifyStore persists notification endpoints and listeners.
type NotifyStore interface {
	CreateNotifyEndpoint(ctx context.Context, ep inputs.NotifyEndpoint) (inputs.NotifyEndpoint, error)
	CreateNotifyListener(ctx context.Context, l inputs.NotifyListener) (inputs.NotifyListener, error)
	GetNotifyEndpoint(ctx context.Context, id string) (inputs.NotifyEndpoint, error)
	// MatchNotifyListeners returns listeners matching (org, object, event),
	// treating empty listener fields as wildcards.
	MatchNotifyListeners(ctx context.Context, orgID, objectID string, event inputs.NotifyEvent) ([]inputs.NotifyListener, error)
}

// Locker takes cluster-wide advisory locks keyed by integer. The periodic
// scheduler uses it to enforce its singleton.
type Locker interface {
	// TryLock attempts the lock without blocking; the release function is
	// nil when the lock was not acquired.
	TryLock(ctx context.Context, key int64) (func(), bool, error)
}

// Store aggregates every storage concern. Both the memory and the postgres
// implementations satisfy it.
type Store interface {
	TaskStore
	ActionStore
	InputStore
	LogStore
	PeriodicStore
	QueueStore
	NotifyStore
	Locker
}
