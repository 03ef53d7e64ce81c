// Package memory provides a thread-safe in-memory implementation of the
// storage interfaces. It backs tests and brokerless single-process runs and
// deliberately keeps the implementation simple.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ergohq/ergo/internal/domain/action"
	"github.com/ergohq/ergo/internal/domain/inputs"
	"github.com/ergohq/ergo/internal/domain/job"
	"github.com/ergohq/ergo/internal/domain/task"
	"github.com/ergohq/ergo/internal/storage"
)

// Memory implements storage.Store backed by maps.
type Memory struct {
	mu           sync.RWMutex
	tasks        map[string]task.Task
	taskTriggers map[string]task.Trigger
	taskActions  map[string]task.TaskAction
	actions      map[string]action.Action
	inputs       map[string]inputs.Input
	inputLogs    map[string]inputs.InputLog
	actionLogs   map[string]inputs.ActionLog
	periodics    map[string]inputs.PeriodicTrigger
	queueJobs    map[string]job.Job
	deadLetters  map[string]job.DeadLetter
	endpoints    map[string]inputs.NotifyEndpoint
	listeners    map[string]inputs.NotifyListener
	locks        map[int64]bool
}

var _ storage.Store = (*Memory)(nil)

// New creates an empty in-memory store.
func New() *Memory {
	return &Memory{
		tasks:        make(map[string]task.Task),
		taskTriggers: make(map[string]task.Trigger),
		taskActions:  make(map[string]task.TaskAction),
		actions:      make(map[string]action.Action),
		inputs:       make(map[string]inputs.Input),
		inputLogs:    make(map[string]inputs.InputLog),
		actionLogs:   make(map[string]inputs.ActionLog),
		periodics:    make(map[string]inputs.PeriodicTrigger),
		queueJobs:    make(map[string]job.Job),
		deadLetters:  make(map[string]job.DeadLetter),
		endpoints:    make(map[string]inputs.NotifyEndpoint),
		listeners:    make(map[string]inputs.NotifyListener),
		locks:        make(map[int64]bool),
	}
}

func taskActionKey(taskID, localID string) string {
	return taskID + "|" + localID
}

// TaskStore ------------------------------------------------------------------

func (m *Memory) CreateTask(_ context.Context, t task.Task) (task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	} else if _, exists := m.tasks[t.ID]; exists {
		return task.Task{}, storage.ErrDuplicate
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	m.tasks[t.ID] = t
	return t, nil
}

func (m *Memory) UpdateTask(_ context.Context, t task.Task) (task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.tasks[t.ID]
	if !ok {
		return task.Task{}, storage.ErrNotFound
	}
	t.CreatedAt = original.CreatedAt
	t.UpdatedAt = time.Now().UTC()
	m.tasks[t.ID] = t
	return t, nil
}

func (m *Memory) GetTask(_ context.Context, id string) (task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return task.Task{}, storage.ErrNotFound
	}
	return t, nil
}

func (m *Memory) ListTasks(_ context.Context, orgID string) ([]task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if orgID == "" || t.OrgID == orgID {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *Memory) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[id]; !ok {
		return storage.ErrNotFound
	}
	delete(m.tasks, id)
	// Cascade to owned triggers and action bindings.
	for trgID, trg := range m.taskTriggers {
		if trg.TaskID == id {
			delete(m.taskTriggers, trgID)
		}
	}
	for key, ta := range m.taskActions {
		if ta.TaskID == id {
			delete(m.taskActions, key)
		}
	}
	return nil
}

func (m *Memory) CreateTaskTrigger(_ context.Context, trg task.Trigger) (task.Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if trg.ID == "" {
		trg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	trg.CreatedAt = now
	trg.UpdatedAt = now
	m.taskTriggers[trg.ID] = trg
	return trg, nil
}

func (m *Memory) GetTaskTrigger(_ context.Context, id string) (task.Trigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	trg, ok := m.taskTriggers[id]
	if !ok {
		return task.Trigger{}, storage.ErrNotFound
	}
	return trg, nil
}

func (m *Memory) GetTaskTriggerByLocalID(_ context.Context, taskID, localID string) (task.Trigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, trg := range m.taskTriggers {
		if trg.TaskID == taskID && trg.LocalID == localID {
			return trg, nil
		}
	}
	return task.Trigger{}, storage.ErrNotFound
}

func (m *Memory) ListTaskTriggers(_ context.Context, taskID string) ([]task.Trigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]task.Trigger, 0)
	for _, trg := range m.taskTriggers {
		if trg.TaskID == taskID {
			result = append(result, trg)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].LocalID < result[j].LocalID })
	return result, nil
}

func (m *Memory) UpsertTaskAction(_ context.Context, ta task.TaskAction) (task.TaskAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.taskActions[taskActionKey(ta.TaskID, ta.LocalID)] = ta
	return ta, nil
}

func (m *Memory) GetTaskAction(_ context.Context, taskID, localID string) (task.TaskAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ta, ok := m.taskActions[taskActionKey(taskID, localID)]
	if !ok {
		return task.TaskAction{}, storage.ErrNotFound
	}
	return ta, nil
}

func (m *Memory) ListTaskActions(_ context.Context, taskID string) ([]task.TaskAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]task.TaskAction, 0)
	for _, ta := range m.taskActions {
		if ta.TaskID == taskID {
			result = append(result, ta)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].LocalID < result[j].LocalID })
	return result, nil
}

// ActionStore ----------------------------------------------------------------

func (m *Memory) CreateAction(_ context.Context, a action.Action) (action.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	m.actions[a.ID] = a
	return a, nil
}

func (m *Memory) UpdateAction(_ context.Context, a action.Action) (action.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.actions[a.ID]
	if !ok {
		return action.Action{}, storage.ErrNotFound
	}
	a.CreatedAt = original.CreatedAt
	a.UpdatedAt = time.Now().UTC()
	m.actions[a.ID] = a
	return a, nil
}

func (m *Memory) GetAction(_ context.Context, id string) (action.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.actions[id]
	if !ok {
		return action.Action{}, storage.ErrNotFound
	}
	return a, nil
}

func (m *Memory) ListActions(_ context.Context) ([]action.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]action.Action, 0, len(m.actions))
	for _, a := range m.actions {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// InputStore -----------------------------------------------------------------

func (m *Memory) CreateInput(_ context.Context, in inputs.Input) (inputs.Input, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	in.CreatedAt = now
	in.UpdatedAt = now
	m.inputs[in.ID] = in
	return in, nil
}

func (m *Memory) GetInput(_ context.Context, id string) (inputs.Input, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	in, ok := m.inputs[id]
	if !ok {
		return inputs.Input{}, storage.ErrNotFound
	}
	return in, nil
}

func (m *Memory) ListInputs(_ context.Context) ([]inputs.Input, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]inputs.Input, 0, len(m.inputs))
	for _, in := range m.inputs {
		result = append(result, in)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// LogStore -------------------------------------------------------------------

func (m *Memory) CreatePendingInput(_ context.Context, log inputs.InputLog, qj job.Job) (inputs.InputLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if log.PeriodicTriggerID != "" && !log.ScheduledFor.IsZero() {
		for _, existing := range m.inputLogs {
			if existing.PeriodicTriggerID == log.PeriodicTriggerID && existing.ScheduledFor.Equal(log.ScheduledFor) {
				return inputs.InputLog{}, storage.ErrDuplicate
			}
		}
	}

	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	log.Status = inputs.StatusPending
	log.CreatedAt = now
	log.UpdatedAt = now
	if qj.ID == "" {
		qj.ID = uuid.NewString()
	}
	qj.EnqueuedAt = now
	log.QueueJobID = qj.ID

	m.inputLogs[log.ID] = log
	m.queueJobs[qj.ID] = qj
	return log, nil
}

func (m *Memory) GetInputLog(_ context.Context, id string) (inputs.InputLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log, ok := m.inputLogs[id]
	if !ok {
		return inputs.InputLog{}, storage.ErrNotFound
	}
	return log, nil
}

func (m *Memory) ListInputLogs(_ context.Context, taskID string, limit int) ([]inputs.InputLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]inputs.InputLog, 0)
	for _, log := range m.inputLogs {
		if taskID == "" || log.TaskID == taskID {
			result = append(result, log)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *Memory) MarkInputLogError(_ context.Context, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log, ok := m.inputLogs[id]
	if !ok {
		return storage.ErrNotFound
	}
	log.Status = inputs.StatusError
	log.Error = errMsg
	log.UpdatedAt = time.Now().UTC()
	m.inputLogs[id] = log
	return nil
}

func (m *Memory) ApplyEvaluation(_ context.Context, res storage.EvaluationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[res.TaskID]
	if !ok {
		return storage.ErrNotFound
	}
	log, ok := m.inputLogs[res.InputLogID]
	if !ok {
		return storage.ErrNotFound
	}
	if log.Status.Terminal() {
		// A stale redelivery; the first commit already took effect.
		return nil
	}

	now := time.Now().UTC()
	if res.NewState != nil {
		t.State = *res.NewState
	}
	if res.Succeeded {
		t.SuccessCount++
		log.Status = inputs.StatusSuccess
	} else {
		t.FailureCount++
		log.Status = inputs.StatusError
		log.Error = res.InputError
	}
	if !res.TriggeredAt.IsZero() {
		t.LastTriggered = res.TriggeredAt
	}
	t.UpdatedAt = now
	log.UpdatedAt = now

	m.tasks[res.TaskID] = t
	m.inputLogs[res.InputLogID] = log

	for _, al := range res.ActionLogs {
		if al.ID == "" {
			al.ID = uuid.NewString()
		}
		al.CreatedAt = now
		al.UpdatedAt = now
		m.actionLogs[al.ID] = al
	}
	for _, qj := range res.QueueJobs {
		if qj.ID == "" {
			qj.ID = uuid.NewString()
		}
		qj.EnqueuedAt = now
		m.queueJobs[qj.ID] = qj
	}
	return nil
}

func (m *Memory) GetActionLog(_ context.Context, id string) (inputs.ActionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	al, ok := m.actionLogs[id]
	if !ok {
		return inputs.ActionLog{}, storage.ErrNotFound
	}
	return al, nil
}

func (m *Memory) ListActionLogs(_ context.Context, inputLogID string) ([]inputs.ActionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]inputs.ActionLog, 0)
	for _, al := range m.actionLogs {
		if inputLogID == "" || al.InputLogID == inputLogID {
			result = append(result, al)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *Memory) SetActionLogStatus(_ context.Context, id string, status inputs.LogStatus, result []byte, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	al, ok := m.actionLogs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if al.Status.Terminal() {
		// Terminal logs are immutable.
		return nil
	}
	al.Status = status
	if result != nil {
		al.Result = append([]byte(nil), result...)
	}
	al.Error = errMsg
	al.UpdatedAt = time.Now().UTC()
	m.actionLogs[id] = al
	return nil
}

// PeriodicStore --------------------------------------------------------------

func (m *Memory) CreatePeriodicTrigger(_ context.Context, pt inputs.PeriodicTrigger) (inputs.PeriodicTrigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pt.ID == "" {
		pt.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	pt.CreatedAt = now
	pt.UpdatedAt = now
	m.periodics[pt.ID] = pt
	return pt, nil
}

func (m *Memory) UpdatePeriodicTrigger(_ context.Context, pt inputs.PeriodicTrigger) (inputs.PeriodicTrigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.periodics[pt.ID]
	if !ok {
		return inputs.PeriodicTrigger{}, storage.ErrNotFound
	}
	pt.CreatedAt = original.CreatedAt
	pt.UpdatedAt = time.Now().UTC()
	m.periodics[pt.ID] = pt
	return pt, nil
}

func (m *Memory) GetPeriodicTrigger(_ context.Context, id string) (inputs.PeriodicTrigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pt, ok := m.periodics[id]
	if !ok {
		return inputs.PeriodicTrigger{}, storage.ErrNotFound
	}
	return pt, nil
}

func (m *Memory) ListDuePeriodicTriggers(_ context.Context, horizon time.Time) ([]inputs.PeriodicTrigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]inputs.PeriodicTrigger, 0)
	for _, pt := range m.periodics {
		if !pt.Enabled {
			continue
		}
		if pt.NextFireAt.IsZero() || !pt.NextFireAt.After(horizon) {
			result = append(result, pt)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].NextFireAt.Before(result[j].NextFireAt) })
	return result, nil
}

func (m *Memory) SetPeriodicNextFire(_ context.Context, id string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pt, ok := m.periodics[id]
	if !ok {
		return storage.ErrNotFound
	}
	pt.NextFireAt = next.UTC()
	pt.UpdatedAt = time.Now().UTC()
	m.periodics[id] = pt
	return nil
}

func (m *Memory) DisablePeriodicTrigger(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pt, ok := m.periodics[id]
	if !ok {
		return storage.ErrNotFound
	}
	pt.Enabled = false
	pt.UpdatedAt = time.Now().UTC()
	m.periodics[id] = pt
	return nil
}

// QueueStore -----------------------------------------------------------------

func (m *Memory) CreateQueueJob(_ context.Context, qj job.Job) (job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if qj.ID == "" {
		qj.ID = uuid.NewString()
	}
	qj.EnqueuedAt = time.Now().UTC()
	m.queueJobs[qj.ID] = qj
	return qj, nil
}

func (m *Memory) GetQueueJob(_ context.Context, id string) (job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	qj, ok := m.queueJobs[id]
	if !ok {
		return job.Job{}, storage.ErrNotFound
	}
	return qj, nil
}

func (m *Memory) UpdateQueueJob(_ context.Context, qj job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queueJobs[qj.ID]; !ok {
		return storage.ErrNotFound
	}
	m.queueJobs[qj.ID] = qj
	return nil
}

func (m *Memory) DeleteQueueJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.queueJobs, id)
	return nil
}

func (m *Memory) ListQueueJobs(_ context.Context, stage job.Stage) ([]job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]job.Job, 0)
	for _, qj := range m.queueJobs {
		if stage == "" || qj.Stage == stage {
			result = append(result, qj)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].EnqueuedAt.Before(result[j].EnqueuedAt) })
	return result, nil
}

func (m *Memory) CreateDeadLetter(_ context.Context, dl job.DeadLetter) (job.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	dl.CreatedAt = time.Now().UTC()
	m.deadLetters[dl.ID] = dl
	delete(m.queueJobs, dl.JobID)
	return dl, nil
}

func (m *Memory) ListDeadLetters(_ context.Context, stage job.Stage, limit int) ([]job.DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]job.DeadLetter, 0)
	for _, dl := range m.deadLetters {
		if stage == "" || dl.Stage == stage {
			result = append(result, dl)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// NotifyStore ----------------------------------------------------------------

func (m *Memory) CreateNotifyEndpoint(_ context.Context, ep inputs.NotifyEndpoint) (inputs.NotifyEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	ep.CreatedAt = time.Now().UTC()
	m.endpoints[ep.ID] = ep
	return ep, nil
}

func (m *Memory) CreateNotifyListener(_ context.Context, l inputs.NotifyListener) (inputs.NotifyListener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	l.CreatedAt = time.Now().UTC()
	m.listeners[l.ID] = l
	return l, nil
}

func (m *Memory) GetNotifyEndpoint(_ context.Context, id string) (inputs.NotifyEndpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ep, ok := m.endpoints[id]
	if !ok {
		return inputs.NotifyEndpoint{}, storage.ErrNotFound
	}
	return ep, nil
}

func (m *Memory) MatchNotifyListeners(_ context.Context, orgID, objectID string, event inputs.NotifyEvent) ([]inputs.NotifyListener, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]inputs.NotifyListener, 0)
	for _, l := range m.listeners {
		if l.OrgID != orgID {
			continue
		}
		if l.ObjectID != "" && l.ObjectID != objectID {
			continue
		}
		if l.Event != "" && l.Event != event {
			continue
		}
		result = append(result, l)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// Locker ---------------------------------------------------------------------

func (m *Memory) TryLock(_ context.Context, key int64) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locks[key] {
		return nil, false, nil
	}
	m.locks[key] = true
	release := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.locks, key)
	}
	return release, true, nil
}
