// Package worker implements the stage-1 input-processing pool and the
// stage-2 action-execution pool.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ergohq/ergo/internal/domain/inputs"
	"github.com/ergohq/ergo/internal/domain/job"
	"github.com/ergohq/ergo/internal/domain/task"
	"github.com/ergohq/ergo/internal/eval"
	"github.com/ergohq/ergo/internal/metrics"
	"github.com/ergohq/ergo/internal/notifier"
	"github.com/ergohq/ergo/internal/queue"
	"github.com/ergohq/ergo/internal/storage"
	"github.com/ergohq/ergo/pkg/logger"
)

// InputOptions configure the stage-1 pool.
type InputOptions struct {
	Workers          int
	BatchSize        int
	LeaseDuration    time.Duration
	PollInterval     time.Duration
	ActionMaxAttempt int
}

func (o *InputOptions) defaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 4
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	if o.ActionMaxAttempt <= 0 {
		o.ActionMaxAttempt = 5
	}
}

// InputWorker consumes stage-1 jobs: it loads the owning task under the
// per-task lock, runs the evaluator, and commits state, log status and
// stage-2 jobs in one transaction.
type InputWorker struct {
	store    storage.Store
	queue    *queue.Queue
	eval     *eval.Evaluator
	notifier *notifier.Notifier
	metrics  *metrics.Metrics
	log      *logger.Logger
	opts     InputOptions
	locks    *keyedLocks

	recMu     sync.Mutex
	recorders map[string]*eval.Recorder

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewInputWorker creates the stage-1 pool.
func NewInputWorker(store storage.Store, q *queue.Queue, ev *eval.Evaluator, n *notifier.Notifier, m *metrics.Metrics, log *logger.Logger, opts InputOptions) *InputWorker {
	if log == nil {
		log = logger.NewDefault("input-worker")
	}
	opts.defaults()
	return &InputWorker{
		store:     store,
		queue:     q,
		eval:      ev,
		notifier:  n,
		metrics:   m,
		log:       log,
		opts:      opts,
		locks:     newKeyedLocks(),
		recorders: make(map[string]*eval.Recorder),
	}
}

// Start launches the worker goroutines.
func (w *InputWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.mu.Unlock()

	for i := 0; i < w.opts.Workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.run(runCtx)
		}()
	}
	w.log.WithField("workers", w.opts.Workers).Info("input worker pool started")
	return nil
}

// Stop drains the pool: workers stop dequeuing and finish in-flight jobs
// within the context's grace period.
func (w *InputWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	w.running = false
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.wg.Wait()
	}()

	select {
	case <-done:
		w.log.Info("input worker pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *InputWorker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobs, err := w.queue.DequeueBatch(ctx, job.StageInput, w.opts.BatchSize, w.opts.LeaseDuration)
		if err != nil {
			if errors.Is(err, queue.ErrDequeueEmpty) {
				select {
				case <-ctx.Done():
					return
				case <-time.After(w.opts.PollInterval):
				}
				continue
			}
			// Broker unavailable: pause with backoff.
			w.log.WithError(err).Warn("stage-1 dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, j := range jobs {
			w.process(ctx, j)
		}
	}
}

func (w *InputWorker) process(ctx context.Context, j job.Job) {
	var payload job.InputPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		// Corrupted payload can never succeed.
		if _, err := w.queue.Fail(ctx, j, false, fmt.Errorf("decode stage-1 payload: %w", err)); err != nil {
			w.log.WithError(err).WithField("job_id", j.ID).Error("dead-letter failed")
		}
		return
	}

	log, err := w.store.GetInputLog(ctx, payload.InputLogID)
	if err != nil {
		w.failInfra(ctx, j, "", fmt.Errorf("load input log: %w", err))
		return
	}
	if log.Status.Terminal() {
		// A previous delivery already took effect; the queue job is stale.
		if err := w.queue.Complete(ctx, j); err != nil {
			w.log.WithError(err).WithField("job_id", j.ID).Warn("ack stale job failed")
		}
		return
	}

	unlock := w.locks.Lock(log.TaskID)
	defer unlock()

	t, err := w.store.GetTask(ctx, log.TaskID)
	if err != nil {
		w.failInfra(ctx, j, log.ID, fmt.Errorf("load task: %w", err))
		return
	}
	if !t.Enabled {
		w.terminalizeUserError(ctx, j, t, log, "task is disabled")
		return
	}
	if !t.State.Matches(t.Config) {
		// Corrupted persisted state: dead-letter, never crash the pool.
		if _, err := w.queue.Fail(ctx, j, false, fmt.Errorf("task %s state variant mismatch", t.ID)); err != nil {
			w.log.WithError(err).WithField("job_id", j.ID).Error("dead-letter failed")
		}
		_ = w.store.MarkInputLogError(ctx, log.ID, "task state does not match its config")
		return
	}

	now := log.ScheduledFor
	if now.IsZero() {
		now = log.CreatedAt
	}

	recorder := w.recorder(log.ID)
	if j.Attempts > 1 {
		recorder.MarkReplay()
	}

	started := time.Now()
	result, evalErr := w.eval.Evaluate(ctx, eval.Input{
		Config:         t.Config,
		State:          t.State,
		TriggerLocalID: log.TriggerLocalID,
		Payload:        log.Payload,
		Now:            now,
		Recorder:       recorder,
	})
	w.metrics.ObserveEvaluation(string(t.Config.Type), time.Since(started))
	for _, line := range result.Log {
		w.log.WithField("task_id", t.ID).WithField("inputs_log_id", log.ID).Debug("task: " + line)
	}

	switch {
	case evalErr == nil:
		w.commit(ctx, j, t, log, result)
	case errors.Is(evalErr, eval.ErrRunSuspended):
		// Soft retry: the journal fills in on a later delivery.
		if _, err := w.queue.Fail(ctx, j, true, evalErr); err != nil {
			w.log.WithError(err).WithField("job_id", j.ID).Error("soft retry failed")
		}
	case eval.IsUserError(evalErr):
		w.terminalizeUserError(ctx, j, t, log, evalErr.Error())
	default:
		w.failInfra(ctx, j, log.ID, evalErr)
	}
}

// commit applies a successful evaluation: one transaction covering task
// state, the input log terminal status, and all stage-2 jobs (I2, I5).
func (w *InputWorker) commit(ctx context.Context, j job.Job, t task.Task, log inputs.InputLog, result eval.Result) {
	actionLogs := make([]inputs.ActionLog, 0, len(result.Invocations))
	queueJobs := make([]job.Job, 0, len(result.Invocations))

	for _, inv := range result.Invocations {
		if _, err := w.store.GetTaskAction(ctx, t.ID, inv.TaskActionLocalID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				w.terminalizeUserError(ctx, j, t, log, fmt.Sprintf("unknown action %q", inv.TaskActionLocalID))
				return
			}
			w.failInfra(ctx, j, log.ID, fmt.Errorf("load task action: %w", err))
			return
		}

		actionLog := inputs.ActionLog{
			ID:                uuid.NewString(),
			InputLogID:        log.ID,
			TaskID:            t.ID,
			TaskActionLocalID: inv.TaskActionLocalID,
			Status:            inputs.StatusPending,
			Payload:           inv.Payload,
		}
		payload, err := json.Marshal(job.ActionPayload{ActionLogID: actionLog.ID})
		if err != nil {
			w.failInfra(ctx, j, log.ID, err)
			return
		}
		actionLogs = append(actionLogs, actionLog)
		queueJobs = append(queueJobs, job.Job{
			ID:          uuid.NewString(),
			Stage:       job.StageAction,
			Payload:     payload,
			EarliestRun: time.Now().UTC(),
			MaxAttempts: w.opts.ActionMaxAttempt,
		})
	}

	err := w.store.ApplyEvaluation(ctx, storage.EvaluationResult{
		TaskID:      t.ID,
		NewState:    &result.NewState,
		Succeeded:   true,
		InputLogID:  log.ID,
		ActionLogs:  actionLogs,
		QueueJobs:   queueJobs,
		TriggeredAt: time.Now().UTC(),
	})
	if err != nil {
		w.failInfra(ctx, j, log.ID, fmt.Errorf("commit evaluation: %w", err))
		return
	}

	for _, qj := range queueJobs {
		if err := w.queue.Announce(ctx, qj); err != nil {
			// The durable row exists; recovery rehydrates it.
			w.log.WithError(err).WithField("job_id", qj.ID).Warn("announce stage-2 job failed")
		}
	}

	if err := w.queue.Complete(ctx, j); err != nil {
		w.log.WithError(err).WithField("job_id", j.ID).Warn("ack stage-1 job failed")
	}
	w.dropRecorder(log.ID)
	w.metrics.CountInput(string(inputs.StatusSuccess))

	if w.notifier != nil {
		w.notifier.Notify(ctx, inputs.Notification{
			Event:      inputs.EventInputProcessed,
			OrgID:      t.OrgID,
			TaskID:     t.ID,
			InputLogID: log.ID,
			Payload:    log.Payload,
		})
	}
	w.log.WithField("task_id", t.ID).
		WithField("inputs_log_id", log.ID).
		WithField("actions", len(actionLogs)).
		Debug("input processed")
}

// terminalizeUserError marks the log error and acknowledges the job: replay
// would yield the same result, so there is no retry.
func (w *InputWorker) terminalizeUserError(ctx context.Context, j job.Job, t task.Task, log inputs.InputLog, msg string) {
	err := w.store.ApplyEvaluation(ctx, storage.EvaluationResult{
		TaskID:      t.ID,
		Succeeded:   false,
		InputLogID:  log.ID,
		InputError:  msg,
		TriggeredAt: time.Now().UTC(),
	})
	if err != nil {
		w.failInfra(ctx, j, log.ID, fmt.Errorf("record user error: %w", err))
		return
	}
	if err := w.queue.Complete(ctx, j); err != nil {
		w.log.WithError(err).WithField("job_id", j.ID).Warn("ack stage-1 job failed")
	}
	w.dropRecorder(log.ID)
	w.metrics.CountInput(string(inputs.StatusError))

	if w.notifier != nil {
		w.notifier.Notify(ctx, inputs.Notification{
			Event:      inputs.EventInputProcessed,
			OrgID:      t.OrgID,
			TaskID:     t.ID,
			InputLogID: log.ID,
			Error:      msg,
		})
	}
	w.log.WithField("task_id", t.ID).
		WithField("inputs_log_id", log.ID).
		WithField("error", msg).
		Debug("input rejected by task")
}

// failInfra nacks the job for retry; exhausting the budget dead-letters it
// and terminalizes the log.
func (w *InputWorker) failInfra(ctx context.Context, j job.Job, inputLogID string, cause error) {
	deadLettered, err := w.queue.Fail(ctx, j, true, cause)
	if err != nil {
		w.log.WithError(err).WithField("job_id", j.ID).Error("requeue failed")
		return
	}
	if deadLettered && inputLogID != "" {
		if err := w.store.MarkInputLogError(ctx, inputLogID, cause.Error()); err != nil && !errors.Is(err, storage.ErrNotFound) {
			w.log.WithError(err).WithField("inputs_log_id", inputLogID).Error("terminalize input log failed")
		}
		w.dropRecorder(inputLogID)
		w.metrics.CountInput(string(inputs.StatusError))
	}
}

func (w *InputWorker) recorder(inputLogID string) *eval.Recorder {
	w.recMu.Lock()
	defer w.recMu.Unlock()

	r, ok := w.recorders[inputLogID]
	if !ok {
		r = eval.NewRecorder()
		w.recorders[inputLogID] = r
	}
	return r
}

func (w *InputWorker) dropRecorder(inputLogID string) {
	w.recMu.Lock()
	defer w.recMu.Unlock()
	delete(w.recorders, inputLogID)
}
