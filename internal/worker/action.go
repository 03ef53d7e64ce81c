package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	actiondomain "github.com/ergohq/ergo/internal/domain/action"
	"github.com/ergohq/ergo/internal/domain/inputs"
	"github.com/ergohq/ergo/internal/domain/job"
	"github.com/ergohq/ergo/internal/eval"
	"github.com/ergohq/ergo/internal/executor"
	"github.com/ergohq/ergo/internal/metrics"
	"github.com/ergohq/ergo/internal/notifier"
	"github.com/ergohq/ergo/internal/queue"
	"github.com/ergohq/ergo/internal/storage"
	"github.com/ergohq/ergo/internal/template"
	"github.com/ergohq/ergo/pkg/logger"
)

// ActionOptions configure the stage-2 pool.
type ActionOptions struct {
	Workers       int
	BatchSize     int
	LeaseDuration time.Duration
	PollInterval  time.Duration
	ActionTimeout time.Duration
}

func (o *ActionOptions) defaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 4
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 3 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = 120 * time.Second
	}
}

// ActionWorker consumes stage-2 jobs: it renders the executor template,
// invokes the executor, runs the optional postprocess script and reports
// the outcome.
type ActionWorker struct {
	store    storage.Store
	queue    *queue.Queue
	registry *executor.Registry
	notifier *notifier.Notifier
	metrics  *metrics.Metrics
	log      *logger.Logger
	opts     ActionOptions

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewActionWorker creates the stage-2 pool.
func NewActionWorker(store storage.Store, q *queue.Queue, registry *executor.Registry, n *notifier.Notifier, m *metrics.Metrics, log *logger.Logger, opts ActionOptions) *ActionWorker {
	if log == nil {
		log = logger.NewDefault("action-worker")
	}
	opts.defaults()
	return &ActionWorker{
		store:    store,
		queue:    q,
		registry: registry,
		notifier: n,
		metrics:  m,
		log:      log,
		opts:     opts,
	}
}

// Start launches the worker goroutines.
func (w *ActionWorker) Start(ctx context.Context) error {
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
	w.log.WithField("workers", w.opts.Workers).Info("action worker pool started")
	return nil
}

// Stop drains the pool.
func (w *ActionWorker) Stop(ctx context.Context) error {
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
		w.log.Info("action worker pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *ActionWorker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobs, err := w.queue.DequeueBatch(ctx, job.StageAction, w.opts.BatchSize, w.opts.LeaseDuration)
		if err != nil {
			if errors.Is(err, queue.ErrDequeueEmpty) {
				select {
				case <-ctx.Done():
					return
				case <-time.After(w.opts.PollInterval):
				}
				continue
			}
			w.log.WithError(err).Warn("stage-2 dequeue failed")
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

func (w *ActionWorker) process(ctx context.Context, j job.Job) {
	var payload job.ActionPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		if _, err := w.queue.Fail(ctx, j, false, fmt.Errorf("decode stage-2 payload: %w", err)); err != nil {
			w.log.WithError(err).WithField("job_id", j.ID).Error("dead-letter failed")
		}
		return
	}

	actionLog, err := w.store.GetActionLog(ctx, payload.ActionLogID)
	if err != nil {
		w.failInfra(ctx, j, "", fmt.Errorf("load action log: %w", err))
		return
	}
	if actionLog.Status.Terminal() {
		if err := w.queue.Complete(ctx, j); err != nil {
			w.log.WithError(err).WithField("job_id", j.ID).Warn("ack stale job failed")
		}
		return
	}

	t, err := w.store.GetTask(ctx, actionLog.TaskID)
	if err != nil {
		w.failInfra(ctx, j, actionLog.ID, fmt.Errorf("load task: %w", err))
		return
	}
	taskAction, err := w.store.GetTaskAction(ctx, actionLog.TaskID, actionLog.TaskActionLocalID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			w.terminal(ctx, j, t.OrgID, actionLog, "", nil, fmt.Sprintf("unknown action %q", actionLog.TaskActionLocalID))
			return
		}
		w.failInfra(ctx, j, actionLog.ID, fmt.Errorf("load task action: %w", err))
		return
	}
	def, err := w.store.GetAction(ctx, taskAction.ActionID)
	if err != nil {
		w.failInfra(ctx, j, actionLog.ID, fmt.Errorf("load action definition: %w", err))
		return
	}

	if err := w.store.SetActionLogStatus(ctx, actionLog.ID, inputs.StatusRunning, nil, ""); err != nil {
		w.log.WithError(err).WithField("actions_log_id", actionLog.ID).Warn("mark running failed")
	}
	if w.notifier != nil {
		w.notifier.Notify(ctx, inputs.Notification{
			Event:      inputs.EventActionStarted,
			OrgID:      t.OrgID,
			TaskID:     t.ID,
			InputLogID: actionLog.InputLogID,
		})
	}

	if def.AccountRequired && taskAction.AccountID == "" {
		w.terminal(ctx, j, t.OrgID, actionLog, def.ExecutorID, nil, "action requires an account binding")
		return
	}

	// TaskAction overrides win over the invocation payload.
	invocationPayload, err := mergeOverrides(actionLog.Payload, taskAction.ActionTemplate)
	if err != nil {
		w.terminal(ctx, j, t.OrgID, actionLog, def.ExecutorID, nil, fmt.Sprintf("merge overrides: %v", err))
		return
	}

	timeout := def.Timeout(w.opts.ActionTimeout)
	if timeout > w.opts.LeaseDuration {
		// Per-action overrides can exceed the pool lease; stretch it so the
		// job stays invisible for the whole run.
		if err := w.queue.ExtendLease(ctx, j, timeout+time.Minute); err != nil {
			w.log.WithError(err).WithField("job_id", j.ID).Warn("extend lease failed")
		}
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rendered, err := w.renderTemplate(execCtx, def, invocationPayload)
	if err != nil {
		// Template failures are user errors, terminal on first attempt.
		w.terminal(ctx, j, t.OrgID, actionLog, def.ExecutorID, nil, fmt.Sprintf("render template: %v", err))
		return
	}

	exec, err := w.registry.Get(def.ExecutorID)
	if err != nil {
		w.terminal(ctx, j, t.OrgID, actionLog, def.ExecutorID, nil, err.Error())
		return
	}

	started := time.Now()
	output, execErr := exec.Execute(execCtx, rendered)
	w.metrics.ObserveExecution(def.ExecutorID, time.Since(started))

	if execErr == nil && def.PostprocessScript != "" {
		output, execErr = eval.RunPostprocess(execCtx, def.PostprocessScript, output, invocationPayload)
		if execErr != nil && !errors.Is(execErr, context.DeadlineExceeded) {
			// A postprocess throw is terminal regardless of attempt count.
			execErr = executor.Permanentf("postprocess: %v", execErr)
		}
	}

	if execErr == nil {
		if err := w.store.SetActionLogStatus(ctx, actionLog.ID, inputs.StatusSuccess, output, ""); err != nil {
			w.log.WithError(err).WithField("actions_log_id", actionLog.ID).Warn("mark success failed")
		}
		if err := w.queue.Complete(ctx, j); err != nil {
			w.log.WithError(err).WithField("job_id", j.ID).Warn("ack stage-2 job failed")
		}
		w.metrics.CountAction(def.ExecutorID, string(inputs.StatusSuccess))
		if w.notifier != nil {
			w.notifier.Notify(ctx, inputs.Notification{
				Event:      inputs.EventActionSuccess,
				OrgID:      t.OrgID,
				TaskID:     t.ID,
				InputLogID: actionLog.InputLogID,
				Payload:    output,
			})
		}
		w.log.WithField("actions_log_id", actionLog.ID).
			WithField("executor", def.ExecutorID).
			Debug("action executed")
		return
	}

	class := executor.Classify(execErr)
	if errors.Is(execErr, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		// A timeout is transient on the first occurrence, permanent after.
		if j.Attempts > 1 {
			class = executor.Permanent
		} else {
			class = executor.Transient
		}
	}

	if class == executor.Permanent {
		w.terminal(ctx, j, t.OrgID, actionLog, def.ExecutorID, output, execErr.Error())
		return
	}

	if w.metrics != nil {
		w.metrics.JobRetries.WithLabelValues(string(job.StageAction)).Inc()
	}
	deadLettered, failErr := w.queue.Fail(ctx, j, true, execErr)
	if failErr != nil {
		w.log.WithError(failErr).WithField("job_id", j.ID).Error("requeue failed")
		return
	}
	if deadLettered {
		w.finishError(ctx, t.OrgID, actionLog, def.ExecutorID, output, execErr.Error())
	}
}

// terminal records a permanent failure and acknowledges the job.
func (w *ActionWorker) terminal(ctx context.Context, j job.Job, orgID string, actionLog inputs.ActionLog, executorID string, output json.RawMessage, msg string) {
	w.finishError(ctx, orgID, actionLog, executorID, output, msg)
	if err := w.queue.Complete(ctx, j); err != nil {
		w.log.WithError(err).WithField("job_id", j.ID).Warn("ack stage-2 job failed")
	}
}

func (w *ActionWorker) finishError(ctx context.Context, orgID string, actionLog inputs.ActionLog, executorID string, output json.RawMessage, msg string) {
	if err := w.store.SetActionLogStatus(ctx, actionLog.ID, inputs.StatusError, output, msg); err != nil {
		w.log.WithError(err).WithField("actions_log_id", actionLog.ID).Warn("mark error failed")
	}
	w.metrics.CountAction(executorID, string(inputs.StatusError))
	if w.notifier != nil {
		w.notifier.Notify(ctx, inputs.Notification{
			Event:      inputs.EventActionError,
			OrgID:      orgID,
			TaskID:     actionLog.TaskID,
			InputLogID: actionLog.InputLogID,
			Error:      msg,
		})
	}
	w.log.WithField("actions_log_id", actionLog.ID).
		WithField("executor", executorID).
		WithField("error", msg).
		Debug("action failed")
}

func (w *ActionWorker) failInfra(ctx context.Context, j job.Job, actionLogID string, cause error) {
	deadLettered, err := w.queue.Fail(ctx, j, true, cause)
	if err != nil {
		w.log.WithError(err).WithField("job_id", j.ID).Error("requeue failed")
		return
	}
	if deadLettered && actionLogID != "" {
		if err := w.store.SetActionLogStatus(ctx, actionLogID, inputs.StatusError, nil, cause.Error()); err != nil {
			w.log.WithError(err).WithField("actions_log_id", actionLogID).Error("terminalize action log failed")
		}
	}
}

// renderTemplate produces the executor's input from the action's template
// and the merged invocation payload.
func (w *ActionWorker) renderTemplate(ctx context.Context, def actiondomain.Action, payload json.RawMessage) (map[string]any, error) {
	switch def.ExecutorTemplate.Kind {
	case actiondomain.KindTemplate:
		out := make(map[string]any, len(def.ExecutorTemplate.Fields))
		for _, field := range def.ExecutorTemplate.Fields {
			rendered, err := template.RenderValue(field.Value, payload)
			if err != nil {
				return nil, err
			}
			out[field.Key] = rendered
		}
		return out, nil
	case actiondomain.KindScript:
		return eval.RenderScriptTemplate(ctx, def.ExecutorTemplate.Script, payload)
	default:
		return nil, fmt.Errorf("unknown executor template kind %q", def.ExecutorTemplate.Kind)
	}
}

// mergeOverrides overlays the TaskAction's action_template onto the
// invocation payload; overrides win.
func mergeOverrides(payload json.RawMessage, overrides map[string]any) (json.RawMessage, error) {
	if len(overrides) == 0 {
		return payload, nil
	}
	merged := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &merged); err != nil {
			// Non-object payloads cannot take overrides; keep the overrides.
			merged = map[string]any{}
		}
	}
	for key, value := range overrides {
		merged[key] = value
	}
	return json.Marshal(merged)
}
