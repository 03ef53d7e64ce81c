// Package engine wires the task execution pipeline: durable queue, periodic
// scheduler, input and action worker pools, executors and notifier. The
// Engine is the explicit context every component hangs off; there is no
// process-global state.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ergohq/ergo/internal/domain/inputs"
	"github.com/ergohq/ergo/internal/domain/job"
	"github.com/ergohq/ergo/internal/eval"
	"github.com/ergohq/ergo/internal/executor"
	"github.com/ergohq/ergo/internal/metrics"
	"github.com/ergohq/ergo/internal/notifier"
	"github.com/ergohq/ergo/internal/queue"
	"github.com/ergohq/ergo/internal/sched"
	"github.com/ergohq/ergo/internal/storage"
	"github.com/ergohq/ergo/internal/worker"
	"github.com/ergohq/ergo/pkg/config"
	"github.com/ergohq/ergo/pkg/logger"
)

// Engine owns the pipeline components and their lifecycle.
type Engine struct {
	cfg   *config.Config
	log   *logger.Logger
	store storage.Store

	queue      *queue.Queue
	evaluator  *eval.Evaluator
	registry   *executor.Registry
	notifier   *notifier.Notifier
	metrics    *metrics.Metrics
	inputPool  *worker.InputWorker
	actionPool *worker.ActionWorker
	scheduler  *sched.Scheduler

	httpServer *http.Server
	startedAt  time.Time
}

// New assembles an engine over the given store and broker.
func New(cfg *config.Config, log *logger.Logger, store storage.Store, broker queue.Broker, m *metrics.Metrics) *Engine {
	if cfg == nil {
		cfg = config.New()
	}
	if log == nil {
		log = logger.New(cfg.Logging)
	}

	e := &Engine{
		cfg:     cfg,
		log:     log,
		store:   store,
		metrics: m,
	}

	e.queue = queue.New(broker, store, log, queue.Options{
		TickInterval:  cfg.Queue.TickInterval,
		LeaseDuration: cfg.Queue.LeaseDuration,
		BackoffBase:   cfg.Queue.BackoffBase,
		BackoffMax:    cfg.Queue.BackoffMax,
	})
	e.evaluator = eval.New(log, cfg.Workers.EvaluatorTimeout)
	e.notifier = notifier.New(store, nil, log)

	e.registry = executor.NewRegistry(
		executor.NewHTTPExecutor(),
		executor.NewCommandExecutor(),
		executor.NewDiscordWebhookExecutor(),
		executor.NewSendInputExecutor(e),
	)

	e.inputPool = worker.NewInputWorker(store, e.queue, e.evaluator, e.notifier, m, log, worker.InputOptions{
		Workers:          cfg.Workers.InputWorkers,
		LeaseDuration:    cfg.Queue.LeaseDuration,
		ActionMaxAttempt: cfg.Queue.ActionMaxAttempt,
	})
	// The stage-2 lease must outlive the slowest allowed action.
	e.actionPool = worker.NewActionWorker(store, e.queue, e.registry, e.notifier, m, log, worker.ActionOptions{
		Workers:       cfg.Workers.ActionWorkers,
		LeaseDuration: cfg.Workers.ActionTimeout + cfg.Queue.LeaseDuration,
		ActionTimeout: cfg.Workers.ActionTimeout,
	})
	e.scheduler = sched.New(store, e.queue, m, log, sched.Options{
		Interval:     cfg.Scheduler.Interval,
		Lookahead:    cfg.Scheduler.Lookahead,
		LockKey:      cfg.Scheduler.LockKey,
		InputRetries: cfg.Queue.InputMaxAttempts,
	})

	return e
}

// Queue exposes the durable queue for tests and tooling.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Registry exposes the executor registry so deployments can add executors.
func (e *Engine) Registry() *executor.Registry { return e.registry }

// EnqueueInput accepts one event for a task trigger: a pending input-log
// row and its stage-1 job in one transaction, then broker announcement.
// This is the intake the HTTP surface and the send_input executor share.
func (e *Engine) EnqueueInput(ctx context.Context, taskTriggerID string, payload json.RawMessage) (string, error) {
	trigger, err := e.store.GetTaskTrigger(ctx, taskTriggerID)
	if err != nil {
		return "", fmt.Errorf("load task trigger: %w", err)
	}

	logEntry := inputs.InputLog{
		ID:             uuid.NewString(),
		TaskID:         trigger.TaskID,
		TaskTriggerID:  trigger.ID,
		TriggerLocalID: trigger.LocalID,
		Payload:        payload,
	}
	jobPayload, err := json.Marshal(job.InputPayload{InputLogID: logEntry.ID})
	if err != nil {
		return "", err
	}
	qj := queue.NewJob(job.StageInput, jobPayload, 0, e.cfg.Queue.InputMaxAttempts)

	if _, err := e.store.CreatePendingInput(ctx, logEntry, qj); err != nil {
		return "", err
	}
	if err := e.queue.Announce(ctx, qj); err != nil {
		// The durable row survives; recovery rehydrates it.
		e.log.WithError(err).WithField("job_id", qj.ID).Warn("announce input job failed")
	}
	return qj.ID, nil
}

// Start brings the pipeline up: recovery first, then the tick loop, worker
// pools, scheduler and the operational HTTP surface.
func (e *Engine) Start(ctx context.Context) error {
	e.startedAt = time.Now().UTC()

	if err := e.queue.Recover(ctx); err != nil {
		return fmt.Errorf("queue recovery: %w", err)
	}
	if err := e.queue.Start(ctx); err != nil {
		return err
	}
	if err := e.inputPool.Start(ctx); err != nil {
		return err
	}
	if err := e.actionPool.Start(ctx); err != nil {
		return err
	}
	if err := e.scheduler.Start(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", e.cfg.Server.Host, e.cfg.Server.Port)
	e.httpServer = &http.Server{
		Addr:              addr,
		Handler:           e.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := e.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.WithError(err).Error("http server failed")
		}
	}()

	e.log.WithField("addr", addr).Info("engine started")
	return nil
}

// Stop drains the pipeline: the scheduler and pools stop dequeuing, finish
// in-flight jobs within the grace period, then the queue releases its
// leases so another instance can pick them up.
func (e *Engine) Stop(ctx context.Context) error {
	grace := e.cfg.Workers.DrainGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	drainCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(e.scheduler.Stop(drainCtx))
	record(e.inputPool.Stop(drainCtx))
	record(e.actionPool.Stop(drainCtx))
	record(e.queue.Stop(drainCtx))

	if e.httpServer != nil {
		record(e.httpServer.Shutdown(drainCtx))
	}

	e.log.Info("engine stopped")
	return firstErr
}
