package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ergohq/ergo/internal/domain/job"
	"github.com/ergohq/ergo/internal/storage"
	"github.com/ergohq/ergo/pkg/logger"
)

// Options tune retry and scheduling behaviour.
type Options struct {
	TickInterval  time.Duration
	LeaseDuration time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

func (o *Options) defaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = 100 * time.Millisecond
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = time.Minute
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Minute
	}
}

// Queue couples the hot broker with the durable queue_jobs index. Every
// enqueue the caller performs through storage (CreatePendingInput,
// ApplyEvaluation, CreateQueueJob) must be followed by Announce so the
// broker learns about the row; recovery backfills anything missed.
type Queue struct {
	broker Broker
	store  storage.QueueStore
	log    *logger.Logger
	opts   Options

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	rng     *rand.Rand
	rngMu   sync.Mutex
}

// New creates a queue over the given broker and durable store.
func New(broker Broker, store storage.QueueStore, log *logger.Logger, opts Options) *Queue {
	if log == nil {
		log = logger.NewDefault("queue")
	}
	opts.defaults()
	return &Queue{
		broker: broker,
		store:  store,
		log:    log,
		opts:   opts,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewJob builds a queue job for a stage with the standard defaults.
func NewJob(stage job.Stage, payload []byte, delay time.Duration, maxAttempts int) job.Job {
	return job.Job{
		ID:          uuid.NewString(),
		Stage:       stage,
		Payload:     payload,
		EarliestRun: time.Now().UTC().Add(delay),
		MaxAttempts: maxAttempts,
	}
}

// Enqueue writes the durable row and pushes the job to the broker. Callers
// that already wrote the row transactionally use Announce instead.
func (q *Queue) Enqueue(ctx context.Context, j job.Job, delay time.Duration) (string, error) {
	if !j.Stage.Valid() {
		return "", fmt.Errorf("queue: invalid stage %q", j.Stage)
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if delay > 0 {
		j.EarliestRun = time.Now().UTC().Add(delay)
	}
	if j.EarliestRun.IsZero() {
		j.EarliestRun = time.Now().UTC()
	}

	created, err := q.store.CreateQueueJob(ctx, j)
	if err != nil {
		return "", err
	}
	if err := q.broker.Push(ctx, created); err != nil {
		// The durable row survives; recovery rehydrates it.
		q.log.WithError(err).WithField("job_id", created.ID).Warn("push to broker failed; job awaits recovery")
	}
	return created.ID, nil
}

// Announce pushes a durably persisted job to the broker.
func (q *Queue) Announce(ctx context.Context, j job.Job) error {
	return q.broker.Push(ctx, j)
}

// DequeueBatch leases up to max jobs from a stage.
func (q *Queue) DequeueBatch(ctx context.Context, stage job.Stage, max int, lease time.Duration) ([]job.Job, error) {
	if lease <= 0 {
		lease = q.opts.LeaseDuration
	}
	return q.broker.Pop(ctx, stage, max, lease)
}

// Complete acknowledges a finished job and deletes its durable row.
func (q *Queue) Complete(ctx context.Context, j job.Job) error {
	if err := q.broker.Ack(ctx, j.Stage, j.ID); err != nil {
		return err
	}
	return q.store.DeleteQueueJob(ctx, j.ID)
}

// Fail records a failed delivery. Retryable failures under the attempt
// budget re-enter the delayed set with exponential backoff; everything else
// dead-letters. The first return reports whether the job was dead-lettered.
func (q *Queue) Fail(ctx context.Context, j job.Job, retryable bool, cause error) (bool, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if retryable && j.Attempts < j.MaxAttempts {
		delay := q.Backoff(j.Attempts)
		runAt := time.Now().UTC().Add(delay)
		if err := q.broker.Requeue(ctx, j.Stage, j.ID, runAt); err != nil {
			return false, err
		}
		j.EarliestRun = runAt
		j.LeaseExpiry = time.Time{}
		if err := q.store.UpdateQueueJob(ctx, j); err != nil && !errors.Is(err, storage.ErrNotFound) {
			q.log.WithError(err).WithField("job_id", j.ID).Warn("update durable queue row failed")
		}
		q.log.WithField("job_id", j.ID).
			WithField("attempt", j.Attempts).
			WithField("delay", delay.String()).
			WithField("error", msg).
			Debug("job requeued with backoff")
		return false, nil
	}

	if _, err := q.store.CreateDeadLetter(ctx, job.DeadLetter{
		JobID:     j.ID,
		Stage:     j.Stage,
		Payload:   j.Payload,
		Attempts:  j.Attempts,
		LastError: msg,
	}); err != nil {
		return false, err
	}
	if err := q.broker.Ack(ctx, j.Stage, j.ID); err != nil && !errors.Is(err, ErrLeaseLost) {
		return true, err
	}
	q.log.WithField("job_id", j.ID).
		WithField("stage", string(j.Stage)).
		WithField("attempts", j.Attempts).
		WithField("error", msg).
		Warn("job dead-lettered")
	return true, nil
}

// ExtendLease pushes a held lease forward.
func (q *Queue) ExtendLease(ctx context.Context, j job.Job, d time.Duration) error {
	return q.broker.ExtendLease(ctx, j.Stage, j.ID, d)
}

// Backoff computes the delay before retry attempt+1:
// min(max, base*2^(attempt-1)) * uniform(0.5, 1.5).
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := q.opts.BackoffBase << uint(attempt-1)
	if backoff > q.opts.BackoffMax || backoff <= 0 {
		backoff = q.opts.BackoffMax
	}
	q.rngMu.Lock()
	jitter := 0.5 + q.rng.Float64()
	q.rngMu.Unlock()
	return time.Duration(float64(backoff) * jitter)
}

// Recover rehydrates durable rows the broker does not know about. Run once
// on startup before the workers begin polling.
func (q *Queue) Recover(ctx context.Context) error {
	for _, stage := range []job.Stage{job.StageInput, job.StageAction} {
		rows, err := q.store.ListQueueJobs(ctx, stage)
		if err != nil {
			return fmt.Errorf("list durable jobs for %s: %w", stage, err)
		}
		restored := 0
		for _, j := range rows {
			known, err := q.broker.Contains(ctx, stage, j.ID)
			if err != nil {
				return err
			}
			if known {
				continue
			}
			j.LeaseExpiry = time.Time{}
			if err := q.broker.Push(ctx, j); err != nil {
				return err
			}
			restored++
		}
		if restored > 0 {
			q.log.WithField("stage", string(stage)).
				WithField("jobs", restored).
				Info("rehydrated durable queue jobs")
		}
	}
	return nil
}

// Start launches the scheduling tick loop.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.running = true
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.opts.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case now := <-ticker.C:
				for _, stage := range []job.Stage{job.StageInput, job.StageAction} {
					if err := q.broker.Tick(runCtx, stage, now); err != nil {
						// The scheduler does not advance while the broker is
						// unavailable.
						q.log.WithError(err).Warn("queue tick failed")
						break
					}
				}
			}
		}
	}()
	return nil
}

// Stop halts the tick loop.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	cancel := q.cancel
	q.running = false
	q.cancel = nil
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
