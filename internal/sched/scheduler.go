// Package sched implements the periodic trigger scheduler: a cluster
// singleton loop that converts cron schedules into stage-1 inputs.
package sched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ergohq/ergo/internal/domain/inputs"
	"github.com/ergohq/ergo/internal/domain/job"
	"github.com/ergohq/ergo/internal/metrics"
	"github.com/ergohq/ergo/internal/queue"
	"github.com/ergohq/ergo/internal/storage"
	"github.com/ergohq/ergo/pkg/logger"
)

// cronParser accepts standard 5-field expressions plus an optional seconds
// field, with the usual descriptors (@hourly, @every ...). All evaluation is
// UTC.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NextFire computes the next fire time strictly after from.
func NextFire(schedule inputs.Schedule, from time.Time) (time.Time, error) {
	if !strings.EqualFold(schedule.Type, "Cron") {
		return time.Time{}, fmt.Errorf("unsupported schedule type %q", schedule.Type)
	}
	spec, err := cronParser.Parse(schedule.Data)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", schedule.Data, err)
	}
	return spec.Next(from.UTC()), nil
}

// Options tune the scheduler loop.
type Options struct {
	Interval     time.Duration
	Lookahead    time.Duration
	LockKey      int64
	InputRetries int
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Lookahead <= 0 {
		o.Lookahead = 30 * time.Second
	}
	if o.LockKey == 0 {
		o.LockKey = 0x4552474f
	}
	if o.InputRetries <= 0 {
		o.InputRetries = 3
	}
}

// Scheduler polls enabled periodic triggers and injects synthetic inputs.
// One logical instance runs per cluster, enforced by an advisory lock;
// instances that do not hold the lock keep polling for it as followers.
type Scheduler struct {
	store   storage.Store
	queue   *queue.Queue
	metrics *metrics.Metrics
	log     *logger.Logger
	opts    Options

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	release func()
}

// New creates a lifecycle-managed periodic scheduler.
func New(store storage.Store, q *queue.Queue, m *metrics.Metrics, log *logger.Logger, opts Options) *Scheduler {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	opts.defaults()
	return &Scheduler{
		store:   store,
		queue:   q,
		metrics: m,
		log:     log,
		opts:    opts,
	}
}

// Start begins the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				s.dropLock()
				return
			case <-ticker.C:
				s.tick(runCtx)
			}
		}
	}()

	s.log.Info("periodic scheduler started")
	return nil
}

// Stop halts the polling loop and releases the singleton lock.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
		s.log.Info("periodic scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// holdLock acquires or confirms the cluster singleton lock.
func (s *Scheduler) holdLock(ctx context.Context) bool {
	s.mu.Lock()
	held := s.release != nil
	s.mu.Unlock()
	if held {
		return true
	}

	release, ok, err := s.store.TryLock(ctx, s.opts.LockKey)
	if err != nil {
		s.log.WithError(err).Warn("scheduler lock attempt failed")
		return false
	}
	if !ok {
		return false
	}
	s.mu.Lock()
	s.release = release
	s.mu.Unlock()
	s.log.Info("scheduler became leader")
	return true
}

func (s *Scheduler) dropLock() {
	s.mu.Lock()
	release := s.release
	s.release = nil
	s.mu.Unlock()
	if release != nil {
		release()
	}
}

// Tick runs one scheduling pass; exposed for tests.
func (s *Scheduler) Tick(ctx context.Context) { s.tick(ctx) }

func (s *Scheduler) tick(ctx context.Context) {
	if !s.holdLock(ctx) {
		return
	}

	horizon := time.Now().UTC().Add(s.opts.Lookahead)
	due, err := s.store.ListDuePeriodicTriggers(ctx, horizon)
	if err != nil {
		s.log.WithError(err).Warn("scheduler tick failed")
		return
	}

	for i := range due {
		s.fire(ctx, due[i])
	}
}

// fire injects one synthetic input for a due trigger and advances its next
// fire time. A crash between the two steps is safe: the
// (periodic_trigger_id, scheduled_for) dedup key makes re-injection a
// no-op.
func (s *Scheduler) fire(ctx context.Context, pt inputs.PeriodicTrigger) {
	scheduledFor := pt.NextFireAt
	if scheduledFor.IsZero() {
		next, err := NextFire(pt.Schedule, time.Now().UTC())
		if err != nil {
			s.disable(ctx, pt, err)
			return
		}
		if err := s.store.SetPeriodicNextFire(ctx, pt.ID, next); err != nil {
			s.log.WithError(err).WithField("periodic_trigger_id", pt.ID).Warn("initialize next fire failed")
		}
		return
	}

	trigger, err := s.store.GetTaskTrigger(ctx, pt.TaskTriggerID)
	if err != nil {
		s.log.WithError(err).WithField("periodic_trigger_id", pt.ID).Warn("periodic trigger references missing task trigger")
		return
	}

	logEntry := inputs.InputLog{
		TaskID:            trigger.TaskID,
		TaskTriggerID:     trigger.ID,
		TriggerLocalID:    trigger.LocalID,
		Payload:           pt.Payload,
		PeriodicTriggerID: pt.ID,
		ScheduledFor:      scheduledFor,
	}

	created, err := s.enqueue(ctx, logEntry, scheduledFor)
	switch {
	case err == nil:
		if s.metrics != nil {
			s.metrics.PeriodicFired.Inc()
		}
		if err := s.queue.Announce(ctx, created); err != nil {
			s.log.WithError(err).WithField("job_id", created.ID).Warn("announce periodic job failed")
		}
		s.log.WithField("periodic_trigger_id", pt.ID).
			WithField("scheduled_for", scheduledFor.Format(time.RFC3339)).
			Debug("periodic input injected")
	case errors.Is(err, storage.ErrDuplicate):
		// Already injected (scheduler restart); advancing is all that's left.
	default:
		s.log.WithError(err).WithField("periodic_trigger_id", pt.ID).Warn("inject periodic input failed")
		return
	}

	next, err := NextFire(pt.Schedule, scheduledFor)
	if err != nil {
		s.disable(ctx, pt, err)
		return
	}
	if err := s.store.SetPeriodicNextFire(ctx, pt.ID, next); err != nil {
		s.log.WithError(err).WithField("periodic_trigger_id", pt.ID).Warn("advance next fire failed")
	}
}

// enqueue writes the pending log row plus its stage-1 job in one
// transaction and returns the job for broker announcement.
func (s *Scheduler) enqueue(ctx context.Context, logEntry inputs.InputLog, scheduledFor time.Time) (job.Job, error) {
	logEntry.ID = uuid.NewString()
	payload, err := json.Marshal(job.InputPayload{InputLogID: logEntry.ID})
	if err != nil {
		return job.Job{}, err
	}
	qj := queue.NewJob(job.StageInput, payload, 0, s.opts.InputRetries)
	qj.EarliestRun = scheduledFor

	if _, err := s.store.CreatePendingInput(ctx, logEntry, qj); err != nil {
		return job.Job{}, err
	}
	return qj, nil
}

// disable turns off a trigger with a malformed schedule; the scheduler keeps
// running.
func (s *Scheduler) disable(ctx context.Context, pt inputs.PeriodicTrigger, cause error) {
	s.log.WithError(cause).
		WithField("periodic_trigger_id", pt.ID).
		Error("malformed schedule; disabling periodic trigger")
	if err := s.store.DisablePeriodicTrigger(ctx, pt.ID, cause.Error()); err != nil {
		s.log.WithError(err).WithField("periodic_trigger_id", pt.ID).Error("disable periodic trigger failed")
	}
}
