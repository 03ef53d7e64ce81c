// Package queue implements the durable two-stage job queue: a hot broker for
// scheduling (delayed set, runnable set, leases) plus the relational
// queue_jobs index for durability and recovery.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/ergohq/ergo/internal/domain/job"
)

var (
	// ErrDequeueEmpty reports an empty runnable set. Non-fatal.
	ErrDequeueEmpty = errors.New("queue: nothing to dequeue")
	// ErrLeaseLost reports an operation on a lease no longer held; the
	// worker must abort its write-backs.
	ErrLeaseLost = errors.New("queue: lease lost")
	// ErrBrokerUnavailable reports a broker outage; workers pause with
	// backoff and the scheduler does not advance.
	ErrBrokerUnavailable = errors.New("queue: broker unavailable")
)

// Broker is the hot scheduling half of the queue. Implementations must make
// Pop atomic: a job id moves from runnable to leased exactly once per lease
// interval.
type Broker interface {
	// Push adds a job to the delayed or runnable set depending on its
	// earliest run time.
	Push(ctx context.Context, j job.Job) error
	// Pop atomically removes up to max runnable jobs, writes their leases
	// and returns them with incremented delivery attempts.
	Pop(ctx context.Context, stage job.Stage, max int, lease time.Duration) ([]job.Job, error)
	// Ack removes a job entirely. Returns ErrLeaseLost when the lease is no
	// longer held.
	Ack(ctx context.Context, stage job.Stage, id string) error
	// Requeue moves a leased job back to the delayed set for a later run.
	Requeue(ctx context.Context, stage job.Stage, id string, runAt time.Time) error
	// ExtendLease pushes a held lease's expiry forward.
	ExtendLease(ctx context.Context, stage job.Stage, id string, d time.Duration) error
	// Tick promotes due delayed jobs and expired leases into the runnable
	// set.
	Tick(ctx context.Context, stage job.Stage, now time.Time) error
	// Contains reports whether the broker already tracks a job id; startup
	// recovery uses it to avoid double-pushing rehydrated rows.
	Contains(ctx context.Context, stage job.Stage, id string) (bool, error)
	// Ping verifies broker connectivity.
	Ping(ctx context.Context) error
}
