package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/ergohq/ergo/internal/domain/job"
)

// MemoryBroker is an in-process Broker for tests and brokerless runs. It
// mirrors the redis broker's structure: a delayed heap, a FIFO runnable
// list and a lease map per stage.
type MemoryBroker struct {
	mu     sync.Mutex
	stages map[job.Stage]*memStage
}

type memStage struct {
	delayed  delayedHeap
	runnable []string
	leases   map[string]time.Time
	jobs     map[string]job.Job
}

type delayedEntry struct {
	id    string
	runAt time.Time
}

type delayedHeap []delayedEntry

func (h delayedHeap) Len() int            { return len(h) }
func (h delayedHeap) Less(i, j int) bool  { return h[i].runAt.Before(h[j].runAt) }
func (h delayedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)         { *h = append(*h, x.(delayedEntry)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{stages: make(map[job.Stage]*memStage)}
}

func (b *MemoryBroker) stage(s job.Stage) *memStage {
	st, ok := b.stages[s]
	if !ok {
		st = &memStage{
			leases: make(map[string]time.Time),
			jobs:   make(map[string]job.Job),
		}
		b.stages[s] = st
	}
	return st
}

func (b *MemoryBroker) Push(_ context.Context, j job.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stage(j.Stage)
	if _, exists := st.jobs[j.ID]; exists {
		return nil
	}
	st.jobs[j.ID] = j
	if j.EarliestRun.After(time.Now()) {
		heap.Push(&st.delayed, delayedEntry{id: j.ID, runAt: j.EarliestRun})
	} else {
		st.runnable = append(st.runnable, j.ID)
	}
	return nil
}

func (b *MemoryBroker) Pop(_ context.Context, stage job.Stage, max int, lease time.Duration) ([]job.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stage(stage)
	if len(st.runnable) == 0 {
		return nil, ErrDequeueEmpty
	}
	if max <= 0 {
		max = 1
	}
	n := max
	if n > len(st.runnable) {
		n = len(st.runnable)
	}
	expiry := time.Now().Add(lease)

	popped := make([]job.Job, 0, n)
	for _, id := range st.runnable[:n] {
		j, ok := st.jobs[id]
		if !ok {
			continue
		}
		j.Attempts++
		j.LeaseExpiry = expiry
		st.jobs[id] = j
		st.leases[id] = expiry
		popped = append(popped, j)
	}
	st.runnable = st.runnable[n:]
	if len(popped) == 0 {
		return nil, ErrDequeueEmpty
	}
	return popped, nil
}

func (b *MemoryBroker) Ack(_ context.Context, stage job.Stage, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stage(stage)
	if _, held := st.leases[id]; !held {
		if _, known := st.jobs[id]; !known {
			return nil
		}
		return ErrLeaseLost
	}
	delete(st.leases, id)
	delete(st.jobs, id)
	return nil
}

func (b *MemoryBroker) Requeue(_ context.Context, stage job.Stage, id string, runAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stage(stage)
	j, ok := st.jobs[id]
	if !ok {
		return ErrLeaseLost
	}
	delete(st.leases, id)
	j.LeaseExpiry = time.Time{}
	j.EarliestRun = runAt
	st.jobs[id] = j
	heap.Push(&st.delayed, delayedEntry{id: id, runAt: runAt})
	return nil
}

func (b *MemoryBroker) ExtendLease(_ context.Context, stage job.Stage, id string, d time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stage(stage)
	if _, held := st.leases[id]; !held {
		return ErrLeaseLost
	}
	expiry := time.Now().Add(d)
	st.leases[id] = expiry
	if j, ok := st.jobs[id]; ok {
		j.LeaseExpiry = expiry
		st.jobs[id] = j
	}
	return nil
}

func (b *MemoryBroker) Tick(_ context.Context, stage job.Stage, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stage(stage)
	for st.delayed.Len() > 0 && !st.delayed[0].runAt.After(now) {
		entry := heap.Pop(&st.delayed).(delayedEntry)
		if _, known := st.jobs[entry.id]; known {
			st.runnable = append(st.runnable, entry.id)
		}
	}
	for id, expiry := range st.leases {
		if expiry.Before(now) {
			delete(st.leases, id)
			st.runnable = append(st.runnable, id)
		}
	}
	return nil
}

func (b *MemoryBroker) Contains(_ context.Context, stage job.Stage, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.stage(stage).jobs[id]
	return ok, nil
}

func (b *MemoryBroker) Ping(context.Context) error { return nil }

var _ Broker = (*MemoryBroker)(nil)
