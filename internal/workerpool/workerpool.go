// Package workerpool implements a fixed-size pool of goroutines that a
// binding's dispatcher queues connection work and stateless responses onto,
// assigning connections round-robin and running queued Operations off the
// receive path.
package workerpool

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/pg9182/quicbind/internal/dispatch"
	"github.com/pg9182/quicbind/internal/statelessop"
)

// DefaultQueueDepth is the per-worker operation queue depth used when the
// caller doesn't specify one.
const DefaultQueueDepth = 4096

// Worker is one goroutine pulling queued Operations and running them
// serially, satisfying both dispatch.Worker and statelessop.Worker. It
// reports itself overloaded once its own queue is full rather than
// against a fixed constant, so pools configured with a smaller queue
// depth (e.g. for tests) saturate at their own size.
type Worker struct {
	id int

	ops  chan dispatch.Operation
	pool sync.Pool

	assignedCount atomic.Int64
}

func newWorker(id, queueDepth int) *Worker {
	w := &Worker{id: id, ops: make(chan dispatch.Operation, queueDepth)}
	w.pool.New = func() any { return new(statelessop.Context) }
	go w.run()
	return w
}

func (w *Worker) run() {
	for op := range w.ops {
		op.Run()
	}
}

// IsOverloaded reports whether the worker's operation queue is full.
func (w *Worker) IsOverloaded() bool {
	return len(w.ops) >= cap(w.ops)
}

// AssignConnection records a connection's assignment to this worker for
// bookkeeping; the reference implementation doesn't otherwise special-case
// connection goroutines versus stateless-op goroutines, since Operations
// already carry whatever state a queued connection receive needs.
func (w *Worker) AssignConnection(dispatch.Connection) {
	w.assignedCount.Add(1)
}

// QueueOperation enqueues op to run on this worker's goroutine, dropping
// it if the queue is full — a full channel send would block, which the
// receive path must never do.
func (w *Worker) QueueOperation(op dispatch.Operation) {
	select {
	case w.ops <- op:
	default:
	}
}

// StatelessContextPool returns the per-worker sync.Pool statelessop.Cache
// allocates Context values from.
func (w *Worker) StatelessContextPool() *sync.Pool {
	return &w.pool
}

// Close stops the worker's goroutine once its queue drains.
func (w *Worker) Close() {
	close(w.ops)
}

// Pool is a fixed-size round-robin WorkerPool.
type Pool struct {
	workers []*Worker
	next    atomic.Int64

	log zerolog.Logger
}

// New creates a Pool of n workers, each with the given per-worker queue
// depth.
func New(n, queueDepth int, log zerolog.Logger) *Pool {
	if n <= 0 {
		n = 1
	}
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	p := &Pool{log: log}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, newWorker(i, queueDepth))
	}
	return p
}

// GetWorker hands out the next worker in round-robin order, skipping
// overloaded workers once before settling on whichever one it lands on —
// a drop-don't-queue policy rather than blocking for a free worker.
func (p *Pool) GetWorker() dispatch.Worker {
	n := len(p.workers)
	start := int(p.next.Add(1)) % n
	for i := 0; i < n; i++ {
		w := p.workers[(start+i)%n]
		if !w.IsOverloaded() {
			return w
		}
	}
	p.log.Warn().Msg("worker pool: every worker overloaded")
	return p.workers[start]
}

// Close stops every worker once its queue drains.
func (p *Pool) Close() {
	for _, w := range p.workers {
		w.Close()
	}
}

var _ dispatch.Worker = (*Worker)(nil)
var _ dispatch.WorkerPool = (*Pool)(nil)
