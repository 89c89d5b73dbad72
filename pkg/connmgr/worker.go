package connmgr

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Worker is the idiomatic replacement for the C original's worker-thread
// pool (spec.md §9): a buffered channel plus a goroutine draining it,
// standing in for "a temporary worker" acquired during connection creation
// and the per-connection worker operations are queued on afterward.
type Worker struct {
	queue  chan Op
	logger zerolog.Logger
}

// NewWorker creates a worker with the given queue depth. A full queue is
// reported as "overloaded" by Enqueue/Overloaded, matching spec.md's
// "worker is overloaded (an external predicate)" used to gate stateless
// operation admission and connection creation.
func NewWorker(queueDepth int, logger zerolog.Logger) *Worker {
	return &Worker{
		queue:  make(chan Op, queueDepth),
		logger: logger,
	}
}

// Overloaded reports whether the worker's queue is currently full.
func (w *Worker) Overloaded() bool {
	return len(w.queue) >= cap(w.queue)
}

// Enqueue attempts to queue op, returning false (and dropping op) if the
// worker is overloaded.
func (w *Worker) Enqueue(op Op) bool {
	select {
	case w.queue <- op:
		return true
	default:
		w.logger.Debug().Int("kind", int(op.Kind)).Msg("dropping operation: worker queue full")
		return false
	}
}

// Run drains the worker's queue until ctx is canceled, invoking handle for
// each operation.
func (w *Worker) Run(ctx context.Context, handle func(Op)) {
	for {
		select {
		case op := <-w.queue:
			handle(op)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce dequeues and handles a single pending operation without blocking,
// reporting whether one was available. It lets a caller (tests, or a
// synchronous debug mode) drain a worker without running Run on its own
// goroutine.
func (w *Worker) RunOnce(handle func(Op)) bool {
	select {
	case op := <-w.queue:
		handle(op)
		return true
	default:
		return false
	}
}

// Pool distributes newly created connections across a fixed set of
// workers, the concrete form of spec.md §4.5 step 3 "Acquire a temporary
// worker (drop if overloaded)".
type Pool struct {
	workers []*Worker
	next    atomic.Uint32
}

// NewPool creates n workers, each with the given queue depth.
func NewPool(n, queueDepth int, logger zerolog.Logger) *Pool {
	p := &Pool{}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, NewWorker(queueDepth, logger.With().Int("worker", i).Logger()))
	}
	return p
}

// Acquire returns the next worker in round-robin order that is not
// overloaded, or nil if every worker is overloaded. It is safe for
// concurrent use.
func (p *Pool) Acquire() *Worker {
	n := uint32(len(p.workers))
	for i := uint32(0); i < n; i++ {
		w := p.workers[(p.next.Add(1)-1)%n]
		if !w.Overloaded() {
			return w
		}
	}
	return nil
}

// Workers returns the underlying worker slice, e.g. so the caller can Run
// each one on its own goroutine.
func (p *Pool) Workers() []*Worker {
	return p.workers
}
