// Package coordinator implements C7: cross-worker broadcast, load
// sampling with rebalance-trigger, cooperative session migration, and
// graceful shutdown orchestration. Grounded on the periodic
// health-sampling-driving-a-registry shape of johnjansen-torua's
// internal/coordinator, adapted from a networked coordinator (torua talks
// to remote nodes over HTTP) into one that talks to local worker inboxes,
// since C7 is explicitly single-process per spec.md's scope; the serial
// broadcast pattern is grounded on paypal-hera's coordinator.
package coordinator

import (
	"sync/atomic"

	"github.com/dbbouncer/dbbouncer/internal/reactor"
)

// FireAndForget submits fn to every worker's inbox and returns immediately,
// for idempotent maintenance tasks whose completion nobody waits on.
func FireAndForget(workers []*reactor.Worker, fn reactor.TaskFunc) {
	for _, w := range workers {
		w.Post(fn)
	}
}

// Semaphore submits fn to every worker's inbox and returns without
// waiting; done runs once every copy has run, on the worker that ran the
// last copy (or at once on the caller's goroutine when workers is empty).
// Use WaitSemaphore for a synchronous caller.
func Semaphore(workers []*reactor.Worker, fn reactor.TaskFunc, done func()) {
	if len(workers) == 0 {
		done()
		return
	}
	count := int32(len(workers))
	for _, w := range workers {
		w.Inbox.PostBroadcastCopy(fn, &count, done)
	}
}

// WaitSemaphore is Semaphore's blocking form: it submits fn to every
// worker and blocks the calling goroutine until every copy has run.
func WaitSemaphore(workers []*reactor.Worker, fn reactor.TaskFunc) {
	ch := make(chan struct{})
	Semaphore(workers, fn, func() { close(ch) })
	<-ch
}

// Serial submits fn to worker 0, waits for it to run, then worker 1, and so
// on. Used when the accumulated per-worker result would be too large to
// hold in parallel (spec.md 4.7), e.g. snapshotting every cache entry for
// introspection. afterEach(i) runs synchronously after worker i's copy of
// fn completes, off that worker's goroutine (it runs on the caller's), so it must only touch whatever fn stashed via the outer
// closure rather than the worker's own state.
func Serial(workers []*reactor.Worker, fn reactor.TaskFunc, afterEach func(i int)) {
	for i, w := range workers {
		ch := make(chan struct{})
		var once int32
		w.Inbox.PostBroadcastCopy(fn, int32Ptr(1), func() {
			if atomic.CompareAndSwapInt32(&once, 0, 1) {
				close(ch)
			}
		})
		<-ch
		if afterEach != nil {
			afterEach(i)
		}
	}
}

func int32Ptr(v int32) *int32 { return &v }
