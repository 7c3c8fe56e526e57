package coordinator

import (
	"sync/atomic"
	"time"

	"github.com/dbbouncer/dbbouncer/internal/reactor"
	"github.com/dbbouncer/dbbouncer/internal/session"
)

const shutdownTickInterval = 100 * time.Millisecond

// StartShutdown implements spec.md 4.7's shutdown broadcast: a
// per-worker callback installed on every worker that, every 100 ms,
// closes idle pool entries, then stops the worker's loop if its session
// registry is empty, otherwise politely kills each remaining session.
// onAllFinished runs once every worker reports Finished(); the core
// places no hard timeout on this, the caller wraps one externally
// (spec.md 4.7, "There is no hard timeout on shutdown in the core
// itself").
func StartShutdown(workers []*reactor.Worker, closeIdlePoolEntries func(w *reactor.Worker), onAllFinished func()) {
	var remaining int32 = int32(len(workers))

	var tick func(w *reactor.Worker)
	tick = func(w *reactor.Worker) {
		if closeIdlePoolEntries != nil {
			closeIdlePoolEntries(w)
		}
		if w.SessionCount() == 0 {
			w.Stop()
			if atomic.AddInt32(&remaining, -1) == 0 && onAllFinished != nil {
				onAllFinished()
			}
			return
		}
		for _, sl := range w.Sessions() {
			if s, ok := sl.(*session.Session); ok {
				s.RequestKill()
			}
		}
		w.DCall(time.Now().Add(shutdownTickInterval), tick)
	}

	for _, w := range workers {
		w.Post(func(w *reactor.Worker) {
			w.DCall(time.Now().Add(shutdownTickInterval), tick)
		})
	}
}
