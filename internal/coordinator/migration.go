package coordinator

import (
	"fmt"

	"github.com/dbbouncer/dbbouncer/internal/reactor"
	"github.com/dbbouncer/dbbouncer/internal/session"
)

// MigrateSession moves a session cooperatively in two worker-inbox round
// trips, so neither worker touches the other's session registry directly:
// on from, the session is removed from from's registry; on to, the client
// descriptor and any held backend descriptors are adopted and the session
// is registered. If adopting the client descriptor fails, the session is
// registered on from again. Because this is a single process, the session
// is handed over in memory rather than serialized into a message.
//
// from and to must be different workers; sessionID must belong to from and
// its session must report Movable() at the moment this task runs
// (movability can change between the coordinator's sampling pass and the
// task actually running, so it is re-checked here, on from's own
// goroutine).
func MigrateSession(from, to *reactor.Worker, sessionID int64, onDeclined func(reason string)) {
	from.Post(func(w *reactor.Worker) {
		sl, ok := w.Sessions()[sessionID]
		if !ok {
			return
		}
		sess, ok := sl.(*session.Session)
		if !ok || !sess.Movable() {
			if onDeclined != nil {
				onDeclined("session is not movable")
			}
			return
		}

		w.UnregisterSession(sessionID)
		client := sess.ClientDescriptor()
		targets := sess.Backends()

		to.Post(func(target *reactor.Worker) {
			if client != nil {
				if err := target.MigrateDescriptor(client); err != nil {
					// Adoption failed: hand the session back to its
					// original worker rather than losing it.
					from.Post(func(src *reactor.Worker) {
						src.RegisterSession(sess)
					})
					if onDeclined != nil {
						onDeclined(fmt.Sprintf("adopting client descriptor: %v", err))
					}
					return
				}
			}
			for _, t := range targets {
				if c := sess.BackendConn(t); c != nil && c.Descriptor != nil {
					_ = target.MigrateDescriptor(c.Descriptor)
				}
			}
			sess.SetOwnerWorkerID(target.ID())
			target.RegisterSession(sess)
		})
	})
}
