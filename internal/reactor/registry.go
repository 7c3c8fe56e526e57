package reactor

import "time"

// SessionLike is the narrow view a Worker needs of a session.Session to run
// the zombie sweep and cross-worker migration without reactor importing the
// session package (which itself depends on reactor.Descriptor/Worker).
type SessionLike interface {
	SessionID() int64
	// SafeToClose reports whether every backend owned by this session has
	// reported it is safe to tear down (DRAINING -> CLOSED precondition).
	SafeToClose() bool
	ForceClose()
}

// zombie is a descriptor parked for two-phase close: unhooked from the
// readiness set, destroyed once its owning session is safe to close or the
// grace window elapses, re-parked otherwise.
type zombie struct {
	d        *Descriptor
	parkedAt time.Time
	reason   string
	session  SessionLike // nil for descriptors with no owning session (pool stubs)
}

// parkZombie unhooks d from the readiness set and appends it to the
// worker's zombie list. Called by the owning worker only.
func (w *Worker) parkZombie(d *Descriptor, reason string, sess SessionLike) {
	if d.pollToken != 0 {
		_ = w.poller.Remove(d.pollToken)
		delete(w.byToken, d.pollToken)
		d.pollToken = 0
	}
	d.zombieSince = time.Now()
	d.zombieNote = reason
	w.zombies = append(w.zombies, zombie{d: d, parkedAt: d.zombieSince, reason: reason, session: sess})
}

// reapZombies destroys every zombie whose session reports safe-to-close or
// whose idle time exceeds shutdownGrace; the rest are re-parked for the
// next turn. Runs once per loop turn (step 5).
func (w *Worker) reapZombies() {
	if len(w.zombies) == 0 {
		return
	}
	grace := w.shutdownGrace
	kept := w.zombies[:0]
	for _, z := range w.zombies {
		safe := z.session == nil || z.session.SafeToClose()
		expired := time.Since(z.parkedAt) > grace
		if safe || expired {
			w.destroyDescriptor(z.d)
			w.stats.FDCount--
			continue
		}
		kept = append(kept, z)
	}
	w.zombies = kept
}

func (w *Worker) destroyDescriptor(d *Descriptor) {
	_ = closeFD(d.fd)
	if d.self != Nil {
		w.descriptors.Remove(d.self)
	}
}
