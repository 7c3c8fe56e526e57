package reactor

import (
	"log/slog"
	"sync"
	"time"
)

// Expirable is ticked once per worker loop turn (step 5, "per-turn
// maintenance"). The per-worker connection pool and statement cache attach
// themselves through this interface so Worker never has to import their
// concrete types — only reactor's own primitives (Descriptor, Handle,
// Inbox) are part of this package's dependency surface.
type Expirable interface {
	ExpireTick(now time.Time)
}

// Config bundles the runtime-tunable knobs a Worker needs; it is the
// reactor-facing subset of config.RuntimeConfig.
type Config struct {
	Tick          time.Duration
	ShutdownGrace time.Duration
}

// Worker is one OS thread's worth of state: a readiness set, a task inbox,
// and every descriptor/session/pool/cache entry it owns. Everything here
// except the Inbox and the load gauge is touched only by this worker's own
// goroutine — that discipline is what lets the rest of the core go
// lock-free.
type Worker struct {
	id     int
	poller poller
	Inbox  *Inbox

	tick          time.Duration
	shutdownGrace time.Duration

	descriptors Table[*Descriptor]
	byToken     map[uint64]*Descriptor
	sessions    map[int64]SessionLike
	zombies     []zombie
	load        loadGauge
	stats       Stats

	expirables []Expirable
	timed      []timedCallback

	rebalanceRequested bool
	onRebalance        func(w *Worker)

	log *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	finished bool
}

type timedCallback struct {
	deadline time.Time
	fn       func(w *Worker)
}

// New creates worker id using cfg. The caller must call Run (typically in
// its own goroutine, one per worker) to start the event loop.
func New(id int, cfg Config, log *slog.Logger) (*Worker, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	w := &Worker{
		id:            id,
		poller:        p,
		tick:          cfg.Tick,
		shutdownGrace: cfg.ShutdownGrace,
		sessions:      make(map[int64]SessionLike),
		byToken:       make(map[uint64]*Descriptor),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		log:           log,
	}
	w.Inbox = newInbox(p.Wake)
	return w, nil
}

// ID returns the worker's small dense id, starting at 0.
func (w *Worker) ID() int { return w.id }

// Post submits a point task: runs once, on this worker, in submission
// order relative to the calling goroutine.
func (w *Worker) Post(fn TaskFunc) { w.Inbox.Post(fn) }

// DCall schedules fn to run on this worker at or after deadline.
func (w *Worker) DCall(deadline time.Time, fn func(w *Worker)) {
	w.Post(func(w *Worker) {
		w.timed = append(w.timed, timedCallback{deadline: deadline, fn: fn})
	})
}

// AttachExpirable registers a component (pool, cache) to be ticked every
// loop turn's maintenance step.
func (w *Worker) AttachExpirable(e Expirable) { w.expirables = append(w.expirables, e) }

// OnRebalanceRequested installs the callback the coordinator's rebalance
// broadcast runs on this worker (step 5, "rebalance if requested").
func (w *Worker) OnRebalanceRequested(fn func(w *Worker)) { w.onRebalance = fn }

// RequestRebalance marks that a rebalance pass should run on the next turn.
// Safe to call from the owning worker only (post a task otherwise).
func (w *Worker) RequestRebalance() { w.rebalanceRequested = true }

// Load returns the worker's moving-average load gauge. Safe from any
// goroutine (acquire/release atomics).
func (w *Worker) Load() *loadGauge { return &w.load }

// Stats returns a snapshot of the worker's statistics block.
// Owning-worker only; use a Post/DCall round-trip to read from elsewhere.
func (w *Worker) Stats() Stats { return w.stats }

// SessionCount returns the number of sessions currently owned.
func (w *Worker) SessionCount() int { return len(w.sessions) }

// RegisterSession adds a session to this worker's registry.
func (w *Worker) RegisterSession(s SessionLike) { w.sessions[s.SessionID()] = s }

// UnregisterSession removes a session, e.g. once it reaches CLOSED.
func (w *Worker) UnregisterSession(id int64) { delete(w.sessions, id) }

// Sessions returns every session this worker owns. Owning-worker only.
func (w *Worker) Sessions() map[int64]SessionLike { return w.sessions }

// NewDescriptor registers fd with the readiness set and returns the
// Descriptor. role and edgeTriggered follow spec.md 4.1 (listening
// descriptors are level-triggered, client/backend are edge-triggered).
func (w *Worker) NewDescriptor(fd int, role Role, handler Handler) (*Descriptor, error) {
	d := &Descriptor{fd: fd, role: role, owner: w, handler: handler, edge: role != RoleListening}
	tok, err := w.poller.Add(fd, d.edge, false)
	if err != nil {
		return nil, err
	}
	d.pollToken = tok
	d.self = w.descriptors.Insert(d)
	w.byToken[tok] = d
	w.stats.FDCount++
	w.stats.FDCountTotal++
	return d, nil
}

// NewSharedListenerDescriptor registers a listening fd that is also
// registered on every other worker's readiness set (see Listener). The
// kernel (via EPOLLEXCLUSIVE where supported) wakes at most one worker per
// pending connection.
func (w *Worker) NewSharedListenerDescriptor(fd int, handler Handler) (*Descriptor, error) {
	d := &Descriptor{fd: fd, role: RoleListening, owner: w, handler: handler, edge: false}
	tok, err := w.poller.AddShared(fd)
	if err != nil {
		return nil, err
	}
	d.pollToken = tok
	d.self = w.descriptors.Insert(d)
	w.byToken[tok] = d
	w.stats.FDCount++
	w.stats.FDCountTotal++
	return d, nil
}

// MigrateDescriptor transfers d's ownership from its current worker to w:
// unhooks it from the old owner's readiness set and descriptor table and
// re-registers it on w's. Used by the coordinator's cooperative session
// migration (spec.md 4.7) to move a session's client descriptor between
// workers without closing the underlying fd.
func (w *Worker) MigrateDescriptor(d *Descriptor) error {
	old := d.owner
	if old == w {
		return nil
	}
	if old != nil {
		if d.pollToken != 0 {
			_ = old.poller.Remove(d.pollToken)
			delete(old.byToken, d.pollToken)
		}
		if d.self != Nil {
			old.descriptors.Remove(d.self)
		}
		old.stats.FDCount--
	}

	tok, err := w.poller.Add(d.fd, d.edge, d.wantWrite)
	if err != nil {
		return err
	}
	d.owner = w
	d.pollToken = tok
	d.self = w.descriptors.Insert(d)
	w.byToken[tok] = d
	w.stats.FDCount++
	w.stats.FDCountTotal++
	return nil
}

// CloseDescriptor begins the two-phase close described in spec.md 4.1:
// unhook from the readiness set and park on the zombie list rather than
// freeing immediately, so a handler still on the call stack for this
// descriptor never sees it freed out from under it.
func (w *Worker) CloseDescriptor(d *Descriptor, reason string, sess SessionLike) {
	w.parkZombie(d, reason, sess)
}

// Stop requests the loop to exit after finishing its current turn.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Done returns a channel closed once the loop has exited.
func (w *Worker) Done() <-chan struct{} { return w.doneCh }

// Finished reports whether the loop has exited (used by the shutdown
// broadcast's "once every worker reports FINISHED" check).
func (w *Worker) Finished() bool { return w.finished }
