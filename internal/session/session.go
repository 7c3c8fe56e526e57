// Package session implements the per-client-connection state machine
// (C5): lifecycle INIT->AUTH->ROUTING->DRAINING->CLOSED, the per-statement
// flow of acquiring backends and tracking outstanding replies, movability,
// and backend-failure semantics.
//
// A Session is owned by exactly one reactor.Worker, touched only by that
// worker's goroutine — the router/protocol contract (C6) drives a Session
// through its statement flow by calling these exported methods, but never
// reaches into reactor or connpool state directly.
package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dbbouncer/dbbouncer/internal/connpool"
	"github.com/dbbouncer/dbbouncer/internal/reactor"
)

var nextID int64

// NextID hands out a globally unique, monotonically increasing session id
// (spec.md 3, "Session... a session id (globally unique, monotonic)").
func NextID() int64 { return atomic.AddInt64(&nextID, 1) }

// DefaultMaxStatementRetries bounds the "once per statement, bounded
// retries" reconnect spec.md 4.5 allows for a transient failure outside an
// open transaction.
const DefaultMaxStatementRetries = 1

// Session is one client connection's state, attributes as spec.md 3
// describes: id, owner worker id, client descriptor, live backends keyed
// by target, a movable flag (computed, not stored), a kill-requested flag,
// and a multiplex idle timer.
type Session struct {
	id            int64
	ownerWorkerID int
	client        *reactor.Descriptor

	backends map[connpool.TargetID]*backendConn

	state         State
	killRequested bool

	awaitingConnection bool // internal sub-state: a statement is blocked on a waiter
	lastActivity       time.Time
	multiplexIdle      time.Duration

	maxRetries int

	// PolicyState is opaque to the session — the router policy's
	// per-session state object (tenant, routing decision cache, etc.),
	// threaded through unexamined so C5 never branches on routing policy.
	PolicyState any
}

// New creates a session owned by ownerWorkerID for an already-accepted
// client descriptor. The session starts in INIT and the caller must call
// CompleteAuth (or FailAuth) once the protocol handshake concludes.
func New(id int64, ownerWorkerID int, client *reactor.Descriptor, multiplexIdle time.Duration) *Session {
	return &Session{
		id:            id,
		ownerWorkerID: ownerWorkerID,
		client:        client,
		backends:      make(map[connpool.TargetID]*backendConn),
		state:         StateInit,
		lastActivity:  time.Now(),
		multiplexIdle: multiplexIdle,
		maxRetries:    DefaultMaxStatementRetries,
	}
}

// SessionID implements reactor.SessionLike.
func (s *Session) SessionID() int64 { return s.id }

// State returns the session's current lifecycle state.
func (s *Session) State() State { return s.state }

// OwnerWorkerID returns the id of the worker currently owning this
// session. Updated by the coordinator on a successful migration.
func (s *Session) OwnerWorkerID() int { return s.ownerWorkerID }

// SetOwnerWorkerID is called by the coordinator once a cooperative move
// completes and the target worker has reconstructed this session.
func (s *Session) SetOwnerWorkerID(id int) { s.ownerWorkerID = id }

// ClientDescriptor returns the session's client-facing descriptor.
func (s *Session) ClientDescriptor() *reactor.Descriptor { return s.client }

// Touch records statement activity, resetting the multiplex idle timer.
func (s *Session) Touch() { s.lastActivity = time.Now() }

// IdleFor reports how long the session has had no statement activity.
func (s *Session) IdleFor() time.Duration { return time.Since(s.lastActivity) }

// CompleteAuth transitions AUTH -> ROUTING after a successful protocol
// handshake (spec.md 4.5).
func (s *Session) CompleteAuth() {
	if s.state == StateInit || s.state == StateAuth {
		s.state = StateRouting
		s.Touch()
	}
}

// BeginAuth transitions INIT -> AUTH once the client TCP accept completes.
func (s *Session) BeginAuth() {
	if s.state == StateInit {
		s.state = StateAuth
	}
}

// FailAuth transitions AUTH -> CLOSED on a handshake failure.
func (s *Session) FailAuth() { s.state = StateClosed }

// RequestKill marks the session for teardown (explicit kill) and begins
// draining.
func (s *Session) RequestKill() {
	s.killRequested = true
	s.beginDraining()
}

// KillRequested reports whether RequestKill has been called.
func (s *Session) KillRequested() bool { return s.killRequested }

// NotifyIdleTimeout begins draining after the multiplex idle timer fires.
func (s *Session) NotifyIdleTimeout() { s.beginDraining() }

// NotifyShutdown begins draining in response to a coordinator shutdown
// broadcast (spec.md 4.7).
func (s *Session) NotifyShutdown() { s.beginDraining() }

// NotifyClientClosed marks the session a zombie candidate: the client
// descriptor closed, so it becomes a zombie once every backend reports
// safe-to-close (spec.md 3, Session lifecycle).
func (s *Session) NotifyClientClosed() { s.beginDraining() }

func (s *Session) beginDraining() {
	if s.state != StateClosed {
		s.state = StateDraining
	}
}

// Movable reports whether the coordinator may migrate this session:
// ROUTING state, no statement awaiting a connection, and every backend
// idle (spec.md 4.5 "Movability").
func (s *Session) Movable() bool {
	if s.state != StateRouting || s.awaitingConnection {
		return false
	}
	for _, b := range s.backends {
		if !b.idle() {
			return false
		}
	}
	return true
}

// SafeToClose implements reactor.SessionLike: every backend has been
// released or closed (DRAINING -> CLOSED precondition).
func (s *Session) SafeToClose() bool {
	if s.state != StateDraining && s.state != StateClosed {
		return false
	}
	for _, b := range s.backends {
		if b.conn != nil {
			return false
		}
	}
	return true
}

// ForceClose implements reactor.SessionLike: closes every live backend
// unconditionally and marks the session CLOSED. Used by the grace-window
// sweep and by the shutdown broadcast's "politely kill" step once its
// budget has run out.
func (s *Session) ForceClose() {
	for target, b := range s.backends {
		if b.conn != nil {
			b.conn.Close("session force close")
		}
		delete(s.backends, target)
	}
	s.state = StateClosed
}

// Backends returns the set of targets this session currently holds (idle
// or in-flight) connections to, for introspection/migration snapshotting.
func (s *Session) Backends() []connpool.TargetID {
	out := make([]connpool.TargetID, 0, len(s.backends))
	for t := range s.backends {
		out = append(out, t)
	}
	return out
}

// BackendConn returns the live connection this session holds for target,
// or nil if it holds none (e.g. released back to the pool between
// statements). Used by the coordinator to move a migrating session's held
// backend descriptors along with its client descriptor.
func (s *Session) BackendConn(target connpool.TargetID) *connpool.Conn {
	if bc, ok := s.backends[target]; ok {
		return bc.conn
	}
	return nil
}

// AwaitingConnection reports whether a statement is blocked on a pool
// waiter; while true, the session's client side must stop accepting new
// statements (spec.md 4.5 step 3's backpressure rule), though the
// descriptor itself stays readable.
func (s *Session) AwaitingConnection() bool { return s.awaitingConnection }

func (s *Session) setAwaitingConnection(v bool) { s.awaitingConnection = v }

// AcquireReadyFunc is invoked once a requested backend connection is
// ready, whether synchronously (idle connection or fresh dial) or later
// (after waiting in the pool's FIFO).
type AcquireReadyFunc func(conn *connpool.Conn, err error)

// AcquireBackend obtains a connection to target, reusing one already held
// by this session, or asking pool p for one (idle reuse, fresh dial, or a
// queued wait). ready is called exactly once; synchronously if possible,
// otherwise from within a later Pool.Release call on this same worker.
func (s *Session) AcquireBackend(ctx context.Context, p *connpool.Pool, target connpool.TargetID, scorer connpool.ReuseScorer, ready AcquireReadyFunc) {
	if bc, ok := s.backends[target]; ok && bc.conn != nil {
		ready(bc.conn, nil)
		return
	}

	ep := connpool.Endpoint{
		SessionID: s.id,
		Target:    target,
		Enqueued:  time.Now(),
		Notify: func(status connpool.WaitStatus, conn *connpool.Conn, err error) {
			s.setAwaitingConnection(false)
			if status == connpool.WaitSuccess {
				s.attachBackend(target, conn)
			}
			ready(conn, err)
		},
	}

	res, err := p.Acquire(ctx, target, scorer, ep)
	if err != nil {
		ready(nil, err)
		return
	}
	if res.Queued {
		s.setAwaitingConnection(true)
		return
	}
	s.attachBackend(target, res.Conn)
	ready(res.Conn, nil)
}

func (s *Session) attachBackend(target connpool.TargetID, conn *connpool.Conn) {
	bc, ok := s.backends[target]
	if !ok {
		bc = &backendConn{target: target}
		s.backends[target] = bc
	}
	bc.conn = conn
	bc.retries = 0
}

// ReleaseBackend hands target's connection back to pool p. The backend
// must be idle (no open transaction, no in-flight statement) — callers
// check this via the failure/statement-tracking API before calling.
func (s *Session) ReleaseBackend(p *connpool.Pool, target connpool.TargetID) {
	bc, ok := s.backends[target]
	if !ok || bc.conn == nil {
		return
	}
	conn := bc.conn
	bc.conn = nil
	p.Release(conn)
}

// MarkTransaction records whether target's connection is currently inside
// an open transaction.
func (s *Session) MarkTransaction(target connpool.TargetID, open bool) {
	if bc, ok := s.backends[target]; ok {
		bc.openTransaction = open
		if bc.conn != nil {
			bc.conn.MarkTransaction(open)
		}
	}
}

// MarkStreaming records whether target's connection has a streaming result
// mid-flight.
func (s *Session) MarkStreaming(target connpool.TargetID, streaming bool) {
	if bc, ok := s.backends[target]; ok {
		bc.streaming = streaming
	}
}

// MarkPreparing records whether target's connection has a prepared
// statement negotiation in progress.
func (s *Session) MarkPreparing(target connpool.TargetID, preparing bool) {
	if bc, ok := s.backends[target]; ok {
		bc.preparing = preparing
		if bc.conn != nil {
			bc.conn.MarkPoolable(!preparing)
		}
	}
}
