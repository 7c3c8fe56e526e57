// Package connpool implements the per-worker, per-target backend
// connection pool (C4): idle-connection reuse with a scored match, idle
// expiry, a waiter FIFO for capacity exhaustion, and cross-worker intent
// accounting to bound thundering-herd overshoot of a target's connection
// cap.
//
// A Pool is owned by exactly one reactor.Worker and is never touched by
// another worker's goroutine, matching spec.md 5's "per-worker state needs
// no locks" — the one exception is Limits, the small per-target counter
// set shared across every worker's Pool for the same target.
package connpool

import (
	"time"

	"github.com/dbbouncer/dbbouncer/internal/reactor"
)

// TargetID names a backend server (host:port, or a logical shard/replica
// name the router policy resolves).
type TargetID string

// NeutralState is the session-neutral snapshot spec.md 3 says a Pool Entry
// carries, so Acquire can answer "can I serve session X?" without touching
// the network.
type NeutralState struct {
	Schema           string
	SearchPath       string
	CharSet          string
	PreparedStmtKeys map[string]struct{}
	AuthPrincipal    string
}

// Score constants for ReuseScorer.Score. Any positive integer in between
// means "usable after cheap renegotiation" (e.g. a transparent SET/USE);
// OPTIMAL short-circuits the scan.
const (
	ScoreNotPossible = -1
	ScoreOptimal     = 1 << 30
)

// ReuseScorer is implemented by the session (or its router policy) asking
// "how well can an idle connection with this NeutralState serve me".
type ReuseScorer interface {
	Score(state NeutralState) int
}

// Conn is the backend connection object a Pool Entry owns while idle and a
// session references (but does not own) while active.
type Conn struct {
	Target     TargetID
	Descriptor *reactor.Descriptor
	CreatedAt  time.Time
	lastUsed   time.Time
	state      NeutralState

	healthy       bool
	inTransaction bool
	poolable      bool
	streaming     bool
	preparing     bool
}

// NewConn wraps an established backend descriptor as freshly dialed:
// healthy, poolable, outside a transaction.
func NewConn(target TargetID, d *reactor.Descriptor, state NeutralState) *Conn {
	now := time.Now()
	return &Conn{
		Target:     target,
		Descriptor: d,
		CreatedAt:  now,
		lastUsed:   now,
		state:      state,
		healthy:    true,
		poolable:   true,
	}
}

// State returns the connection's current session-neutral snapshot.
func (c *Conn) State() NeutralState { return c.state }

// SetState updates the snapshot, e.g. after a session issues a transparent
// SET/USE to reuse this connection for a different schema.
func (c *Conn) SetState(s NeutralState) { c.state = s }

// MarkUnhealthy flags the connection as unfit for reuse (backend error,
// auth rejection, protocol violation).
func (c *Conn) MarkUnhealthy() { c.healthy = false }

// MarkTransaction records whether the connection is currently inside an
// open transaction — Release refuses to pool a connection mid-transaction.
func (c *Conn) MarkTransaction(open bool) { c.inTransaction = open }

// MarkPoolable records whether the session currently using this connection
// considers it safe to hand back (e.g. false while a prepared statement is
// still being negotiated).
func (c *Conn) MarkPoolable(ok bool) { c.poolable = ok }

// Releasable reports whether this connection currently meets Release's
// preconditions: healthy, not mid-transaction, poolable.
func (c *Conn) Releasable() bool {
	return c.healthy && !c.inTransaction && c.poolable
}

// Age returns how long the connection has existed.
func (c *Conn) Age() time.Duration { return time.Since(c.CreatedAt) }

// Idle returns how long the connection has sat unused.
func (c *Conn) Idle() time.Duration { return time.Since(c.lastUsed) }

func (c *Conn) touch() { c.lastUsed = time.Now() }

// Close tears down the underlying descriptor. The caller's worker must own
// Descriptor.
func (c *Conn) Close(reason string) {
	if c.Descriptor == nil {
		return
	}
	w := c.Descriptor.Owner()
	if w != nil {
		w.CloseDescriptor(c.Descriptor, reason, nil)
	}
}
