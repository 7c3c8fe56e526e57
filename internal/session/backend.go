package session

import "github.com/dbbouncer/dbbouncer/internal/connpool"

// replyExpectation tracks one in-flight statement's outstanding replies on
// a single backend, per spec.md 4.5 step 4 ("track the expected reply
// shape on a FIFO per backend").
type replyExpectation struct {
	remaining int
}

// backendConn is a session's view of one live connection to a target: the
// connection itself (nil between release and next acquire), its
// transaction/streaming/prepare state for movability, and its FIFO of
// outstanding reply expectations.
type backendConn struct {
	target connpool.TargetID
	conn   *connpool.Conn

	openTransaction bool
	streaming       bool
	preparing       bool
	retries         int

	pending []replyExpectation
}

// idle reports whether this backend is in the clean per-connection state
// spec.md 4.5's movability clause requires: no open transaction, no
// streaming result mid-flight, no prepared statement in progress, and no
// statement still awaiting replies.
func (b *backendConn) idle() bool {
	return !b.openTransaction && !b.streaming && !b.preparing && len(b.pending) == 0
}
