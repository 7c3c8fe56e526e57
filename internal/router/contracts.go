// Package router defines the C6 contract boundary: the narrow set of calls
// the core (C5 Session) makes into routing/protocol logic, and the calls
// routing/protocol logic makes back into the core (C3/C4 surfaces). It
// also hosts the concrete tenant-routing Policy (adapted from the
// teacher's Router) that implements that contract for this proxy.
package router

import (
	"github.com/dbbouncer/dbbouncer/internal/connpool"
	"github.com/dbbouncer/dbbouncer/internal/session"
	"github.com/dbbouncer/dbbouncer/internal/statementcache"
)

// StatementKind is the closed set classify() may tag a client packet with.
type StatementKind uint8

const (
	KindOther StatementKind = iota
	KindQuery
	KindPrepare
	KindBeginTransaction
	KindCommit
	KindRollback
)

// Classification is classify(packet)'s result: synchronous, no I/O.
type Classification struct {
	Kind               StatementKind
	Fingerprint        statementcache.Fingerprint
	IsWrite            bool
	TouchesSessionState bool
}

// ReplyShape describes how many reply messages route() expects per target.
type ReplyShape uint8

const (
	ReplyShapeSingle ReplyShape = iota
	ReplyShapeMultiple
	ReplyShapeNone
)

// Plan is route()'s result: which targets a classified statement goes to,
// under what reply shape, with what (possibly identity) transformation.
type Plan struct {
	Targets        []connpool.TargetID
	ReplyShape     ReplyShape
	Transformed    []byte // the (possibly rewritten) bytes to send to each target
}

// Statement is one complete client packet the protocol module has framed
// out of the read buffer, paired with its classification.
type Statement struct {
	Raw            []byte
	Classification Classification
}

// Reply is on_reply(backend, packet)'s result.
type Reply struct {
	AppendToClient []byte
	IsTerminal     bool
	NextExpected   int
}

// Action is what a Policy decides to do once a backend reply has been
// interpreted.
type Action uint8

const (
	ActionForward Action = iota
	ActionSuppress
	ActionAbortTransaction
)

// Recovery is what a Policy decides in response to a backend failure.
type Recovery struct {
	Outcome session.FailureOutcome
	// ErrorToClient is the protocol-level error payload to surface,
	// populated when Outcome is OutcomeSurfaceError or OutcomeDrain.
	ErrorToClient []byte
}

// Protocol is the wire-codec half of the C6 contract: turning client bytes
// into Statements, backend bytes into Replies, serializing a Statement for
// the wire, and judging whether a session's connection state is clean
// enough to pool.
type Protocol interface {
	HandleClientBytes(s *session.Session, buf []byte) ([]Statement, error)
	HandleBackendBytes(s *session.Session, b *connpool.Conn, buf []byte) (Reply, error)
	SerializeForBackend(st Statement) []byte
	IsSafeToReuse(s *session.Session) bool
	ResetForPooling(b *connpool.Conn) error
}

// Policy is the routing half of the C6 contract: per spec.md 4.6's
// classify/route/on_reply, expressed against a session rather than a bare
// packet so a Policy can consult and update per-session routing state.
type Policy interface {
	OnStatement(sess *session.Session, c Classification) (Plan, error)
	OnReply(plan Plan, pkt []byte) (Action, error)
	OnFailure(sess *session.Session, target connpool.TargetID, kind session.FailureKind, lastForTarget bool) (Recovery, error)
}
