package session

import "github.com/dbbouncer/dbbouncer/internal/connpool"

// BeginStatement records that a statement has been written to target and
// expects expectedReplies complete replies before it is done (spec.md 4.5
// step 4, "track the expected reply shape on a FIFO per backend").
func (s *Session) BeginStatement(target connpool.TargetID, expectedReplies int) {
	bc, ok := s.backends[target]
	if !ok {
		bc = &backendConn{target: target}
		s.backends[target] = bc
	}
	bc.pending = append(bc.pending, replyExpectation{remaining: expectedReplies})
}

// RecordReply accounts for one reply packet arriving from target. It
// returns true once the oldest pending statement on this backend has
// received every expected reply and been popped from the FIFO (spec.md
// 4.5 step 6).
func (s *Session) RecordReply(target connpool.TargetID) bool {
	bc, ok := s.backends[target]
	if !ok || len(bc.pending) == 0 {
		return true
	}
	bc.pending[0].remaining--
	if bc.pending[0].remaining > 0 {
		return false
	}
	bc.pending = bc.pending[1:]
	return true
}

// PendingOn reports how many statements are still awaiting replies on
// target.
func (s *Session) PendingOn(target connpool.TargetID) int {
	bc, ok := s.backends[target]
	if !ok {
		return 0
	}
	return len(bc.pending)
}

// FailureKind classifies a backend error the codec raised during ROUTING,
// per spec.md 4.5's failure semantics.
type FailureKind uint8

const (
	FailureTransient FailureKind = iota
	FailurePermanent
)

// FailureOutcome is what the session decides a caller should do in
// response to HandleBackendFailure.
type FailureOutcome uint8

const (
	// OutcomeRetry: reconnect silently and retry the statement; the
	// session remains in ROUTING.
	OutcomeRetry FailureOutcome = iota
	// OutcomeSurfaceError: send a protocol-level error to the client; any
	// open transaction on this backend is considered aborted.
	OutcomeSurfaceError
	// OutcomeDrain: this was the last backend for a required target; the
	// session has moved to DRAINING.
	OutcomeDrain
)

// HandleBackendFailure implements spec.md 4.5's failure matrix. lastForTarget
// reports whether this was the session's only connection for target (i.e.
// there is no other live backend able to serve it).
func (s *Session) HandleBackendFailure(target connpool.TargetID, kind FailureKind, lastForTarget bool) FailureOutcome {
	bc, ok := s.backends[target]
	if ok {
		bc.conn = nil
		bc.pending = nil
	}

	if lastForTarget {
		s.beginDraining()
		return OutcomeDrain
	}

	inTransaction := ok && bc.openTransaction
	if kind == FailureTransient && !inTransaction {
		if ok && bc.retries < s.maxRetries {
			bc.retries++
			return OutcomeRetry
		}
	}

	if ok {
		bc.openTransaction = false
		bc.streaming = false
		bc.preparing = false
	}
	return OutcomeSurfaceError
}
