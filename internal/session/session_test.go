package session

import (
	"context"
	"testing"
	"time"

	"github.com/dbbouncer/dbbouncer/internal/connpool"
)

type alwaysOptimal struct{}

func (alwaysOptimal) Score(connpool.NeutralState) int { return connpool.ScoreOptimal }

func newTestPool(t *testing.T, cap int) *connpool.Pool {
	t.Helper()
	limits := connpool.NewLimits()
	limits.SetCapacity("t1", cap)
	dial := func(_ context.Context, target connpool.TargetID) (*connpool.Conn, error) {
		return connpool.NewConn(target, nil, connpool.NeutralState{}), nil
	}
	return connpool.New(0, limits, dial, time.Minute, time.Second, nil)
}

func TestSessionLifecycleTransitions(t *testing.T) {
	s := New(NextID(), 0, nil, time.Minute)
	if s.State() != StateInit {
		t.Fatalf("expected INIT, got %v", s.State())
	}
	s.BeginAuth()
	if s.State() != StateAuth {
		t.Fatalf("expected AUTH, got %v", s.State())
	}
	s.CompleteAuth()
	if s.State() != StateRouting {
		t.Fatalf("expected ROUTING, got %v", s.State())
	}
	s.NotifyIdleTimeout()
	if s.State() != StateDraining {
		t.Fatalf("expected DRAINING, got %v", s.State())
	}
	if !s.SafeToClose() {
		t.Fatalf("expected safe to close with no live backends")
	}
	s.ForceClose()
	if s.State() != StateClosed {
		t.Fatalf("expected CLOSED after ForceClose")
	}
}

func TestSessionMovability(t *testing.T) {
	s := New(NextID(), 0, nil, time.Minute)
	s.BeginAuth()
	s.CompleteAuth()
	if !s.Movable() {
		t.Fatalf("a fresh ROUTING session with no backends should be movable")
	}

	p := newTestPool(t, 5)
	var acquired *connpool.Conn
	s.AcquireBackend(context.Background(), p, "t1", alwaysOptimal{}, func(c *connpool.Conn, err error) {
		acquired = c
	})
	if acquired == nil {
		t.Fatalf("expected synchronous acquire to succeed")
	}
	if !s.Movable() {
		t.Fatalf("an idle backend should still be movable")
	}

	s.MarkTransaction("t1", true)
	if s.Movable() {
		t.Fatalf("a session with an open transaction must not be movable")
	}
	s.MarkTransaction("t1", false)
	if !s.Movable() {
		t.Fatalf("closing the transaction should restore movability")
	}
}

func TestSessionStatementReplyTracking(t *testing.T) {
	s := New(NextID(), 0, nil, time.Minute)
	s.BeginAuth()
	s.CompleteAuth()
	s.BeginStatement("t1", 2)
	if s.RecordReply("t1") {
		t.Fatalf("expected statement incomplete after one of two replies")
	}
	if !s.RecordReply("t1") {
		t.Fatalf("expected statement complete after second reply")
	}
	if s.PendingOn("t1") != 0 {
		t.Fatalf("expected no pending statements left")
	}
}

func TestSessionBackendFailureSemantics(t *testing.T) {
	s := New(NextID(), 0, nil, time.Minute)
	s.BeginAuth()
	s.CompleteAuth()

	p := newTestPool(t, 5)
	s.AcquireBackend(context.Background(), p, "t1", alwaysOptimal{}, func(*connpool.Conn, error) {})

	if out := s.HandleBackendFailure("t1", FailureTransient, false); out != OutcomeRetry {
		t.Fatalf("expected retry on transient failure outside a transaction, got %v", out)
	}

	s.AcquireBackend(context.Background(), p, "t1", alwaysOptimal{}, func(*connpool.Conn, error) {})
	s.MarkTransaction("t1", true)
	if out := s.HandleBackendFailure("t1", FailureTransient, false); out != OutcomeSurfaceError {
		t.Fatalf("expected surfaced error for a transient failure inside a transaction, got %v", out)
	}

	s.AcquireBackend(context.Background(), p, "t1", alwaysOptimal{}, func(*connpool.Conn, error) {})
	if out := s.HandleBackendFailure("t1", FailurePermanent, true); out != OutcomeDrain {
		t.Fatalf("expected DRAINING when the last backend for a target is lost, got %v", out)
	}
	if s.State() != StateDraining {
		t.Fatalf("expected session state DRAINING, got %v", s.State())
	}
}
