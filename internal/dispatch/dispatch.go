// Package dispatch wires the C6 contract (router.Protocol/router.Policy)
// into the reactor's per-descriptor Handler dispatch (C1/C8): it is the
// glue a worker's epoll readiness events flow through on their way to a
// Session's statement-level bookkeeping, grounded on the teacher's
// postgres.go/mysql.go request/response loops, reshaped around
// non-blocking descriptors instead of a blocking net.Conn pair.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/dbbouncer/dbbouncer/internal/connpool"
	"github.com/dbbouncer/dbbouncer/internal/reactor"
	"github.com/dbbouncer/dbbouncer/internal/router"
	"github.com/dbbouncer/dbbouncer/internal/session"
	"github.com/dbbouncer/dbbouncer/internal/statementcache"
)

// Dispatcher owns the per-worker collaborators a session needs to go from
// raw client bytes to a routed backend write and back: the protocol codec,
// the routing policy, the statement cache, and the connection pool. One
// Dispatcher is constructed per reactor.Worker, exactly like Pool and Cache.
type Dispatcher struct {
	Protocol router.Protocol
	Policy   router.Policy
	Cache    *statementcache.Cache
	Pool     *connpool.Pool
	Log      *slog.Logger
}

// sessionScorer adapts a Session's currently-pinned routing state into a
// connpool.ReuseScorer: any healthy idle connection on the right target is
// optimal, since TenantPolicy never shares a target connection across
// schemas/search_paths the way a sharding policy might.
type sessionScorer struct{}

func (sessionScorer) Score(state connpool.NeutralState) int { return connpool.ScoreOptimal }

// ClientHandler implements reactor.Handler for a session's client
// descriptor: on every readiness wakeup it frames complete statements out
// of the accumulated read buffer, classifies and routes each one, and
// forwards it to the target backend (dialing or reusing one via Pool as
// needed).
type ClientHandler struct {
	D    *Dispatcher
	Sess *session.Session
}

func (h *ClientHandler) OnReadable(d *reactor.Descriptor) error {
	buf := d.ReadBuffer()
	stmts, err := h.D.Protocol.HandleClientBytes(h.Sess, buf)
	if err != nil {
		return err
	}
	consumed := 0
	for _, st := range stmts {
		consumed += len(st.Raw)
		h.route(st)
	}
	d.Consume(consumed)
	h.Sess.Touch()
	return nil
}

func (h *ClientHandler) route(st router.Statement) {
	plan, err := h.D.Policy.OnStatement(h.Sess, st.Classification)
	if err != nil {
		if h.D.Log != nil {
			h.D.Log.Warn("dispatch: routing failed", "session", h.Sess.SessionID(), "err", err)
		}
		return
	}
	replies := 1
	if plan.ReplyShape == router.ReplyShapeMultiple {
		replies = -1 // open-ended: counted complete by a terminal Reply, not a fixed count
	} else if plan.ReplyShape == router.ReplyShapeNone {
		replies = 0
	}

	wire := h.D.Protocol.SerializeForBackend(st)
	for _, target := range plan.Targets {
		if replies != 0 {
			h.Sess.BeginStatement(target, max1(replies))
		}
		if st.Classification.Kind == router.KindBeginTransaction {
			h.Sess.MarkTransaction(target, true)
		}
		if st.Classification.Kind == router.KindPrepare {
			h.Sess.MarkPreparing(target, true)
		}
		t := target
		h.Sess.AcquireBackend(context.Background(), h.D.Pool, t, sessionScorer{}, func(conn *connpool.Conn, err error) {
			if err != nil {
				h.D.Policy.OnFailure(h.Sess, t, session.FailurePermanent, true)
				return
			}
			if conn.Descriptor != nil {
				conn.Descriptor.SetHandler(&BackendHandler{D: h.D, Sess: h.Sess, Target: t, Conn: conn})
				conn.Descriptor.Write(wire)
			}
		})
	}
}

func max1(n int) int {
	if n < 0 {
		return 1
	}
	return n
}

func (h *ClientHandler) OnWritable(d *reactor.Descriptor) error { return nil }

func (h *ClientHandler) OnError(d *reactor.Descriptor, err error) {
	h.Sess.NotifyClientClosed()
}

func (h *ClientHandler) OnHangup(d *reactor.Descriptor) {
	h.Sess.NotifyClientClosed()
}

// BackendHandler implements reactor.Handler for one of a session's backend
// descriptors: it frames one reply at a time, forwards it to the client,
// records it against the session's pending-reply FIFO, and releases the
// connection back to the pool once both the reply is terminal and the
// session reports it safe to reuse.
type BackendHandler struct {
	D      *Dispatcher
	Sess   *session.Session
	Target connpool.TargetID
	Conn   *connpool.Conn
}

func (h *BackendHandler) OnReadable(d *reactor.Descriptor) error {
	buf := d.ReadBuffer()
	reply, err := h.D.Protocol.HandleBackendBytes(h.Sess, h.Conn, buf)
	if err != nil {
		h.fail(session.FailurePermanent)
		return err
	}
	if len(reply.AppendToClient) == 0 {
		return nil
	}
	d.Consume(len(reply.AppendToClient))

	if client := h.Sess.ClientDescriptor(); client != nil {
		client.Write(reply.AppendToClient)
	}

	if reply.IsTerminal {
		h.Sess.MarkStreaming(h.Target, false)
		h.Sess.MarkPreparing(h.Target, false)
		if h.Sess.RecordReply(h.Target) {
			h.Sess.MarkTransaction(h.Target, false)
		}
		if h.D.Protocol.IsSafeToReuse(h.Sess) {
			h.D.Protocol.ResetForPooling(h.Conn)
			h.Sess.ReleaseBackend(h.D.Pool, h.Target)
		}
	} else {
		h.Sess.MarkStreaming(h.Target, true)
	}
	return nil
}

func (h *BackendHandler) fail(kind session.FailureKind) {
	outcome := h.Sess.HandleBackendFailure(h.Target, kind, true)
	recovery, err := h.D.Policy.OnFailure(h.Sess, h.Target, kind, true)
	if err != nil && h.D.Log != nil {
		h.D.Log.Warn("dispatch: OnFailure errored", "session", h.Sess.SessionID(), "err", err)
	}
	if outcome == session.OutcomeSurfaceError || outcome == session.OutcomeDrain {
		if client := h.Sess.ClientDescriptor(); client != nil && len(recovery.ErrorToClient) > 0 {
			client.Write(recovery.ErrorToClient)
		}
	}
}

func (h *BackendHandler) OnWritable(d *reactor.Descriptor) error { return nil }

func (h *BackendHandler) OnError(d *reactor.Descriptor, err error) {
	h.fail(session.FailureTransient)
}

func (h *BackendHandler) OnHangup(d *reactor.Descriptor) {
	h.fail(session.FailureTransient)
}
