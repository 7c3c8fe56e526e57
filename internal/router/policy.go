package router

import (
	"fmt"

	"github.com/dbbouncer/dbbouncer/internal/connpool"
	"github.com/dbbouncer/dbbouncer/internal/session"
)

// sessionRouting is the opaque per-session state a TenantPolicy stashes on
// session.Session.PolicyState: the resolved tenant id and its single
// backend target, determined once at AUTH and reused for every statement.
type sessionRouting struct {
	tenantID string
	target   connpool.TargetID
}

// TenantPolicy implements Policy over the teacher's tenant Router: each
// session is pinned to exactly one tenant (and so exactly one backend
// target) for its lifetime, matching spec.md 4.6's "route() -> targets"
// contract degenerating to a single-target case for a non-sharding
// tenant-routing policy (sharding/rewriting policies are out of scope per
// spec.md's Non-goals).
type TenantPolicy struct {
	routes *Router
}

// NewTenantPolicy wraps routes as a Policy.
func NewTenantPolicy(routes *Router) *TenantPolicy {
	return &TenantPolicy{routes: routes}
}

// BindTenant resolves tenantID against the routing table and, on success,
// stashes the session's routing decision. Called once, after the protocol
// module extracts a tenant id from the client's auth handshake.
func (p *TenantPolicy) BindTenant(sess *session.Session, tenantID string) error {
	if p.routes.IsPaused(tenantID) {
		return fmt.Errorf("tenant %q is paused", tenantID)
	}
	if _, err := p.routes.Resolve(tenantID); err != nil {
		return err
	}
	sess.PolicyState = sessionRouting{tenantID: tenantID, target: connpool.TargetID(tenantID)}
	return nil
}

// OnStatement implements Policy: every statement for a bound session goes
// to that session's single target, unmodified.
func (p *TenantPolicy) OnStatement(sess *session.Session, c Classification) (Plan, error) {
	rt, ok := sess.PolicyState.(sessionRouting)
	if !ok {
		return Plan{}, fmt.Errorf("session has no bound tenant")
	}
	if p.routes.IsPaused(rt.tenantID) {
		return Plan{}, fmt.Errorf("tenant %q is paused", rt.tenantID)
	}
	p.routes.RecordStatement(rt.tenantID, c)
	return Plan{
		Targets:    []connpool.TargetID{rt.target},
		ReplyShape: replyShapeFor(c.Kind),
	}, nil
}

func replyShapeFor(k StatementKind) ReplyShape {
	switch k {
	case KindQuery, KindPrepare:
		return ReplyShapeMultiple
	default:
		return ReplyShapeSingle
	}
}

// OnReply implements Policy: a tenant-routing policy never rewrites or
// suppresses backend replies, it only forwards them.
func (p *TenantPolicy) OnReply(plan Plan, pkt []byte) (Action, error) {
	return ActionForward, nil
}

// OnFailure implements Policy per spec.md 4.5's failure matrix, delegating
// the outcome decision to the session itself (which already tracks
// per-backend transaction/retry state) and attaching a generic
// protocol-neutral error payload for the surfaced-error/drain cases.
func (p *TenantPolicy) OnFailure(sess *session.Session, target connpool.TargetID, kind session.FailureKind, lastForTarget bool) (Recovery, error) {
	outcome := sess.HandleBackendFailure(target, kind, lastForTarget)
	rec := Recovery{Outcome: outcome}
	switch outcome {
	case session.OutcomeSurfaceError:
		rec.ErrorToClient = []byte(fmt.Sprintf("backend error on target %s", target))
	case session.OutcomeDrain:
		rec.ErrorToClient = []byte(fmt.Sprintf("lost last connection to target %s", target))
	}
	return rec, nil
}
