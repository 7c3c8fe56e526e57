package router

import (
	"testing"
	"time"

	"github.com/dbbouncer/dbbouncer/internal/config"
	"github.com/dbbouncer/dbbouncer/internal/session"
)

func newTestRouter() *Router {
	return New(&config.Config{
		Tenants: map[string]config.TenantConfig{
			"acme": {DBType: "postgres", Host: "db1", Port: 5432, DBName: "acme", Username: "u"},
		},
	})
}

func TestTenantPolicyBindAndRoute(t *testing.T) {
	p := NewTenantPolicy(newTestRouter())
	s := session.New(session.NextID(), 0, nil, time.Minute)

	if err := p.BindTenant(s, "acme"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	plan, err := p.OnStatement(s, Classification{Kind: KindQuery})
	if err != nil {
		t.Fatalf("OnStatement: %v", err)
	}
	if len(plan.Targets) != 1 || plan.Targets[0] != "acme" {
		t.Fatalf("unexpected plan targets: %+v", plan.Targets)
	}
	if plan.ReplyShape != ReplyShapeMultiple {
		t.Fatalf("expected multiple reply shape for a query")
	}
}

func TestTenantPolicyRejectsPausedTenant(t *testing.T) {
	r := newTestRouter()
	r.PauseTenant("acme")
	p := NewTenantPolicy(r)
	s := session.New(session.NextID(), 0, nil, time.Minute)

	if err := p.BindTenant(s, "acme"); err == nil {
		t.Fatalf("expected bind to fail for a paused tenant")
	}
}

func TestTenantPolicyOnFailureDelegatesToSession(t *testing.T) {
	p := NewTenantPolicy(newTestRouter())
	s := session.New(session.NextID(), 0, nil, time.Minute)
	if err := p.BindTenant(s, "acme"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	rec, err := p.OnFailure(s, "acme", session.FailurePermanent, true)
	if err != nil {
		t.Fatalf("OnFailure: %v", err)
	}
	if rec.Outcome != session.OutcomeDrain {
		t.Fatalf("expected drain outcome, got %v", rec.Outcome)
	}
	if s.State() != session.StateDraining {
		t.Fatalf("expected session to be draining")
	}
}
