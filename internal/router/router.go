package router

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dbbouncer/dbbouncer/internal/config"
)

// TenantStats accumulates the Classification history a TenantPolicy reports
// via RecordStatement: per-tenant statement counts broken down along the
// same axes classify() tags each packet with, for the admin API's
// per-tenant introspection surface.
type TenantStats struct {
	Statements          int64
	Writes              int64
	SessionStateTouches int64
	LastKind            StatementKind
	LastSeen            time.Time
}

// Router resolves tenant IDs to their database configurations and, once a
// TenantPolicy is driving traffic through it, accumulates the per-tenant
// Classification history route() reports via RecordStatement.
type Router struct {
	mu       sync.RWMutex
	tenants  map[string]config.TenantConfig
	defaults config.PoolDefaults
	paused   map[string]bool
	stats    map[string]*TenantStats
}

// New creates a new Router populated from the given config.
func New(cfg *config.Config) *Router {
	r := &Router{
		tenants:  make(map[string]config.TenantConfig, len(cfg.Tenants)),
		defaults: cfg.Defaults,
		paused:   make(map[string]bool),
		stats:    make(map[string]*TenantStats),
	}
	for id, tc := range cfg.Tenants {
		r.tenants[id] = tc
	}
	return r
}

// RecordStatement folds one classified statement into tenantID's running
// TenantStats. Called by TenantPolicy.OnStatement for every statement a
// bound session sends, so the routing table doubles as the per-tenant
// traffic-shape ledger the admin API's reactor/tenant introspection
// endpoints read from.
func (r *Router) RecordStatement(tenantID string, c Classification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.stats[tenantID]
	if !ok {
		ts = &TenantStats{}
		r.stats[tenantID] = ts
	}
	ts.Statements++
	if c.IsWrite {
		ts.Writes++
	}
	if c.TouchesSessionState {
		ts.SessionStateTouches++
	}
	ts.LastKind = c.Kind
	ts.LastSeen = time.Now()
}

// TenantStats returns a snapshot of tenantID's accumulated statement
// statistics, or the zero value and false if no statement has been
// recorded for it yet.
func (r *Router) TenantStats(tenantID string) (TenantStats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts, ok := r.stats[tenantID]
	if !ok {
		return TenantStats{}, false
	}
	return *ts, true
}

// AllTenantStats returns a snapshot of every tenant's accumulated statement
// statistics, keyed by tenant id.
func (r *Router) AllTenantStats() map[string]TenantStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]TenantStats, len(r.stats))
	for id, ts := range r.stats {
		out[id] = *ts
	}
	return out
}

// Resolve looks up the TenantConfig for the given tenant ID.
func (r *Router) Resolve(tenantID string) (config.TenantConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tc, ok := r.tenants[tenantID]
	if !ok {
		return config.TenantConfig{}, fmt.Errorf("unknown tenant: %q", tenantID)
	}
	return tc, nil
}

// AddTenant registers or updates a tenant configuration.
func (r *Router) AddTenant(tenantID string, tc config.TenantConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[tenantID] = tc
}

// RemoveTenant removes a tenant from the router.
func (r *Router) RemoveTenant(tenantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tenants[tenantID]; !ok {
		return false
	}
	delete(r.tenants, tenantID)
	delete(r.paused, tenantID)
	delete(r.stats, tenantID)
	return true
}

// PauseTenant marks a tenant as paused. Returns false if tenant not found.
func (r *Router) PauseTenant(tenantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tenants[tenantID]; !ok {
		return false
	}
	r.paused[tenantID] = true
	return true
}

// ResumeTenant unpauses a tenant. Returns false if tenant not found.
func (r *Router) ResumeTenant(tenantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tenants[tenantID]; !ok {
		return false
	}
	delete(r.paused, tenantID)
	return true
}

// IsPaused returns whether a tenant is currently paused.
func (r *Router) IsPaused(tenantID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paused[tenantID]
}

// ListTenants returns all tenant IDs and their configs.
func (r *Router) ListTenants() map[string]config.TenantConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]config.TenantConfig, len(r.tenants))
	for id, tc := range r.tenants {
		result[id] = tc
	}
	return result
}

// Defaults returns the current pool defaults.
func (r *Router) Defaults() config.PoolDefaults {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// Reload replaces the entire routing table from a new config.
func (r *Router) Reload(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.defaults = cfg.Defaults
	newTenants := make(map[string]config.TenantConfig, len(cfg.Tenants))
	for id, tc := range cfg.Tenants {
		newTenants[id] = tc
	}
	r.tenants = newTenants
	r.paused = make(map[string]bool)
}

// ExtractTenantFromUsername parses tenant ID from username formats like "tenant1..appuser"
// or "tenant1__appuser". Returns the tenant ID and the real username.
func ExtractTenantFromUsername(username string) (tenantID, realUser string, ok bool) {
	// Split at the first ".." if present, else at the first "__"; a username
	// with neither separator is returned unchanged with ok=false.
	if idx := strings.Index(username, ".."); idx > 0 {
		return username[:idx], username[idx+2:], true
	}
	if idx := strings.Index(username, "__"); idx > 0 {
		return username[:idx], username[idx+2:], true
	}
	return "", username, false
}
