package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbbouncer/dbbouncer/internal/config"
	"github.com/dbbouncer/dbbouncer/internal/connpool"
	"github.com/dbbouncer/dbbouncer/internal/coordinator"
	"github.com/dbbouncer/dbbouncer/internal/health"
	"github.com/dbbouncer/dbbouncer/internal/metrics"
	"github.com/dbbouncer/dbbouncer/internal/pool"
	"github.com/dbbouncer/dbbouncer/internal/reactor"
	"github.com/dbbouncer/dbbouncer/internal/router"
	"github.com/dbbouncer/dbbouncer/internal/statementcache"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// ReactorInfo bundles the data-plane handles the admin API reads for
// introspection. It is attached after the reactor workers, caches, and
// pools are constructed in cmd/dbbouncer — Start() only wires the HTTP
// routes, the handlers read through s.reactorInfo at request time.
type ReactorInfo struct {
	Workers     []*reactor.Worker
	Pools       []*connpool.Pool
	Caches      []*statementcache.Cache
	Coordinator *coordinator.Coordinator
}

// Server is the REST API and metrics server.
type Server struct {
	router      *router.Router
	poolMgr     *pool.Manager
	healthCheck *health.Checker
	metrics     *metrics.Collector
	httpServer  *http.Server
	startTime   time.Time
	listenCfg   config.ListenConfig
	tenantMu    sync.Mutex // protects read-modify-write in updateTenant

	riMu sync.RWMutex
	ri   *ReactorInfo
}

// NewServer creates a new API server.
func NewServer(r *router.Router, pm *pool.Manager, hc *health.Checker, m *metrics.Collector, lc config.ListenConfig) *Server {
	return &Server{
		router:      r,
		poolMgr:     pm,
		healthCheck: hc,
		metrics:     m,
		startTime:   time.Now(),
		listenCfg:   lc,
	}
}

// AttachReactorInfo wires the data-plane handles the /reactor/stats
// endpoint reads. Safe to call after Start(); handlers read it lazily.
func (s *Server) AttachReactorInfo(ri *ReactorInfo) {
	s.riMu.Lock()
	defer s.riMu.Unlock()
	s.ri = ri
}

// authMiddleware returns a middleware that checks for a valid API key.
// Unauthenticated routes (health, ready, metrics) are excluded.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for health/readiness probes and metrics
		path := r.URL.Path
		if path == "/health" || path == "/ready" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := s.listenCfg.APIKey
		if apiKey == "" {
			// No API key configured — allow all requests
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" || !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != apiKey {
			writeError(w, http.StatusUnauthorized, "unauthorized: invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start starts the HTTP API server.
func (s *Server) Start(port int) error {
	r := mux.NewRouter()

	// Tenant CRUD
	r.HandleFunc("/tenants", s.listTenants).Methods("GET")
	r.HandleFunc("/tenants", s.createTenant).Methods("POST")
	r.HandleFunc("/tenants/{id}", s.getTenant).Methods("GET")
	r.HandleFunc("/tenants/{id}", s.updateTenant).Methods("PUT")
	r.HandleFunc("/tenants/{id}", s.deleteTenant).Methods("DELETE")
	r.HandleFunc("/tenants/{id}/stats", s.tenantStats).Methods("GET")
	r.HandleFunc("/tenants/{id}/drain", s.drainTenant).Methods("POST")

	// Pause/Resume
	r.HandleFunc("/tenants/{id}/pause", s.pauseTenant).Methods("POST")
	r.HandleFunc("/tenants/{id}/resume", s.resumeTenant).Methods("POST")

	// Server status & config
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/config", s.configHandler).Methods("GET")

	// Reactor/data-plane introspection
	r.HandleFunc("/reactor/stats", s.reactorStatsHandler).Methods("GET")
	r.HandleFunc("/reactor/rebalance", s.rebalanceHandler).Methods("GET")

	// Health & readiness
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	// Prometheus metrics
	if s.metrics != nil && s.metrics.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Root: minimal service banner pointing at the real endpoints
	r.HandleFunc("/", s.rootHandler).Methods("GET")

	// Wrap with security headers, then auth middleware
	handler := s.securityHeaders(s.authMiddleware(r))

	bind := s.listenCfg.APIBind
	if bind == "" {
		bind = "127.0.0.1"
	}
	addr := fmt.Sprintf("%s:%d", bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	if s.listenCfg.APIKey == "" {
		slog.Warn("API key not configured — management endpoints are unauthenticated")
	}
	slog.Info("REST API listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("API server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// --- Tenant Handlers ---

type tenantRequest struct {
	DBType         string `json:"db_type"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	DBName         string `json:"dbname"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	MinConnections *int   `json:"min_connections,omitempty"`
	MaxConnections *int   `json:"max_connections,omitempty"`
}

type tenantResponse struct {
	ID     string               `json:"id"`
	Config config.TenantConfig  `json:"config"`
	Stats  *pool.Stats          `json:"stats,omitempty"`
	Health *health.TenantHealth `json:"health,omitempty"`
	Paused bool                 `json:"paused"`
}

func (s *Server) listTenants(w http.ResponseWriter, r *http.Request) {
	tenants := s.router.ListTenants()

	var result []tenantResponse
	for id, tc := range tenants {
		tr := tenantResponse{
			ID:     id,
			Config: tc.Redacted(),
			Paused: s.router.IsPaused(id),
		}
		if stats, ok := s.poolMgr.TenantStats(id); ok {
			tr.Stats = &stats
		}
		h := s.healthCheck.GetStatus(id)
		tr.Health = &h
		result = append(result, tr)
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) createTenant(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req struct {
		ID string `json:"id"`
		tenantRequest
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "tenant id is required")
		return
	}
	if req.DBType != "postgres" && req.DBType != "mysql" {
		writeError(w, http.StatusBadRequest, "db_type must be postgres or mysql")
		return
	}
	if req.Host == "" || req.Port == 0 || req.DBName == "" || req.Username == "" {
		writeError(w, http.StatusBadRequest, "host, port, dbname, and username are required")
		return
	}

	tc := config.TenantConfig{
		DBType:         req.DBType,
		Host:           req.Host,
		Port:           req.Port,
		DBName:         req.DBName,
		Username:       req.Username,
		Password:       req.Password,
		MinConnections: req.MinConnections,
		MaxConnections: req.MaxConnections,
	}

	s.router.AddTenant(req.ID, tc)
	slog.Info("tenant registered", "tenant", req.ID, "db_type", tc.DBType, "host", tc.Host, "port", tc.Port)

	writeJSON(w, http.StatusCreated, tenantResponse{ID: req.ID, Config: tc.Redacted()})
}

func (s *Server) getTenant(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	tc, err := s.router.Resolve(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}

	tr := tenantResponse{ID: id, Config: tc.Redacted(), Paused: s.router.IsPaused(id)}
	if stats, ok := s.poolMgr.TenantStats(id); ok {
		tr.Stats = &stats
	}
	h := s.healthCheck.GetStatus(id)
	tr.Health = &h

	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) updateTenant(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	id := mux.Vars(r)["id"]

	var req tenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	// Hold lock for the entire read-modify-write to prevent TOCTOU races
	s.tenantMu.Lock()
	defer s.tenantMu.Unlock()

	// Verify tenant exists
	existing, err := s.router.Resolve(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}

	// Merge with existing config
	if req.DBType != "" {
		existing.DBType = req.DBType
	}
	if req.Host != "" {
		existing.Host = req.Host
	}
	if req.Port != 0 {
		existing.Port = req.Port
	}
	if req.DBName != "" {
		existing.DBName = req.DBName
	}
	if req.Username != "" {
		existing.Username = req.Username
	}
	if req.Password != "" {
		existing.Password = req.Password
	}
	if req.MinConnections != nil {
		existing.MinConnections = req.MinConnections
	}
	if req.MaxConnections != nil {
		existing.MaxConnections = req.MaxConnections
	}

	s.router.AddTenant(id, existing)
	slog.Info("tenant updated", "tenant", id)

	writeJSON(w, http.StatusOK, tenantResponse{ID: id, Config: existing.Redacted()})
}

func (s *Server) deleteTenant(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if !s.router.RemoveTenant(id) {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}

	// Drain and remove pool
	s.poolMgr.Remove(id)
	if s.healthCheck != nil {
		s.healthCheck.RemoveTenant(id)
	}
	if s.metrics != nil {
		s.metrics.RemoveTenant(id)
	}

	slog.Info("tenant removed", "tenant", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "tenant": id})
}

func (s *Server) tenantStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	stats, ok := s.poolMgr.TenantStats(id)
	if !ok {
		// Check if tenant exists but has no pool yet
		if _, err := s.router.Resolve(id); err != nil {
			writeError(w, http.StatusNotFound, "tenant not found")
			return
		}
		stats = pool.Stats{TenantID: id}
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) drainTenant(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if !s.poolMgr.DrainTenant(id) {
		writeError(w, http.StatusNotFound, "tenant not found or no active pool")
		return
	}

	slog.Info("tenant drained", "tenant", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "drained", "tenant": id})
}

// --- Health Handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	statuses := s.healthCheck.GetAllStatuses()
	allHealthy := s.healthCheck.OverallHealthy()

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status":  boolToStatus(allHealthy),
		"tenants": statuses,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	// Ready if at least one tenant is healthy or there are no tenants
	tenants := s.router.ListTenants()
	if len(tenants) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	for id := range tenants {
		if s.healthCheck.IsHealthy(id) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}

	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

// rootHandler reports the endpoints available on this server, replacing
// the teacher's static HTML dashboard with a machine-readable banner —
// nothing in this tree renders the dashboard's reactor/session data, so a
// JSON index is the honest surface.
func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "dbbouncer",
		"endpoints": []string{
			"/tenants", "/tenants/{id}", "/tenants/{id}/stats",
			"/tenants/{id}/drain", "/tenants/{id}/pause", "/tenants/{id}/resume",
			"/status", "/config", "/reactor/stats", "/reactor/rebalance",
			"/health", "/ready", "/metrics",
		},
	})
}

// --- Status & Config Handlers ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()
	tenants := s.router.ListTenants()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(uptime),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_tenants":    len(tenants),
		"listen": map[string]int{
			"postgres_port": s.listenCfg.PostgresPort,
			"mysql_port":    s.listenCfg.MySQLPort,
			"api_port":      s.listenCfg.APIPort,
		},
	})
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	defaults := s.router.Defaults()
	tenants := s.router.ListTenants()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"listen": map[string]int{
			"postgres_port": s.listenCfg.PostgresPort,
			"mysql_port":    s.listenCfg.MySQLPort,
			"api_port":      s.listenCfg.APIPort,
		},
		"defaults": map[string]interface{}{
			"min_connections": defaults.MinConnections,
			"max_connections": defaults.MaxConnections,
			"idle_timeout":    defaults.IdleTimeout.String(),
			"max_lifetime":    defaults.MaxLifetime.String(),
			"acquire_timeout": defaults.AcquireTimeout.String(),
		},
		"tenant_count": len(tenants),
	})
}

// --- Reactor Introspection Handlers ---

type workerStatsResponse struct {
	WorkerID     int                       `json:"worker_id"`
	Reads        int64                     `json:"reads"`
	Writes       int64                     `json:"writes"`
	Errors       int64                     `json:"errors"`
	Hangups      int64                     `json:"hangups"`
	Accepts      int64                     `json:"accepts"`
	FDCount      int64                     `json:"fd_count"`
	QueueAvg     float64                   `json:"readiness_queue_avg"`
	AvgHandlerNs int64                     `json:"avg_handler_exec_ns"`
	Sessions     int                       `json:"sessions"`
	Cache        *statementcache.Stats     `json:"cache,omitempty"`
	ConnPool     map[string]connpool.Stats `json:"conn_pool,omitempty"`
}

// reactorStatsHandler reports per-worker reactor/cache/connection-pool
// counters for every data-plane worker; coordinator counters are served by
// rebalanceHandler. Returns 503 until AttachReactorInfo has been called.
func (s *Server) reactorStatsHandler(w http.ResponseWriter, r *http.Request) {
	s.riMu.RLock()
	ri := s.ri
	s.riMu.RUnlock()

	if ri == nil {
		writeError(w, http.StatusServiceUnavailable, "reactor introspection not yet available")
		return
	}

	targets := s.router.ListTenants()

	result := make([]workerStatsResponse, 0, len(ri.Workers))
	for i, worker := range ri.Workers {
		st := worker.Stats()
		wr := workerStatsResponse{
			WorkerID:     worker.ID(),
			Reads:        st.Reads,
			Writes:       st.Writes,
			Errors:       st.Errors,
			Hangups:      st.Hangups,
			Accepts:      st.Accepts,
			FDCount:      st.FDCount,
			QueueAvg:     st.ReadinessQueueAvg,
			AvgHandlerNs: st.AvgHandlerExec().Nanoseconds(),
			Sessions:     worker.SessionCount(),
		}

		if i < len(ri.Caches) && ri.Caches[i] != nil {
			cs := ri.Caches[i].Stats()
			wr.Cache = &cs
		}

		if i < len(ri.Pools) && ri.Pools[i] != nil {
			cp := make(map[string]connpool.Stats, len(targets))
			for id := range targets {
				cp[id] = ri.Pools[i].Stats(connpool.TargetID(id))
			}
			wr.ConnPool = cp
		}

		result = append(result, wr)
	}

	if s.metrics != nil {
		for i, wr := range result {
			worker := fmt.Sprintf("%d", i)
			if wr.Cache != nil {
				s.metrics.UpdateCacheStats(worker, wr.Cache.Size, wr.Cache.Bytes, wr.Cache.Hits, wr.Cache.Misses, wr.Cache.Evictions)
			}
			s.metrics.UpdateReactorStats(worker, wr.Reads, wr.Writes, wr.Errors, wr.FDCount, wr.QueueAvg, float64(wr.AvgHandlerNs))
			s.metrics.UpdateSessionCount(worker, wr.Sessions)
			for target, cp := range wr.ConnPool {
				s.metrics.UpdateConnPoolGroupStats(target, cp.PeakSize, int64(cp.CurrentSize), int64(cp.Waiting))
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workers": result,
	})
}

// rebalanceHandler reports the coordinator's rebalance counters and its
// recent per-worker load history.
func (s *Server) rebalanceHandler(w http.ResponseWriter, r *http.Request) {
	s.riMu.RLock()
	ri := s.ri
	s.riMu.RUnlock()

	if ri == nil || ri.Coordinator == nil {
		writeError(w, http.StatusServiceUnavailable, "coordinator introspection not yet available")
		return
	}

	events, declined := ri.Coordinator.Stats()
	if s.metrics != nil {
		s.metrics.UpdateRebalanceStats(events, declined)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rebalance_events": events,
		"declined_moves":   declined,
		"history":          ri.Coordinator.History(),
	})
}

// --- Pause/Resume Handlers ---

func (s *Server) pauseTenant(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if !s.router.PauseTenant(id) {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}

	slog.Info("tenant paused", "tenant", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "tenant": id})
}

func (s *Server) resumeTenant(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if !s.router.ResumeTenant(id) {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}

	slog.Info("tenant resumed", "tenant", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "tenant": id})
}

// securityHeaders adds security-related HTTP headers to all responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
