package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dbbouncer/dbbouncer/internal/api"
	"github.com/dbbouncer/dbbouncer/internal/config"
	"github.com/dbbouncer/dbbouncer/internal/connpool"
	"github.com/dbbouncer/dbbouncer/internal/coordinator"
	"github.com/dbbouncer/dbbouncer/internal/dial"
	"github.com/dbbouncer/dbbouncer/internal/dispatch"
	"github.com/dbbouncer/dbbouncer/internal/health"
	"github.com/dbbouncer/dbbouncer/internal/metrics"
	"github.com/dbbouncer/dbbouncer/internal/pool"
	"github.com/dbbouncer/dbbouncer/internal/proxy"
	"github.com/dbbouncer/dbbouncer/internal/reactor"
	"github.com/dbbouncer/dbbouncer/internal/router"
	"github.com/dbbouncer/dbbouncer/internal/session"
	"github.com/dbbouncer/dbbouncer/internal/statementcache"
)

const shutdownTimeout = 60 * time.Second

var nextSessionID int64

func main() {
	configPath := flag.String("config", "configs/dbbouncer.yaml", "path to configuration file")
	flag.Parse()

	log := slog.Default()
	log.Info("DBBouncer starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	log.Info("configuration loaded", "path", *configPath, "tenants", len(cfg.Tenants))

	m := metrics.New()
	r := router.New(cfg)

	// Admin plane: tenant CRUD, pause/resume, and liveness probing run over
	// their own connections, independent of the reactor's data path.
	pm := pool.NewManager(cfg.Defaults)
	hc := health.NewChecker(r, m, cfg.HealthCheck)
	hc.SetPoolManager(pm)
	pm.SetOnPoolExhausted(func(tenantID string) { m.PoolExhausted(tenantID) })
	pm.StartStatsLoop(5*time.Second, func(s pool.Stats) {
		m.UpdatePoolStats(s.TenantID, s.DBType, s.Active, s.Idle, s.Total, s.Waiting)
	})
	hc.Start()

	apiServer := api.NewServer(r, pm, hc, m, cfg.Listen)
	if err := apiServer.Start(cfg.Listen.APIPort); err != nil {
		log.Error("failed to start API server", "err", err)
		os.Exit(1)
	}

	// Data plane: one reactor worker per configured thread, each with its
	// own statement cache and connection pool over a shared cross-worker
	// admission ledger.
	limits := connpool.NewLimits()
	for id, tc := range cfg.Tenants {
		limits.SetCapacity(connpool.TargetID(id), tc.EffectiveMaxConnections(cfg.Defaults))
	}

	policy := router.NewTenantPolicy(r)
	cacheBudget := statementcache.PerWorkerBudget(cfg.Runtime.CacheMaxBytes, cfg.Runtime.WorkerCount)

	workers := make([]*reactor.Worker, cfg.Runtime.WorkerCount)
	pools := make([]*connpool.Pool, cfg.Runtime.WorkerCount)
	caches := make([]*statementcache.Cache, cfg.Runtime.WorkerCount)
	pgDispatchers := make([]*dispatch.Dispatcher, cfg.Runtime.WorkerCount)
	myDispatchers := make([]*dispatch.Dispatcher, cfg.Runtime.WorkerCount)

	for i := 0; i < cfg.Runtime.WorkerCount; i++ {
		w, err := reactor.New(i, reactor.Config{Tick: cfg.Runtime.LoopTick, ShutdownGrace: cfg.Runtime.ShutdownGrace}, log)
		if err != nil {
			log.Error("failed to start reactor worker", "worker", i, "err", err)
			os.Exit(1)
		}

		cache := statementcache.New(cacheBudget, 4096, 1<<20)
		p := connpool.New(i, limits, backendDialer(r, w), cfg.Runtime.PoolIdleMaxAge, cfg.Runtime.MultiplexTimeout, log)
		p.OnExhausted(func(target connpool.TargetID) { m.PoolExhausted(string(target)) })

		w.AttachExpirable(cache)
		w.AttachExpirable(p)

		workers[i] = w
		pools[i] = p
		caches[i] = cache
		pgDispatchers[i] = &dispatch.Dispatcher{Protocol: proxy.PostgresProtocol{}, Policy: policy, Cache: cache, Pool: p, Log: log}
		myDispatchers[i] = &dispatch.Dispatcher{Protocol: proxy.MySQLProtocol{}, Policy: policy, Cache: cache, Pool: p, Log: log}

		go w.Run()
	}

	co := coordinator.New(workers, coordinator.Config{
		RebalanceThreshold: cfg.Runtime.RebalanceThreshold,
		RebalanceWindow:    cfg.Runtime.RebalanceWindow,
		MovesPerRebalance:  1,
	}, log)
	go co.Run()

	apiServer.AttachReactorInfo(&api.ReactorInfo{
		Workers:     workers,
		Pools:       pools,
		Caches:      caches,
		Coordinator: co,
	})

	var tlsConfig *tls.Config
	if cfg.Listen.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(cfg.Listen.TLSCert, cfg.Listen.TLSKey)
		if err != nil {
			log.Error("failed to load TLS certificate", "err", err)
			os.Exit(1)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	pgListener, _, err := reactor.Listen("postgres", addrFor("", cfg.Listen.PostgresPort))
	if err != nil {
		log.Error("failed to listen for Postgres", "err", err)
		os.Exit(1)
	}
	myListener, _, err := reactor.Listen("mysql", addrFor("", cfg.Listen.MySQLPort))
	if err != nil {
		log.Error("failed to listen for MySQL", "err", err)
		os.Exit(1)
	}

	for _, w := range workers {
		w := w
		if err := pgListener.Register(w, func(w *reactor.Worker, fd int, remote net.Addr) {
			go acceptPostgres(w, fd, tlsConfig, cfg, policy, pgDispatchers[w.ID()], log)
		}); err != nil {
			log.Error("failed to register Postgres listener", "worker", w.ID(), "err", err)
			os.Exit(1)
		}
		if err := myListener.Register(w, func(w *reactor.Worker, fd int, remote net.Addr) {
			go acceptMySQL(w, fd, r, cfg, policy, myDispatchers[w.ID()], log)
		}); err != nil {
			log.Error("failed to register MySQL listener", "worker", w.ID(), "err", err)
			os.Exit(1)
		}
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Info("reloading configuration...")
		r.Reload(newCfg)
		pm.UpdateDefaults(newCfg.Defaults)
		for id, tc := range newCfg.Tenants {
			limits.SetCapacity(connpool.TargetID(id), tc.EffectiveMaxConnections(newCfg.Defaults))
		}
	})
	if err != nil {
		log.Warn("config hot-reload not available", "err", err)
	}

	log.Info("DBBouncer ready",
		"pg_port", cfg.Listen.PostgresPort,
		"mysql_port", cfg.Listen.MySQLPort,
		"api_port", cfg.Listen.APIPort,
		"workers", cfg.Runtime.WorkerCount)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down...", "signal", sig)

	done := make(chan struct{})
	go func() {
		if configWatcher != nil {
			configWatcher.Stop()
		}
		pgListener.Close()
		myListener.Close()
		co.Stop()
		co.Shutdown(func(w *reactor.Worker) {
			pools[w.ID()].ExpireTick(time.Now())
		}, func() {
			close(done)
		})
	}()

	select {
	case <-done:
		log.Info("DBBouncer stopped")
	case <-time.After(shutdownTimeout):
		log.Error("shutdown timed out, forcing exit", "timeout", shutdownTimeout)
		os.Exit(1)
	}

	apiServer.Stop()
	hc.Stop()
	pm.Close()
}

func addrFor(bind string, port int) string {
	if bind == "" {
		bind = "0.0.0.0"
	}
	return net.JoinHostPort(bind, strconv.Itoa(port))
}

// backendDialer resolves a target's configured DBType before delegating to
// the matching protocol-specific dialer from internal/dial.
func backendDialer(routes *router.Router, w *reactor.Worker) connpool.Dialer {
	pgDial := dial.NewPostgresDialer(routes, w)
	myDial := dial.NewMySQLDialer(routes, w)
	return func(ctx context.Context, target connpool.TargetID) (*connpool.Conn, error) {
		tc, err := routes.Resolve(string(target))
		if err != nil {
			return nil, err
		}
		if tc.DBType == "mysql" {
			return myDial(ctx, target)
		}
		return pgDial(ctx, target)
	}
}

// acceptPostgres runs the client-facing startup/auth handshake on its own
// goroutine (the same deliberately-blocking seam documented for
// internal/dial) and, once a tenant is resolved and bound, hands the now
// non-blocking descriptor to its owning worker to register as a session.
func acceptPostgres(w *reactor.Worker, fd int, tlsConfig *tls.Config, cfg *config.Config, policy *router.TenantPolicy, d *dispatch.Dispatcher, log *slog.Logger) {
	f := os.NewFile(uintptr(fd), "pg-client")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		syscall.Close(fd)
		return
	}

	tenantID, _, upgraded, err := proxy.ReadPostgresStartup(conn, tlsConfig)
	if err != nil {
		log.Warn("postgres startup handshake failed", "err", err)
		conn.Close()
		return
	}
	if tenantID == "" {
		proxy.SendPGError(upgraded, "FATAL", "28000", "no tenant identified in startup parameters")
		upgraded.Close()
		return
	}
	if err := proxy.SendPGTrustAuth(upgraded); err != nil {
		upgraded.Close()
		return
	}

	rawFD, err := rawNonblockingFD(upgraded)
	if err != nil {
		log.Warn("postgres client fd extraction failed", "tenant", tenantID, "err", err)
		return
	}

	w.Post(func(w *reactor.Worker) {
		desc, err := w.NewDescriptor(rawFD, reactor.RoleClient, nil)
		if err != nil {
			log.Warn("postgres client descriptor registration failed", "tenant", tenantID, "err", err)
			syscall.Close(rawFD)
			return
		}
		sess := session.New(atomic.AddInt64(&nextSessionID, 1), w.ID(), desc, cfg.Runtime.MultiplexTimeout)
		if err := policy.BindTenant(sess, tenantID); err != nil {
			w.CloseDescriptor(desc, "tenant bind failed: "+err.Error(), sess)
			return
		}
		sess.CompleteAuth()
		desc.SetHandler(&dispatch.ClientHandler{D: d, Sess: sess})
		w.RegisterSession(sess)
	})
}

func acceptMySQL(w *reactor.Worker, fd int, routes *router.Router, cfg *config.Config, policy *router.TenantPolicy, d *dispatch.Dispatcher, log *slog.Logger) {
	f := os.NewFile(uintptr(fd), "mysql-client")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		syscall.Close(fd)
		return
	}

	if err := proxy.SendSyntheticMySQLHandshake(conn); err != nil {
		conn.Close()
		return
	}
	tenantID, _, err := proxy.ReadMySQLHandshakeResponse(conn, func(candidate string) bool {
		_, err := routes.Resolve(candidate)
		return err == nil
	})
	if err != nil || tenantID == "" {
		log.Warn("mysql handshake response unresolved", "err", err)
		proxy.SendMySQLError(conn, 1045, "28000", "no tenant identified in handshake response")
		conn.Close()
		return
	}
	if err := proxy.SendMySQLAuthOK(conn); err != nil {
		conn.Close()
		return
	}

	rawFD, err := rawNonblockingFD(conn)
	if err != nil {
		log.Warn("mysql client fd extraction failed", "tenant", tenantID, "err", err)
		return
	}

	w.Post(func(w *reactor.Worker) {
		desc, err := w.NewDescriptor(rawFD, reactor.RoleClient, nil)
		if err != nil {
			log.Warn("mysql client descriptor registration failed", "tenant", tenantID, "err", err)
			syscall.Close(rawFD)
			return
		}
		sess := session.New(atomic.AddInt64(&nextSessionID, 1), w.ID(), desc, cfg.Runtime.MultiplexTimeout)
		if err := policy.BindTenant(sess, tenantID); err != nil {
			w.CloseDescriptor(desc, "tenant bind failed: "+err.Error(), sess)
			return
		}
		sess.CompleteAuth()
		desc.SetHandler(&dispatch.ClientHandler{D: d, Sess: sess})
		w.RegisterSession(sess)
	})
}

// rawNonblockingFD extracts a fresh, independently-owned non-blocking fd
// from conn, mirroring internal/dial's nonblockingFD for backend
// connections — here applied to an already-accepted client connection.
// Only a plain *net.TCPConn can be unwrapped this way: a TLS-upgraded
// client connection has no raw fd the reactor can poll directly, so
// tls-enabled listeners are outside the epoll fast path until the
// session layer grows a userspace-buffered TLS record reader.
func rawNonblockingFD(conn net.Conn) (int, error) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return 0, net.ErrClosed
	}
	file, err := tc.File()
	if err != nil {
		return 0, err
	}
	defer file.Close()
	defer conn.Close()

	newFD, err := syscall.Dup(int(file.Fd()))
	if err != nil {
		return 0, err
	}
	if err := syscall.SetNonblock(newFD, true); err != nil {
		syscall.Close(newFD)
		return 0, err
	}
	return newFD, nil
}
