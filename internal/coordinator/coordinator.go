package coordinator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dbbouncer/dbbouncer/internal/reactor"
)

// Config bundles the coordinator's runtime-tunable knobs, the C7-facing
// subset of config.RuntimeConfig.
type Config struct {
	RebalanceThreshold float64
	RebalanceWindow    time.Duration
	MovesPerRebalance  int
}

// Coordinator owns the cross-worker plane: periodic load sampling,
// rebalance-triggered session migration, and shutdown orchestration. It
// never touches a worker's per-turn state directly — every interaction
// goes through Post/DCall broadcasts, matching spec.md 5's "no locks
// needed for per-worker state" discipline.
type Coordinator struct {
	workers []*reactor.Worker
	cfg     Config
	sampler *LoadSampler
	log     *slog.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once

	declinedMoves   int64
	rebalanceEvents int64
}

// New creates a Coordinator over workers.
func New(workers []*reactor.Worker, cfg Config, log *slog.Logger) *Coordinator {
	if cfg.MovesPerRebalance <= 0 {
		cfg.MovesPerRebalance = 1
	}
	c := &Coordinator{
		workers: workers,
		cfg:     cfg,
		log:     log,
		stopCh:  make(chan struct{}),
	}
	c.sampler = NewLoadSampler(workers, cfg.RebalanceThreshold, 60)
	c.sampler.OnRebalance(c.onRebalance)
	return c
}

// Run blocks, sampling load every RebalanceWindow until Stop is called.
// Intended to run in its own goroutine.
func (c *Coordinator) Run() {
	ticker := time.NewTicker(c.cfg.RebalanceWindow)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case now := <-ticker.C:
			c.sampler.Sample(now)
		}
	}
}

// Stop ends the Run loop. Safe to call multiple times.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Coordinator) onRebalance(busiest, quietest int, diff float64) {
	if busiest == quietest || busiest >= len(c.workers) || quietest >= len(c.workers) {
		return
	}
	c.mu.Lock()
	c.rebalanceEvents++
	c.mu.Unlock()

	from, to := c.workers[busiest], c.workers[quietest]
	from.Post(func(w *reactor.Worker) {
		candidates := PickMovableSessions(w, c.cfg.MovesPerRebalance)
		if c.log != nil {
			c.log.Info("coordinator: rebalancing", "busiest", busiest, "quietest", quietest, "diff", diff, "moving", len(candidates))
		}
		for _, s := range candidates {
			MigrateSession(from, to, s.SessionID(), func(reason string) {
				c.mu.Lock()
				c.declinedMoves++
				c.mu.Unlock()
				if c.log != nil {
					c.log.Debug("coordinator: move declined", "session", s.SessionID(), "reason", reason)
				}
			})
		}
	})
}

// Shutdown starts the graceful-shutdown broadcast across every worker
// (spec.md 4.7) and calls onAllFinished once every worker reports
// Finished(). closeIdlePoolEntries is invoked once per worker per tick so
// the caller can drain that worker's connpool.Pool without coordinator
// importing connpool.
func (c *Coordinator) Shutdown(closeIdlePoolEntries func(w *reactor.Worker), onAllFinished func()) {
	StartShutdown(c.workers, closeIdlePoolEntries, onAllFinished)
}

// Stats returns the coordinator's own counters (rebalance events
// triggered, moves declined) for the admin/introspection surface.
func (c *Coordinator) Stats() (rebalanceEvents, declinedMoves int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebalanceEvents, c.declinedMoves
}

// History exposes the load sampler's ring buffer for introspection.
func (c *Coordinator) History() []LoadSample { return c.sampler.History() }
