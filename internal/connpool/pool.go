package connpool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dbbouncer/dbbouncer/internal/reactor"
)

// Dialer opens a brand-new backend connection to target. It is supplied by
// the protocol module (the wire codec knows how to speak the backend
// handshake); connpool only knows how to hold the result.
type Dialer func(ctx context.Context, target TargetID) (*Conn, error)

// Stats mirrors spec.md 3's per-target Connection Pool counters.
type Stats struct {
	CurrentSize, PeakSize int
	TimesFound, TimesEmpty int64
	Waiting               int
}

// group is the per-target idle set plus its waiter FIFO and stats
// (spec.md 3 "Connection Pool").
type group struct {
	target      TargetID
	idle        []*Conn
	waiters     waiterQueue
	stats       Stats
	persistMaxAge time.Duration
}

// Pool is the per-worker connection pool over every target that worker's
// sessions have talked to. It is touched only by its owning worker's
// goroutine; Limits is the one piece shared across workers.
type Pool struct {
	workerID int
	limits   *Limits
	groups   map[TargetID]*group
	dial     Dialer
	log      *slog.Logger

	idleMaxAge       time.Duration
	multiplexTimeout time.Duration
	capacityPerGroup int // per-worker share of the target cap, for local bookkeeping only

	onExhausted func(target TargetID)
}

// New creates a Pool bound to one worker. The connection cap is not a
// parameter: it lives in limits, which is shared by every worker's Pool and
// counts a target's connections across all workers.
func New(workerID int, limits *Limits, dial Dialer, idleMaxAge, multiplexTimeout time.Duration, log *slog.Logger) *Pool {
	return &Pool{
		workerID:         workerID,
		limits:           limits,
		groups:           make(map[TargetID]*group),
		dial:             dial,
		idleMaxAge:       idleMaxAge,
		multiplexTimeout: multiplexTimeout,
		log:              log,
	}
}

// OnExhausted registers a callback fired whenever Acquire has to queue a
// waiter because the target's connection cap is reached.
func (p *Pool) OnExhausted(fn func(target TargetID)) { p.onExhausted = fn }

func (p *Pool) groupFor(target TargetID) *group {
	g, ok := p.groups[target]
	if !ok {
		g = &group{target: target, persistMaxAge: p.idleMaxAge}
		p.groups[target] = g
	}
	return g
}

// AcquireResult is what Acquire hands back: either a ready connection, or
// an indication the caller's endpoint has been queued and will be notified
// asynchronously via Endpoint.Notify.
type AcquireResult struct {
	Conn    *Conn
	Score   int
	Queued  bool
}

// Acquire implements spec.md 4.4's Acquire: scan idle entries for the best
// score; if none serve, try to dial under the target's cap; if the cap is
// reached, enqueue ep and return Queued=true — ep.Notify fires later from
// Release's activateWaitingEndpoints pass.
func (p *Pool) Acquire(ctx context.Context, target TargetID, scorer ReuseScorer, ep Endpoint) (AcquireResult, error) {
	g := p.groupFor(target)

	if best, idx, score := p.scanBest(g, scorer); best != nil {
		g.idle = append(g.idle[:idx], g.idle[idx+1:]...)
		g.stats.TimesFound++
		best.touch()
		return AcquireResult{Conn: best, Score: score}, nil
	}
	g.stats.TimesEmpty++

	if p.limits.IsDown(target) {
		return AcquireResult{}, reactor.Classify(reactor.ErrBackendPermanent, fmt.Errorf("target %s is down", target))
	}

	if !p.limits.tryAdmit(target) {
		if !g.waiters.enqueue(ep) {
			return AcquireResult{}, reactor.Classify(reactor.ErrResourceExhausted, fmt.Errorf("session already waiting on target %s", target))
		}
		g.stats.Waiting = g.waiters.len()
		if p.onExhausted != nil {
			p.onExhausted(target)
		}
		return AcquireResult{Queued: true}, nil
	}

	conn, err := p.dialWithRetry(ctx, target)
	if err != nil {
		p.limits.settleIntent(target)
		return AcquireResult{}, reactor.Classify(reactor.ErrBackendTransient, err)
	}
	p.limits.connected(target, 1)
	p.limits.settleIntent(target)
	if g.stats.CurrentSize+1 > g.stats.PeakSize {
		g.stats.PeakSize = g.stats.CurrentSize + 1
	}
	return AcquireResult{Conn: conn, Score: ScoreOptimal}, nil
}

// dialWithRetry resolves the Open Question in SPEC_FULL.md 4.4: intent
// stays held across one bounded retry, so a flapping target's retries
// still count against the cap rather than letting a racing worker sneak
// an extra connection in during the retry window.
func (p *Pool) dialWithRetry(ctx context.Context, target TargetID) (*Conn, error) {
	conn, err := p.dial(ctx, target)
	if err == nil {
		return conn, nil
	}
	if p.log != nil {
		p.log.Debug("connpool: dial failed, retrying once", "target", target, "err", err)
	}
	return p.dial(ctx, target)
}

func (p *Pool) scanBest(g *group, scorer ReuseScorer) (*Conn, int, int) {
	bestIdx := -1
	bestScore := ScoreNotPossible
	var best *Conn
	for i, c := range g.idle {
		s := scorer.Score(c.state)
		if s == ScoreNotPossible {
			continue
		}
		if s > bestScore {
			best, bestIdx, bestScore = c, i, s
			if s >= ScoreOptimal {
				break
			}
		}
	}
	if best == nil {
		return nil, -1, 0
	}
	return best, bestIdx, bestScore
}

// Release implements spec.md 4.4's Release: a connection that is healthy,
// not mid-transaction, poolable, and whose target is up goes back to the
// idle set (with its descriptor's handler switched to a pool stub);
// otherwise it is closed. Either way, activateWaitingEndpoints runs
// afterward.
func (p *Pool) Release(c *Conn) {
	g := p.groupFor(c.Target)

	capN := p.limits.Capacity(c.Target)
	atCapacity := capN > 0 && g.stats.CurrentSize >= capN

	if !c.Releasable() || p.limits.IsDown(c.Target) || atCapacity {
		c.Close("not releasable")
		p.limits.connected(c.Target, -1)
		p.activateWaitingEndpoints(g)
		return
	}

	if c.Descriptor != nil {
		c.Descriptor.SetHandler(reactor.PoolStubHandler{Evict: func(d *reactor.Descriptor) {
			p.evictByDescriptor(g, d)
		}})
	}
	g.idle = append(g.idle, c)
	g.stats.CurrentSize = len(g.idle)
	if g.stats.CurrentSize > g.stats.PeakSize {
		g.stats.PeakSize = g.stats.CurrentSize
	}
	p.activateWaitingEndpoints(g)
}

func (p *Pool) evictByDescriptor(g *group, d *reactor.Descriptor) {
	for i, c := range g.idle {
		if c.Descriptor == d {
			g.idle = append(g.idle[:i], g.idle[i+1:]...)
			c.Close("pool-stub traffic")
			p.limits.connected(g.target, -1)
			g.stats.CurrentSize = len(g.idle)
			return
		}
	}
}

// activateWaitingEndpoints walks a target's FIFO in order and hands the
// oldest idle connection to each waiter, notifying it with WaitSuccess,
// until the FIFO or the idle set is empty. It does not dial a new
// connection for a waiter and never fails one; waiters past
// multiplex_timeout are failed by ExpireTick.
func (p *Pool) activateWaitingEndpoints(g *group) {
	for g.waiters.len() > 0 {
		ep := g.waiters.items[0]

		if len(g.idle) == 0 {
			break // nothing to hand out; stop, a future Release will retry
		}
		// A neutral scorer here always accepts the oldest idle entry —
		// waiters already agreed to wait for "a" connection, not a
		// specifically-scored one.
		c := g.idle[0]
		g.idle = g.idle[1:]
		g.stats.CurrentSize = len(g.idle)
		g.stats.TimesFound++
		c.touch()
		g.waiters.items = g.waiters.items[1:]
		g.stats.Waiting = g.waiters.len()
		ep.Notify(WaitSuccess, c, nil)
	}
}

// ExpireTick implements reactor.Expirable: the once-per-second sweep that
// removes idle entries older than persist-max-age, entries on down
// targets, entries in excess of a reduced capacity, and waiters that have
// exceeded multiplex_timeout.
func (p *Pool) ExpireTick(now time.Time) {
	for _, g := range p.groups {
		p.expireGroup(g, now)
		p.expireWaiters(g, now)
	}
}

func (p *Pool) expireGroup(g *group, now time.Time) {
	down := p.limits.IsDown(g.target)
	capN := p.limits.Capacity(g.target)

	kept := g.idle[:0]
	for _, c := range g.idle {
		excess := capN > 0 && len(kept) >= capN
		tooOld := g.persistMaxAge > 0 && c.Age() > g.persistMaxAge
		if down || tooOld || excess {
			c.Close("expired")
			p.limits.connected(g.target, -1)
			continue
		}
		kept = append(kept, c)
	}
	g.idle = kept
	g.stats.CurrentSize = len(g.idle)
}

func (p *Pool) expireWaiters(g *group, now time.Time) {
	if p.multiplexTimeout <= 0 {
		return
	}
	kept := g.waiters.items[:0]
	for _, ep := range g.waiters.items {
		if now.Sub(ep.Enqueued) > p.multiplexTimeout {
			ep.Notify(WaitFail, nil, reactor.Classify(reactor.ErrResourceExhausted, fmt.Errorf("multiplex timeout waiting for target %s", g.target)))
			continue
		}
		kept = append(kept, ep)
	}
	g.waiters.items = kept
	g.stats.Waiting = len(kept)
}

// Stats returns a snapshot of one target's pool statistics.
func (p *Pool) Stats(target TargetID) Stats {
	g, ok := p.groups[target]
	if !ok {
		return Stats{}
	}
	return g.stats
}

// Reconfigure updates the per-worker idle-max-age/multiplex-timeout
// knobs, e.g. on config hot reload.
func (p *Pool) Reconfigure(idleMaxAge, multiplexTimeout time.Duration) {
	p.idleMaxAge = idleMaxAge
	p.multiplexTimeout = multiplexTimeout
	for _, g := range p.groups {
		g.persistMaxAge = idleMaxAge
	}
}
