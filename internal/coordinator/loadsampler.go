package coordinator

import (
	"time"

	"github.com/dbbouncer/dbbouncer/internal/reactor"
	"github.com/dbbouncer/dbbouncer/internal/session"
)

// LoadSample is one periodic reading of every worker's 1s load gauge, as
// appended to LoadSampler's ring buffer.
type LoadSample struct {
	At      time.Time
	PerWorker []float64
}

// LoadSampler holds the periodic load check: each Sample call reads every
// worker's load gauge, appends to a bounded ring buffer, and triggers a
// rebalance when the spread exceeds the threshold. It has no timer of its
// own; Coordinator.Run calls Sample from its own goroutine.
type LoadSampler struct {
	workers   []*reactor.Worker
	threshold float64
	window    int
	ring      []LoadSample
	onRebalance func(busiest, quietest int, diff float64)
}

// NewLoadSampler creates a sampler over workers. threshold is the
// max-minus-min busy-fraction gap that triggers a rebalance; window bounds
// the ring buffer length.
func NewLoadSampler(workers []*reactor.Worker, threshold float64, window int) *LoadSampler {
	if window <= 0 {
		window = 60
	}
	return &LoadSampler{workers: workers, threshold: threshold, window: window}
}

// OnRebalance registers the callback fired when a sample's spread exceeds
// the threshold, with the indices of the busiest and quietest worker.
func (s *LoadSampler) OnRebalance(fn func(busiest, quietest int, diff float64)) { s.onRebalance = fn }

// Sample reads every worker's 1s load gauge once, appends it to the ring
// buffer, and fires OnRebalance if the spread exceeds the threshold.
func (s *LoadSampler) Sample(now time.Time) LoadSample {
	vals := make([]float64, len(s.workers))
	busiest, quietest := 0, 0
	for i, w := range s.workers {
		vals[i] = w.Load().Load1s()
		if vals[i] > vals[busiest] {
			busiest = i
		}
		if vals[i] < vals[quietest] {
			quietest = i
		}
	}
	sample := LoadSample{At: now, PerWorker: vals}
	s.ring = append(s.ring, sample)
	if len(s.ring) > s.window {
		s.ring = s.ring[len(s.ring)-s.window:]
	}

	if len(vals) >= 2 {
		diff := vals[busiest] - vals[quietest]
		if diff > s.threshold && s.onRebalance != nil {
			s.onRebalance(busiest, quietest, diff)
		}
	}
	return sample
}

// History returns the current ring buffer of samples, oldest first.
func (s *LoadSampler) History() []LoadSample { return s.ring }

// PickMovableSessions selects up to n of worker w's movable sessions, for
// the busiest worker to hand off during a rebalance. Session activity is
// not considered: the first n movable sessions in the registry's map
// iteration order are taken.
func PickMovableSessions(w *reactor.Worker, n int) []*session.Session {
	var out []*session.Session
	for _, sl := range w.Sessions() {
		s, ok := sl.(*session.Session)
		if !ok || !s.Movable() {
			continue
		}
		out = append(out, s)
		if len(out) >= n {
			break
		}
	}
	return out
}
