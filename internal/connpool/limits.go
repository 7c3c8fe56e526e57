package connpool

import "sync"

// Limits holds the cross-worker, per-target admission counters: capacity,
// current connections, intents and the down flag. One mutex guards all of
// them; no atomics or per-worker locks are used. One Limits is shared by
// every worker's Pool for the same target set.
type Limits struct {
	mu       sync.Mutex
	capacity map[TargetID]int
	current  map[TargetID]int64
	intent   map[TargetID]int64
	down     map[TargetID]bool
}

// NewLimits creates an empty Limits; targets are registered lazily on
// first use via SetCapacity.
func NewLimits() *Limits {
	return &Limits{
		capacity: make(map[TargetID]int),
		current:  make(map[TargetID]int64),
		intent:   make(map[TargetID]int64),
		down:     make(map[TargetID]bool),
	}
}

// SetCapacity sets (or updates, on live reconfiguration) a target's total
// connection cap across all workers.
func (l *Limits) SetCapacity(t TargetID, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.capacity[t] = n
}

// Capacity returns a target's configured cap (0 if never set).
func (l *Limits) Capacity(t TargetID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capacity[t]
}

// SetDown marks a target as monitored-down; connpool expires its idle
// entries and Acquire refuses new connections to it.
func (l *Limits) SetDown(t TargetID, down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down[t] = down
}

// IsDown reports whether the health monitor has marked t unreachable.
func (l *Limits) IsDown(t TargetID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.down[t]
}

// tryAdmit atomically increments intent, checks current+intent against
// capacity, and returns whether the caller may proceed to dial/acquire. On
// false, intent has already been rolled back.
func (l *Limits) tryAdmit(t TargetID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	capN := l.capacity[t]
	if capN <= 0 {
		return true // no configured cap: unlimited
	}
	l.intent[t]++
	if l.current[t]+l.intent[t] > int64(capN) {
		l.intent[t]--
		return false
	}
	return true
}

// settleIntent decrements the intent counter. See DESIGN.md "intent
// accounting on retry" for when callers should call this relative to a
// bounded reconnect attempt.
func (l *Limits) settleIntent(t TargetID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.intent[t] > 0 {
		l.intent[t]--
	}
}

func (l *Limits) connected(t TargetID, delta int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current[t] += delta
}

// Admit is the exported, non-retrying form of tryAdmit: it reports whether
// the caller may open or reuse a connection to t without leaving an
// uncommitted intent behind on failure. Unlike the reactor pool's Acquire
// (which holds an intent open across its dial and one retry, and holds
// none while a waiter is queued), callers that already hold their own
// connection slot for the duration of the call — the admin-plane
// TenantPool among them — settle the intent immediately rather than
// carrying it across goroutines.
func (l *Limits) Admit(t TargetID) bool {
	if !l.tryAdmit(t) {
		return false
	}
	l.settleIntent(t)
	l.connected(t, 1)
	return true
}

// Release gives back one admitted connection slot for t. Pairs with a
// prior successful Admit.
func (l *Limits) Release(t TargetID) {
	l.connected(t, -1)
}

// Snapshot returns a point-in-time view of a target's counters, used by
// the admin API and the coordinator's serial broadcast aggregation.
func (l *Limits) Snapshot(t TargetID) (capacity int, current, intent int64, down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capacity[t], l.current[t], l.intent[t], l.down[t]
}
