// Package statementcache implements the per-worker parsed-statement cache
// (C3): a bounded, random-eviction table mapping a canonical SQL
// fingerprint to a shareable, immutable parse result.
//
// A Cache is never shared across workers — spec.md is explicit that this
// is what lets "cache at most once per fingerprint" hold without mutual
// exclusion. Callers construct one Cache per reactor.Worker.
package statementcache

import (
	"hash/maphash"
	"math/rand"
	"time"
)

// Fingerprint is the cache key: canonical statement text plus the version
// tag (dialect mode + parser options) it was parsed under. A lookup whose
// stored entry carries a different version tag is treated as an eviction,
// never a hit.
type Fingerprint struct {
	Text    string
	Dialect uint8
	Options uint32
}

// entryOverhead approximates the fixed bookkeeping cost of one cache slot
// (key copy, bucket-chain node) so small parse results still account for
// something against the budget.
const entryOverhead = 64

type entry struct {
	key   Fingerprint
	value any
	size  int
}

// Stats mirrors the counters spec.md 3 requires: size, inserts, hits,
// misses, evictions.
type Stats struct {
	Size      int
	Bytes     int
	Inserts   int64
	Hits      int64
	Misses    int64
	Evictions int64
}

// Cache is a bucketed hash table sized so eviction can pick a uniformly
// random bucket and drop its first entry in O(1), with no touch-on-read
// bookkeeping (spec.md 4.3's "random-bucket" policy).
type Cache struct {
	buckets [][]entry
	seed    maphash.Seed
	rng     *rand.Rand

	budgetBytes int
	singleCap   int // protocol-imposed absolute ceiling on one entry
	usedBytes   int

	stats Stats
}

// safetyFactor accounts for allocator fragmentation and unaccounted bytes
// inside parse-result objects when dividing a global budget by worker
// count (spec.md 4.3 "Sizing").
const safetyFactor = 0.65

// PerWorkerBudget divides a global cache budget evenly across workerCount
// workers and applies the safety factor. Returns 0 (cache disabled) if
// globalBytes is 0, matching "cache_max_bytes=0 disables cache".
func PerWorkerBudget(globalBytes int, workerCount int) int {
	if globalBytes <= 0 || workerCount <= 0 {
		return 0
	}
	return int(float64(globalBytes/workerCount) * safetyFactor)
}

// New creates a Cache with the given per-worker byte budget and bucket
// count. singleEntryCeiling rejects any one entry larger than it outright,
// independent of the overall budget.
func New(budgetBytes, bucketCount, singleEntryCeiling int) *Cache {
	if bucketCount < 1 {
		bucketCount = 1
	}
	return &Cache{
		buckets:     make([][]entry, bucketCount),
		seed:        maphash.MakeSeed(),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		budgetBytes: budgetBytes,
		singleCap:   singleEntryCeiling,
	}
}

// Disabled reports whether this cache has a zero budget, in which case
// every LookupOrInsert is a miss and nothing is ever retained.
func (c *Cache) Disabled() bool { return c.budgetBytes <= 0 }

func (c *Cache) bucketIndex(key Fingerprint) int {
	var h maphash.Hash
	h.SetSeed(c.seed)
	h.WriteString(key.Text)
	return int(h.Sum64() % uint64(len(c.buckets)))
}

// Lookup returns the cached value for key, or ok=false on a miss. A stored
// entry whose Dialect/Options differ from key's is dropped (counted as an
// eviction) and reported as a miss, never a stale hit.
func (c *Cache) Lookup(key Fingerprint) (any, bool) {
	if c.Disabled() {
		c.stats.Misses++
		return nil, false
	}
	idx := c.bucketIndex(key)
	bucket := c.buckets[idx]
	for i, e := range bucket {
		if e.key.Text != key.Text {
			continue
		}
		if e.key.Dialect != key.Dialect || e.key.Options != key.Options {
			c.removeAt(idx, i)
			c.stats.Evictions++
			c.stats.Misses++
			return nil, false
		}
		c.stats.Hits++
		return e.value, true
	}
	c.stats.Misses++
	return nil, false
}

// Insert stores value under key with the given byte size. It evicts random
// buckets until there is room; if eviction cannot free enough space, the
// insert is silently dropped — correctness is preserved, only cache
// effectiveness is reduced.
func (c *Cache) Insert(key Fingerprint, value any, size int) bool {
	if c.Disabled() {
		return false
	}
	cost := size + entryOverhead
	if cost > c.budgetBytes {
		return false
	}
	if c.singleCap > 0 && cost > c.singleCap {
		return false
	}

	attempts := 0
	for c.usedBytes+cost > c.budgetBytes {
		if !c.evictRandomBucket() {
			return false // nothing left to evict, budget still exceeded
		}
		attempts++
		if attempts > len(c.buckets)*4 {
			return false
		}
	}

	idx := c.bucketIndex(key)
	c.buckets[idx] = append(c.buckets[idx], entry{key: key, value: value, size: cost})
	c.usedBytes += cost
	c.stats.Inserts++
	c.stats.Size++
	c.stats.Bytes = c.usedBytes
	return true
}

func (c *Cache) evictRandomBucket() bool {
	n := len(c.buckets)
	for tries := 0; tries < n; tries++ {
		idx := c.rng.Intn(n)
		if len(c.buckets[idx]) > 0 {
			c.removeAt(idx, 0)
			c.stats.Evictions++
			return true
		}
	}
	return false
}

func (c *Cache) removeAt(bucket, i int) {
	e := c.buckets[bucket][i]
	c.buckets[bucket] = append(c.buckets[bucket][:i], c.buckets[bucket][i+1:]...)
	c.usedBytes -= e.size
	c.stats.Size--
	c.stats.Bytes = c.usedBytes
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats { return c.stats }

// Reconfigure applies a new budget (e.g. after a live capacity change),
// evicting immediately until usage fits — spec.md's normative "eviction
// until within budget" behavior for runtime capacity reduction (see
// DESIGN.md, "live shrink").
func (c *Cache) Reconfigure(budgetBytes int) {
	c.budgetBytes = budgetBytes
	for c.usedBytes > c.budgetBytes {
		if !c.evictRandomBucket() {
			break
		}
	}
}

// ExpireTick is a no-op for statementcache: eviction is purely
// capacity-driven on insert, there is no time-based expiry (implements
// reactor.Expirable for symmetry with connpool, and so a worker can attach
// both uniformly).
func (c *Cache) ExpireTick(_ time.Time) {}
