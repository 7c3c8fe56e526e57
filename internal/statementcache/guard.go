package statementcache

// Guard ties one lookup to one conditional insertion, the way spec.md 4.3
// describes: constructed for a statement, it performs the lookup up
// front; if the statement turns out to need parsing, the caller records
// the result with Produce, and End (deferred) inserts it unless the
// statement is in an exclusion class (e.g. autocommit toggles) or the
// lookup was already a hit.
type Guard struct {
	c        *Cache
	key      Fingerprint
	value    any
	size     int
	hit      bool
	produced bool
	excluded bool
}

// Begin starts a cache transaction for key. excluded marks statements that
// must never be cached even if newly parsed (the autocommit-toggle class
// spec.md calls out).
func (c *Cache) Begin(key Fingerprint, excluded bool) *Guard {
	g := &Guard{c: c, key: key, excluded: excluded}
	if v, ok := c.Lookup(key); ok {
		g.value = v
		g.hit = true
	}
	return g
}

// Hit returns the cached value and true if the initial lookup succeeded.
func (g *Guard) Hit() (any, bool) { return g.value, g.hit }

// Produce records a freshly parsed result so End can insert it. Callers
// only call this after Hit reported false.
func (g *Guard) Produce(value any, size int) {
	g.value = value
	g.size = size
	g.produced = true
}

// Value returns whichever result the guard is currently holding — the
// cache hit, or a produced parse result — for the caller to attach to the
// statement regardless of which path was taken.
func (g *Guard) Value() any { return g.value }

// End inserts the produced result, unless it was already a cache hit or
// the statement is excluded from caching. Call via defer right after
// Begin.
func (g *Guard) End() {
	if g.hit || !g.produced || g.excluded {
		return
	}
	g.c.Insert(g.key, g.value, g.size)
}
