package database

// metaCache maps ids to the single shared metadata instance handed out for
// that id. complete is true only while the cache holds every row of its
// table (or group, for message caches), so a full scan may be served from
// memory.
type metaCache[K comparable, M any] struct {
	entries  map[K]*M
	complete bool
	copyFn   func(dst, src *M)
}

func newMetaCache[K comparable, M any](copyFn func(dst, src *M)) *metaCache[K, M] {
	return &metaCache[K, M]{
		entries: make(map[K]*M),
		copyFn:  copyFn,
	}
}

func (c *metaCache[K, M]) get(id K) (*M, bool) {
	m, ok := c.entries[id]
	return m, ok
}

// put stores fresh values for id. An existing instance is updated in place
// so that every holder observes the new values.
func (c *metaCache[K, M]) put(id K, fresh *M) *M {
	if cur, ok := c.entries[id]; ok {
		c.copyFn(cur, fresh)
		return cur
	}
	c.entries[id] = fresh
	return fresh
}

// adopt returns the cached instance for id if there is one, otherwise it
// caches and returns loaded.
func (c *metaCache[K, M]) adopt(id K, loaded *M) *M {
	if cur, ok := c.entries[id]; ok {
		return cur
	}
	c.entries[id] = loaded
	return loaded
}

// invalidate drops id and marks the cache incomplete in one step.
func (c *metaCache[K, M]) invalidate(id K) {
	delete(c.entries, id)
	c.complete = false
}

// remove drops id after its row was deleted. Completeness is unaffected.
func (c *metaCache[K, M]) remove(id K) {
	delete(c.entries, id)
}

func (c *metaCache[K, M]) clear() {
	c.entries = make(map[K]*M)
	c.complete = false
}

func (c *metaCache[K, M]) markComplete() {
	c.complete = true
}

func (c *metaCache[K, M]) isComplete() bool {
	return c.complete
}

func (c *metaCache[K, M]) len() int {
	return len(c.entries)
}

func (c *metaCache[K, M]) each(fn func(K, *M)) {
	for id, m := range c.entries {
		fn(id, m)
	}
}
