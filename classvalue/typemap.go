package classvalue

import (
	"reflect"
	"sync"
	"sync/atomic"
)

// typeMap holds the entries of every Value for one type.
// entries is the authority. cache is a lossy copy of live entries for lock-free reads.
type typeMap struct {
	typ reflect.Type

	mu        sync.Mutex
	entries   map[*identity]*entry
	cache     atomic.Pointer[cacheTable]
	load      int
	loadLimit int
}

// typeMaps maps reflect.Type to *typeMap.
var typeMaps sync.Map

func mapFor(t reflect.Type) *typeMap {
	if m, ok := typeMaps.Load(t); ok {
		return m.(*typeMap)
	}
	m := &typeMap{typ: t, entries: map[*identity]*entry{}}
	m.cache.Store(m.sizeCache(initialSlots))
	actual, _ := typeMaps.LoadOrStore(t, m)
	return actual.(*typeMap)
}

// startEntry returns the current entry of id, a pending promise to wait on, or a new promise.
// owner reports whether the caller created the promise and must compute and finish it.
func (m *typeMap) startEntry(id *identity) (e *entry, owner bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen := id.gen.Load()
	e = m.entries[id]
	switch {
	case e == nil:
	case e.promise:
		// finishEntry brings a promise of an older generation up to date
		return e, false
	case e.gen != gen:
		// stale after a Remove or Put on another type; the value is still current for this one
		e = &entry{id: id, gen: gen, value: e.value}
		m.entries[id] = e
		m.checkCacheLoad()
		m.addToCache(m.cache.Load(), e)
		return e, false
	default:
		return e, false
	}
	e = newPromise(id, gen)
	m.entries[id] = e
	return e, true
}

// finishEntry completes promise p with e, or abandons it when e is p.
// It returns the installed entry, or nil if the caller must start over because the promise was
// replaced in the meantime.
func (m *typeMap) finishEntry(id *identity, p, e *entry) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer close(p.ready)

	cur := m.entries[id]
	if id.released.Load() {
		if cur == p {
			delete(m.entries, id)
		}
		return nil
	}
	if e == p {
		if cur == p {
			delete(m.entries, id)
		}
		return nil
	}
	if cur == nil || !cur.promise || cur.gen != p.gen {
		return nil
	}
	// a Remove or Put on another type may have moved the generation on; the value is still current
	e.gen = id.gen.Load()
	m.entries[id] = e
	m.checkCacheLoad()
	m.addToCache(m.cache.Load(), e)
	return e
}

// removeEntry invalidates the entry of id. A pending computation is left alone.
func (m *typeMap) removeEntry(id *identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[id]
	if e == nil || e.promise {
		return
	}
	delete(m.entries, id)
	id.gen.Add(1)
	m.removeStaleEntries(m.cache.Load(), id.hash, probeLimit)
}

// changeEntry stores value for id, replacing any entry or promise.
func (m *typeMap) changeEntry(id *identity, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[id] != nil {
		id.gen.Add(1)
		m.removeStaleEntries(m.cache.Load(), id.hash, probeLimit)
	}
	e := &entry{id: id, gen: id.gen.Load(), value: value}
	m.entries[id] = e
	m.checkCacheLoad()
	m.addToCache(m.cache.Load(), e)
}

// purge drops every entry of a released identity.
func (m *typeMap) purge(id *identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return
	}
	delete(m.entries, id)
	m.removeStaleEntries(m.cache.Load(), id.hash, probeLimit)
}

func (m *typeMap) sizeCache(n int) *cacheTable {
	c := newCacheTable(n)
	m.load = 0
	m.loadLimit = n * cacheLoadLimit / 100
	return c
}

func (m *typeMap) checkCacheLoad() {
	if m.load >= m.loadLimit {
		m.reduceCacheLoad()
	}
}

// reduceCacheLoad sweeps the whole cache and doubles it if that did not free enough slots.
func (m *typeMap) reduceCacheLoad() {
	old := m.cache.Load()
	m.removeStaleEntries(old, 0, old.len()+probeLimit-1)
	if m.load < m.loadLimit || old.len() > hashMask {
		return
	}
	c := m.sizeCache(old.len() * 2)
	for i := range old.slots {
		if e := old.slots[i].Load(); e != nil && e.isLive() {
			m.addToCache(c, e)
		}
	}
	m.cache.Store(c)
	log.Debugw("resized cache", "Type", m.typ, "Slots", c.len(), "Load", m.load)
}

// removeStaleEntries clears the slots begin through begin+count-1 of entries that are not live,
// pulling a later entry of the same probe run into the freed slot where possible.
func (m *typeMap) removeStaleEntries(c *cacheTable, begin, count int) {
	removed := 0
	for i := begin; i < begin+count; i++ {
		e := c.load(i)
		if e == nil || e.isLive() {
			continue
		}
		replacement := m.findReplacement(c, i)
		c.store(i, replacement)
		if replacement == nil {
			removed++
		}
	}
	m.load -= removed
	if m.load < 0 {
		m.load = 0
	}
}

// findReplacement looks in the run after home1 for a live entry that may move to home1.
// An entry whose home is home1 is preferred over one whose home is earlier.
func (m *typeMap) findReplacement(c *cacheTable, home1 int) *entry {
	var replacement *entry
	have, pos := -1, 0
	for i2 := home1 + 1; i2 < home1+probeLimit; i2++ {
		e2 := c.load(i2)
		if e2 == nil {
			break
		}
		if !e2.isLive() {
			continue
		}
		dis2 := c.dislocation(i2, e2)
		if dis2 == 0 {
			continue
		}
		home2 := i2 - dis2
		if home2 > home1 {
			continue
		}
		if home2 == home1 {
			have, pos, replacement = 1, i2, e2
		} else if have <= 0 {
			have, pos, replacement = 0, i2, e2
		}
	}
	if have >= 0 {
		if c.load(pos+1) != nil {
			c.store(pos, deadEntry)
		} else {
			c.store(pos, nil)
			m.load--
		}
	}
	return replacement
}

// addToCache places e at its home slot. A live occupant it displaces is placed gently in the
// first free slot within its own probe range, and dropped if there is none.
func (m *typeMap) addToCache(c *cacheTable, e *entry) {
	home := e.id.hash & c.mask
	e2 := m.placeInCache(c, home, e, false)
	if e2 == nil {
		return
	}
	home2 := home - c.dislocation(home, e2)
	for i2 := home2; i2 < home2+probeLimit; i2++ {
		if m.placeInCache(c, i2, e2, true) == nil {
			return
		}
	}
}

// placeInCache stores e at pos and returns the live entry it displaced, if any.
// When gently is set and pos holds a live entry, nothing is stored and e is returned.
func (m *typeMap) placeInCache(c *cacheTable, pos int, e *entry, gently bool) *entry {
	e2 := m.overwrittenEntry(c.load(pos))
	if gently && e2 != nil {
		return e
	}
	c.store(pos, e)
	return e2
}

// overwrittenEntry returns prev if it is live. Taking an empty slot counts towards the load.
func (m *typeMap) overwrittenEntry(prev *entry) *entry {
	if prev == nil {
		m.load++
		return nil
	}
	if prev.isLive() {
		return prev
	}
	return nil
}
