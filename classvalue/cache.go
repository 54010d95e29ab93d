package classvalue

import "sync/atomic"

const (
	initialSlots = 32
	// probeLimit is the number of slots, starting at the home slot, in which an entry may be cached.
	probeLimit = 6
	// cacheLoadLimit is the percentage of occupied slots that triggers a sweep or resize.
	cacheLoadLimit = 67
)

// cacheTable is an open-addressed table of entries with a power-of-two number of slots.
// Readers load slots without locking. Writers hold the owning typeMap's lock, except for the
// relocation done by probeBackup, which only moves entries that are already in the table.
type cacheTable struct {
	slots []atomic.Pointer[entry]
	mask  int
}

func newCacheTable(n int) *cacheTable {
	return &cacheTable{slots: make([]atomic.Pointer[entry], n), mask: n - 1}
}

func (c *cacheTable) len() int { return len(c.slots) }

func (c *cacheTable) load(i int) *entry { return c.slots[i&c.mask].Load() }

func (c *cacheTable) store(i int, e *entry) { c.slots[i&c.mask].Store(e) }

// probeHome returns the entry of id at its home slot, if it is there and current.
func (c *cacheTable) probeHome(id *identity) *entry {
	if e := c.load(id.hash); e.matches(id) {
		return e
	}
	return nil
}

// probeBackup looks for id in the run of occupied slots after its home slot.
// When found, the entry moves to its home slot and the displaced occupant moves to the first
// unusable slot in the run, or is dropped if that would put it too far from its own home.
func (c *cacheTable) probeBackup(id *identity) *entry {
	home := id.hash & c.mask
	victim := c.load(home)
	if victim == nil {
		return nil
	}
	free := -1
	for i := home + 1; i < home+probeLimit; i++ {
		e := c.load(i)
		if e == nil {
			break
		}
		if e.matches(id) {
			c.store(home, e)
			if free >= 0 {
				c.store(i, deadEntry)
			} else {
				free = i
			}
			if c.dislocation(free, victim) < probeLimit {
				c.store(free, victim)
			} else {
				c.store(free, deadEntry)
			}
			return e
		}
		if free < 0 && !e.isLive() {
			free = i
		}
	}
	return nil
}

// dislocation is how far slot pos is from the home slot of e. Dead entries have no home.
func (c *cacheTable) dislocation(pos int, e *entry) int {
	if e.state() == stateDead {
		return 0
	}
	return (pos - e.id.hash) & c.mask
}
