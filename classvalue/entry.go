package classvalue

import (
	"sync/atomic"
)

// identity is the key of a Value in every type map.
type identity struct {
	// hash is the home position of the Value's entries in a cache table, before masking.
	hash int
	gen  atomic.Uint64
	// released is set once, when the Value is released; entries of a released identity are dead.
	released atomic.Bool
}

const (
	// golden-ratio increment, spreads consecutive identities across the table
	hashIncrement = 0x61c88647
	hashMask      = 1<<30 - 1
)

var nextHash atomic.Uint32

func newIdentity() *identity {
	h := nextHash.Add(hashIncrement) - hashIncrement
	return &identity{hash: int(h & hashMask)}
}

type entryState int

const (
	statePromise entryState = iota
	stateDead
	stateStale
	stateLive
)

func (s entryState) String() string {
	switch s {
	case statePromise:
		return "promise"
	case stateDead:
		return "dead"
	case stateStale:
		return "stale"
	case stateLive:
		return "live"
	}
	return "unknown"
}

// entry is the value of one identity for one type, as of generation gen.
// A promise entry holds no value yet; ready is closed when its computation finishes.
type entry struct {
	id    *identity
	gen   uint64
	value any

	promise bool
	ready   chan struct{}
}

// deadEntry fills cache slots that must stay occupied so that probe runs are not cut short.
var deadEntry = &entry{}

func newPromise(id *identity, gen uint64) *entry {
	return &entry{id: id, gen: gen, promise: true, ready: make(chan struct{})}
}

func (e *entry) state() entryState {
	switch {
	case e.id == nil || e.id.released.Load():
		return stateDead
	case e.promise:
		return statePromise
	case e.gen != e.id.gen.Load():
		return stateStale
	}
	return stateLive
}

func (e *entry) isLive() bool { return e.state() == stateLive }

// matches reports whether e is a usable entry of id. A false result only costs a slower lookup.
func (e *entry) matches(id *identity) bool {
	return e != nil && e.id == id && !e.promise && e.gen == id.gen.Load()
}
