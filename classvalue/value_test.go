package classvalue

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type (
	typeA struct{}
	typeB struct{}
)

var (
	tString = reflect.TypeOf("")
	tInt    = reflect.TypeOf(0)
)

// counted returns a Value that boxes the type's name and counts its computations.
func counted() (*Value[*string], *atomic.Int32) {
	var calls atomic.Int32
	v := New(func(t reflect.Type) (*string, error) {
		calls.Add(1)
		s := t.String()
		return &s, nil
	})
	return v, &calls
}

func TestGetReturnsSameValue(t *testing.T) {
	v, calls := counted()
	defer v.Release()

	first, err := v.Get(tString)
	require.NoError(t, err)
	second, err := v.Get(tString)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, "string", *first)
	assert.EqualValues(t, 1, calls.Load())

	other, err := v.Get(tInt)
	require.NoError(t, err)
	assert.Equal(t, "int", *other)
	assert.EqualValues(t, 2, calls.Load())
}

func TestFor(t *testing.T) {
	v, _ := counted()
	defer v.Release()
	s, err := For[typeA](v)
	require.NoError(t, err)
	assert.Equal(t, "classvalue.typeA", *s)
}

func TestConcurrentFirstGetComputesOnce(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	v := New(func(t reflect.Type) (*int, error) {
		calls.Add(1)
		<-release
		n := 42
		return &n, nil
	})
	defer v.Release()

	const n = 16
	results := make([]*int, n)
	var started sync.WaitGroup
	started.Add(n)
	var group errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		group.Go(func() error {
			started.Done()
			r, err := v.Get(tString)
			results[i] = r
			return err
		})
	}
	started.Wait()
	close(release)
	require.NoError(t, group.Wait())

	assert.EqualValues(t, 1, calls.Load())
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
}

func TestRemoveRecomputes(t *testing.T) {
	v, calls := counted()
	defer v.Release()

	first, err := v.Get(tString)
	require.NoError(t, err)
	v.Remove(tString)
	second, err := v.Get(tString)
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, *first, *second)
	assert.EqualValues(t, 2, calls.Load())

	// removing an absent value changes nothing
	gen := v.id.gen.Load()
	v.Remove(tInt)
	assert.Equal(t, gen, v.id.gen.Load())
}

func TestRemoveKeepsOtherTypes(t *testing.T) {
	v, calls := counted()
	defer v.Release()

	_, err := v.Get(tString)
	require.NoError(t, err)
	before, err := v.Get(tInt)
	require.NoError(t, err)
	v.Remove(tString)

	after, err := v.Get(tInt)
	require.NoError(t, err)
	assert.Same(t, before, after)
	assert.EqualValues(t, 2, calls.Load())

	// the refreshed entry is current again and served from the cache
	m := mapFor(tInt)
	m.mu.Lock()
	e := m.entries[v.id]
	m.mu.Unlock()
	assert.Equal(t, stateLive, e.state())
	assert.Same(t, e, m.cache.Load().probeHome(v.id))
}

func TestPutKeepsOtherTypes(t *testing.T) {
	v, calls := counted()
	defer v.Release()

	before, err := v.Get(tInt)
	require.NoError(t, err)
	x, y := "x", "y"
	require.NoError(t, v.Put(tString, &x))
	require.NoError(t, v.Put(tString, &y))

	after, err := v.Get(tInt)
	require.NoError(t, err)
	assert.Same(t, before, after)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRemoveOnOtherTypeDuringComputeKeepsResult(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	v := New(func(t reflect.Type) (*string, error) {
		s := t.String()
		if t == tInt && calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return &s, nil
	})
	defer v.Release()

	_, err := v.Get(tString)
	require.NoError(t, err)

	var group errgroup.Group
	results := make([]*string, 2)
	group.Go(func() error {
		var err error
		results[0], err = v.Get(tInt)
		return err
	})
	<-entered
	v.Remove(tString)
	group.Go(func() error {
		var err error
		results[1], err = v.Get(tInt)
		return err
	})
	close(release)
	require.NoError(t, group.Wait())

	assert.Same(t, results[0], results[1])
	assert.EqualValues(t, 1, calls.Load())
}

func TestRemoveDuringComputeIsNoop(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var v *Value[string]
	v = New(func(t reflect.Type) (string, error) {
		close(entered)
		<-release
		return "computed", nil
	})
	defer v.Release()

	var group errgroup.Group
	var got string
	group.Go(func() error {
		var err error
		got, err = v.Get(tString)
		return err
	})
	<-entered
	gen := v.id.gen.Load()
	v.Remove(tString)
	assert.Equal(t, gen, v.id.gen.Load())
	close(release)
	require.NoError(t, group.Wait())
	assert.Equal(t, "computed", got)
}

func TestErrorIsNotCached(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32
	v := New(func(t reflect.Type) (int, error) {
		if calls.Add(1) == 1 {
			return 0, boom
		}
		return 7, nil
	})
	defer v.Release()

	_, err := v.Get(tString)
	assert.ErrorIs(t, err, boom)
	got, err := v.Get(tString)
	require.NoError(t, err)
	assert.Equal(t, 7, got)
	assert.EqualValues(t, 2, calls.Load())
}

func TestErrorGoesOnlyToComputingCaller(t *testing.T) {
	boom := errors.New("boom")
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	v := New(func(t reflect.Type) (int, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
			return 0, boom
		}
		return 5, nil
	})
	defer v.Release()

	const n = 4
	errs := make([]error, n)
	vals := make([]int, n)
	var wg sync.WaitGroup
	get := func(i int) {
		defer wg.Done()
		vals[i], errs[i] = v.Get(tString)
	}
	wg.Add(n)
	go get(0)
	<-entered
	for i := 1; i < n; i++ {
		go get(i)
	}
	// give the others time to block on the pending promise; late arrivals compute the second value
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.ErrorIs(t, errs[0], boom)
	assert.Equal(t, 0, vals[0])
	for i := 1; i < n; i++ {
		assert.NoError(t, errs[i])
		assert.Equal(t, 5, vals[i])
	}
	assert.EqualValues(t, 2, calls.Load())
}

func TestPanicCleansUpPromise(t *testing.T) {
	var calls atomic.Int32
	v := New(func(t reflect.Type) (int, error) {
		if calls.Add(1) == 1 {
			panic("compute failed")
		}
		return 1, nil
	})
	defer v.Release()

	assert.PanicsWithValue(t, "compute failed", func() { _, _ = v.Get(tString) })
	got, err := v.Get(tString)
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestPut(t *testing.T) {
	v, calls := counted()
	defer v.Release()

	replaced := "replaced"
	require.NoError(t, v.Put(tString, &replaced))
	got, err := v.Get(tString)
	require.NoError(t, err)
	assert.Same(t, &replaced, got)
	assert.EqualValues(t, 0, calls.Load())

	gen := v.id.gen.Load()
	again := "again"
	require.NoError(t, v.Put(tString, &again))
	assert.Equal(t, gen+1, v.id.gen.Load())
	got, err = v.Get(tString)
	require.NoError(t, err)
	assert.Same(t, &again, got)
}

func TestRelease(t *testing.T) {
	v, _ := counted()
	_, err := v.Get(tString)
	require.NoError(t, err)

	v.Release()
	v.Release()
	_, err = v.Get(tString)
	assert.ErrorIs(t, err, ErrReleased)
	assert.ErrorIs(t, v.Put(tString, nil), ErrReleased)

	m := mapFor(tString)
	m.mu.Lock()
	_, ok := m.entries[v.id]
	m.mu.Unlock()
	assert.False(t, ok)
}

func TestManyValuesResizeCache(t *testing.T) {
	typ := reflect.TypeOf(typeB{})
	const n = 200
	values := make([]*Value[string], n)
	for i := range values {
		i := i
		values[i] = New(func(t reflect.Type) (string, error) {
			return fmt.Sprintf("%s/%d", t, i), nil
		})
	}
	defer func() {
		for _, v := range values {
			v.Release()
		}
	}()

	for round := 0; round < 3; round++ {
		for i, v := range values {
			got, err := v.Get(typ)
			require.NoError(t, err)
			require.Equal(t, fmt.Sprintf("classvalue.typeB/%d", i), got)
		}
	}

	m := mapFor(typ)
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cache.Load()
	assert.Greater(t, c.len(), initialSlots)
	assert.Less(t, m.load, m.loadLimit)
	assert.Len(t, m.entries, n)

	occupied := 0
	for i := range c.slots {
		e := c.slots[i].Load()
		if e == nil {
			continue
		}
		occupied++
		if e.isLive() {
			assert.Less(t, c.dislocation(i, e), probeLimit, "entry cached outside its probe range")
		}
	}
	assert.Equal(t, m.load, occupied)
}

func TestConcurrentGetRemovePut(t *testing.T) {
	typ := reflect.TypeOf(typeA{})
	v := New(func(t reflect.Type) (int, error) { return 1, nil })
	defer v.Release()

	var group errgroup.Group
	for g := 0; g < 8; g++ {
		g := g
		group.Go(func() error {
			for i := 0; i < 500; i++ {
				switch (g + i) % 5 {
				case 0:
					v.Remove(typ)
				case 1:
					if err := v.Put(typ, 1); err != nil {
						return err
					}
				default:
					got, err := v.Get(typ)
					if err != nil {
						return err
					}
					if got != 1 {
						return fmt.Errorf("got %d", got)
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
}

func TestEntryState(t *testing.T) {
	id := newIdentity()
	p := newPromise(id, 0)
	e := &entry{id: id, gen: 0, value: 1}
	assert.Equal(t, statePromise, p.state())
	assert.Equal(t, stateLive, e.state())
	assert.True(t, e.matches(id))
	assert.False(t, p.matches(id))

	id.gen.Add(1)
	assert.Equal(t, stateStale, e.state())
	assert.False(t, e.matches(id))

	id.released.Store(true)
	assert.Equal(t, stateDead, e.state())
	assert.Equal(t, stateDead, deadEntry.state())
}

func TestIdentityHashes(t *testing.T) {
	a, b := newIdentity(), newIdentity()
	assert.NotEqual(t, a.hash, b.hash)
	assert.LessOrEqual(t, a.hash, hashMask)
	assert.Equal(t, (a.hash+hashIncrement)&hashMask, b.hash)
}
