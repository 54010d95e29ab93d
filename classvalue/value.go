package classvalue

import (
	"errors"
	"reflect"

	"go.uber.org/zap"
)

// ErrReleased is returned by a Value that has been released.
var ErrReleased = errors.New("class value released")

var log = zap.NewNop().Sugar()

// SetLogger sets the logger used for cache maintenance events.
func SetLogger(l *zap.SugaredLogger) { log = l.Named("classvalue") }

// Value is a lazily computed value per type.
// The zero Value is not usable; create one with New.
type Value[T any] struct {
	id *identity
	fn func(reflect.Type) (T, error)
}

// New returns a Value that computes its value for a type with fn. fn runs without any lock held and
// may use other Values, but must not ask v for the type it is computing.
func New[T any](fn func(reflect.Type) (T, error)) *Value[T] {
	return &Value[T]{id: newIdentity(), fn: fn}
}

// For returns the value of v for the type K.
func For[K, T any](v *Value[T]) (T, error) {
	return v.Get(reflect.TypeOf((*K)(nil)).Elem())
}

// Get returns the value for t, computing it if needed. A failed computation is not remembered.
// If fn panics, the panic propagates to the caller and the next Get computes again.
func (v *Value[T]) Get(t reflect.Type) (T, error) {
	var zero T
	if v.id.released.Load() {
		return zero, ErrReleased
	}
	m := mapFor(t)
	c := m.cache.Load()
	if e := c.probeHome(v.id); e != nil {
		return valueOf[T](e), nil
	}
	if e := c.probeBackup(v.id); e != nil {
		return valueOf[T](e), nil
	}
	return v.getFromMap(m, t)
}

func (v *Value[T]) getFromMap(m *typeMap, t reflect.Type) (T, error) {
	var zero T
	for {
		if v.id.released.Load() {
			return zero, ErrReleased
		}
		e, owner := m.startEntry(v.id)
		if !e.promise {
			return valueOf[T](e), nil
		}
		if !owner {
			<-e.ready
			continue
		}
		e, err := v.compute(m, t, e)
		if err != nil {
			return zero, err
		}
		if e != nil {
			return valueOf[T](e), nil
		}
		// the promise was replaced by a Remove, Put or newer generation; try again
	}
}

// compute runs fn for promise p and finishes the promise whatever happens.
func (v *Value[T]) compute(m *typeMap, t reflect.Type, p *entry) (installed *entry, err error) {
	result := p
	defer func() {
		installed = m.finishEntry(v.id, p, result)
	}()
	val, err := v.fn(t)
	if err != nil {
		log.Debugw("computing value failed", "Type", t, "Error", err)
		return nil, err
	}
	result = &entry{id: v.id, gen: p.gen, value: val}
	return nil, nil
}

// Remove discards the value for t, so that the next Get computes it again.
// It has no effect while the value is being computed. Values of v for other types are kept, though
// their first Get afterwards goes through the type's lock.
func (v *Value[T]) Remove(t reflect.Type) {
	if v.id.released.Load() {
		return
	}
	mapFor(t).removeEntry(v.id)
}

// Put sets the value for t, replacing a computed value or one being computed.
func (v *Value[T]) Put(t reflect.Type, value T) error {
	if v.id.released.Load() {
		return ErrReleased
	}
	mapFor(t).changeEntry(v.id, value)
	return nil
}

// Release drops the values of v for all types. Later calls to Get and Put return ErrReleased.
func (v *Value[T]) Release() {
	if v.id.released.Swap(true) {
		return
	}
	typeMaps.Range(func(_, m any) bool {
		m.(*typeMap).purge(v.id)
		return true
	})
}

func valueOf[T any](e *entry) T {
	val, _ := e.value.(T)
	return val
}
