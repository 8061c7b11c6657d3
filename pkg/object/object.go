package object

import (
	"fmt"
	"sync"

	"github.com/kazoe/kazad/internal/logger"
)

// Change is the event delivered to watchers when an object's value moves.
// Origin identifies the session that caused the change; 0 means a local
// producer or the control service.
type Change struct {
	Value  Value
	Origin uint64
}

// ValueStore persists object values across restarts. Implemented by the
// settings package; the invalid value is stored like any other.
type ValueStore interface {
	Load(name string) (Value, bool, error)
	Save(name string, v Value) error
}

// Object is a named, unit-bearing variable with change fan-out. Watch
// callbacks run on the mutating goroutine and must not block; subscribers
// hand the event off to their own outbound queue.
type Object struct {
	name string
	unit string

	mu    sync.RWMutex
	value Value

	watchMu   sync.Mutex
	watchers  map[uint64]func(Change)
	nextWatch uint64

	store ValueStore // nil for plain objects
}

// New creates a plain object with the given initial value.
func New(name, unit string, initial Value) *Object {
	return &Object{
		name:     name,
		unit:     unit,
		value:    initial,
		watchers: make(map[uint64]func(Change)),
	}
}

// NewInternal creates a persisted object. If the store holds a value for
// this name it wins over initial; every subsequent change is written back.
func NewInternal(name, unit string, initial Value, store ValueStore) (*Object, error) {
	o := New(name, unit, initial)
	o.store = store

	v, ok, err := store.Load(name)
	if err != nil {
		return nil, fmt.Errorf("object %q: load persisted value: %w", name, err)
	}
	if ok {
		o.value = v
	}
	return o, nil
}

// Name returns the unique object name.
func (o *Object) Name() string {
	return o.name
}

// Unit returns the display unit, possibly empty.
func (o *Object) Unit() string {
	return o.unit
}

// Value returns the current value.
func (o *Object) Value() Value {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.value
}

// SetValue applies a locally-produced change and notifies all watchers.
func (o *Object) SetValue(v Value) {
	o.ChangeValue(v, 0)
}

// ChangeValue applies a change attributed to the given origin and notifies
// all watchers. Watcher invocation is serialised so that every watcher sees
// changes to this object in the order they were applied.
func (o *Object) ChangeValue(v Value, origin uint64) {
	o.watchMu.Lock()
	defer o.watchMu.Unlock()

	o.mu.Lock()
	o.value = v
	o.mu.Unlock()

	if o.store != nil {
		if err := o.store.Save(o.name, v); err != nil {
			logger.Warn("failed to persist object value",
				logger.KeyObject, o.name, logger.KeyError, err.Error())
		}
	}

	ev := Change{Value: v, Origin: origin}
	for _, fn := range o.watchers {
		fn(ev)
	}
}

// Watch registers a change callback and returns a cancel function. The
// callback runs on the mutating goroutine.
func (o *Object) Watch(fn func(Change)) func() {
	o.watchMu.Lock()
	defer o.watchMu.Unlock()

	id := o.nextWatch
	o.nextWatch++
	o.watchers[id] = fn

	return func() {
		o.watchMu.Lock()
		defer o.watchMu.Unlock()
		delete(o.watchers, id)
	}
}
