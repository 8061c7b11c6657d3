// Package registry holds the process-wide object and alarm lists. It is a
// singleton with an explicit Init/Reset lifecycle driven from the entry
// point; configuration loaders populate it at startup and may keep adding
// objects while the server runs.
package registry

import (
	"fmt"
	"sync"

	"github.com/kazoe/kazad/pkg/object"
)

// Registry maps object names to objects, preserving registration order,
// and keeps the flat alarm list. Clients display Keys() unchanged, so the
// order must be stable.
//
// Example usage:
//
//	reg := registry.New()
//	reg.Register(object.New("temp", "°C", object.NewDouble(22.5)))
//	o := reg.Lookup("temp")
type Registry struct {
	mu        sync.RWMutex
	objects   map[string]*object.Object
	order     []string
	alarms    []*object.Alarm
	observers []func(*object.Object)
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		objects: make(map[string]*object.Object),
	}
}

// Register adds an object and fires every add-observer. Object names are
// unique; registering a duplicate is an error.
func (r *Registry) Register(o *object.Object) error {
	if o == nil {
		return fmt.Errorf("cannot register nil object")
	}
	if o.Name() == "" {
		return fmt.Errorf("cannot register object with empty name")
	}

	r.mu.Lock()
	if _, exists := r.objects[o.Name()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("object %q already registered", o.Name())
	}
	r.objects[o.Name()] = o
	r.order = append(r.order, o.Name())
	observers := append([]func(*object.Object){}, r.observers...)
	r.mu.Unlock()

	// Observers run outside the lock; DMZ sessions subscribe from here
	for _, fn := range observers {
		fn(o)
	}
	return nil
}

// Lookup retrieves an object by name. Returns nil if not present.
func (r *Registry) Lookup(name string) *object.Object {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.objects[name]
}

// Keys returns all object names in registration order.
// The returned slice is a copy and safe to modify.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.order...)
}

// Objects returns all objects in registration order.
// The returned slice is a copy and safe to modify.
func (r *Registry) Objects() []*object.Object {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*object.Object, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.objects[name])
	}
	return out
}

// Count returns the number of registered objects.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// RegisterAlarm appends an alarm to the flat list.
func (r *Registry) RegisterAlarm(a *object.Alarm) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alarms = append(r.alarms, a)
}

// Alarms returns the alarm list in registration order.
// The returned slice is a copy and safe to modify.
func (r *Registry) Alarms() []*object.Alarm {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*object.Alarm{}, r.alarms...)
}

// OnObjectAdded registers a callback fired for every subsequent Register.
// Callbacks run on the registering goroutine and must not block.
func (r *Registry) OnObjectAdded(fn func(*object.Object)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

var (
	globalMu sync.RWMutex
	global   *Registry
)

// Init installs a fresh process-wide registry. Called once at startup.
func Init() *Registry {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = New()
	return global
}

// Get returns the process-wide registry, initialising it on first use.
func Get() *Registry {
	globalMu.RLock()
	r := global
	globalMu.RUnlock()
	if r != nil {
		return r
	}
	return Init()
}

// Reset discards the process-wide registry. Used by tests and shutdown.
func Reset() {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = nil
}
