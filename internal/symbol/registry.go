// Package symbol maintains the process-wide symbol table used to compress
// trace data. Agents send strings and method descriptors once; trace records
// then refer to them by small integer ids.
package symbol

import (
	"fmt"
	"log/slog"
	"sync"
)

// Method is a method descriptor made of three symbol ids.
type Method struct {
	ClassID     uint32
	MethodID    uint32
	SignatureID uint32
}

// Persister receives every newly bound symbol or method so the table can be
// restored after a restart.
type Persister interface {
	PutSymbol(id uint32, name string) error
	PutMethod(id uint32, m Method) error
}

// Registry is a thread-safe bidirectional map between names and ids.
// Id 0 is reserved and never resolves to a name.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]uint32
	names    map[uint32]string
	nextID   uint32
	byMethod map[Method]uint32
	methods  map[uint32]Method
	nextMID  uint32

	persist Persister
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byName:   make(map[string]uint32),
		names:    make(map[uint32]string),
		nextID:   1,
		byMethod: make(map[Method]uint32),
		methods:  make(map[uint32]Method),
		nextMID:  1,
		logger:   logger.With("component", "symbol.Registry"),
	}
}

// SetPersister attaches a persister. Only bindings made after the call are
// written to it.
func (r *Registry) SetPersister(p Persister) {
	r.mu.Lock()
	r.persist = p
	r.mu.Unlock()
}

// Intern returns the id bound to name, allocating the next sequential id if
// the name has not been seen before.
func (r *Registry) Intern(name string) uint32 {
	r.mu.RLock()
	id, ok := r.byName[name]
	r.mu.RUnlock()
	if ok {
		return id
	}

	r.mu.Lock()
	if id, ok := r.byName[name]; ok {
		r.mu.Unlock()
		return id
	}
	id = r.nextID
	r.nextID++
	r.byName[name] = id
	r.names[id] = name
	p := r.persist
	r.mu.Unlock()

	if p != nil {
		if err := p.PutSymbol(id, name); err != nil {
			r.logger.Warn("failed to persist symbol", "id", id, "error", err)
		}
	}
	return id
}

// Name returns the name bound to id.
func (r *Registry) Name(id uint32) (string, bool) {
	if id == 0 {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.names[id]
	return name, ok
}

// Lookup returns the name bound to id, or a placeholder for unknown ids.
func (r *Registry) Lookup(id uint32) string {
	if name, ok := r.Name(id); ok {
		return name
	}
	return Placeholder(id)
}

// Placeholder is the display form of an unresolvable symbol id.
func Placeholder(id uint32) string {
	return fmt.Sprintf("<sym:%d>", id)
}

// Put binds id to name explicitly. If id was already bound to a different
// name the new binding wins and the old reverse mapping is dropped.
func (r *Registry) Put(id uint32, name string) {
	if id == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.names[id]; ok && old != name {
		r.logger.Warn("symbol id rebound", "id", id, "old", old, "new", name)
		if r.byName[old] == id {
			delete(r.byName, old)
		}
	}
	if prev, ok := r.byName[name]; ok && prev != id {
		delete(r.names, prev)
	}
	r.names[id] = name
	r.byName[name] = id
	if id >= r.nextID {
		r.nextID = id + 1
	}
}

// InternMethod returns the id of m, allocating one if needed.
func (r *Registry) InternMethod(m Method) uint32 {
	r.mu.RLock()
	id, ok := r.byMethod[m]
	r.mu.RUnlock()
	if ok {
		return id
	}

	r.mu.Lock()
	if id, ok := r.byMethod[m]; ok {
		r.mu.Unlock()
		return id
	}
	id = r.nextMID
	r.nextMID++
	r.byMethod[m] = id
	r.methods[id] = m
	p := r.persist
	r.mu.Unlock()

	if p != nil {
		if err := p.PutMethod(id, m); err != nil {
			r.logger.Warn("failed to persist method", "id", id, "error", err)
		}
	}
	return id
}

// PutMethod binds a method id explicitly (used on restore).
func (r *Registry) PutMethod(id uint32, m Method) {
	if id == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.methods[id]; ok && old != m {
		r.logger.Warn("method id rebound", "id", id)
		if r.byMethod[old] == id {
			delete(r.byMethod, old)
		}
	}
	r.methods[id] = m
	r.byMethod[m] = id
	if id >= r.nextMID {
		r.nextMID = id + 1
	}
}

// Method returns the descriptor bound to id.
func (r *Registry) Method(id uint32) (Method, bool) {
	if id == 0 {
		return Method{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[id]
	return m, ok
}

// MethodName renders a method id as class.method().
func (r *Registry) MethodName(id uint32) string {
	m, ok := r.Method(id)
	if !ok {
		return Placeholder(id) + "()"
	}
	return r.Lookup(m.ClassID) + "." + r.Lookup(m.MethodID) + "()"
}

// Size returns the number of bound symbols and methods.
func (r *Registry) Size() (symbols, methods int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names), len(r.methods)
}
