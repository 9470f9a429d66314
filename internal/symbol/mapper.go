package symbol

import (
	"log/slog"
	"sync/atomic"
)

// Mapper translates one agent's local symbol and method ids into registry
// ids. A mapper belongs to a single connection and, apart from Stats, is
// not safe for concurrent use.
type Mapper struct {
	reg *Registry

	// name -> global id, private cache in front of the registry
	names map[string]uint32
	// local -> global
	symbols map[uint32]uint32
	localNm map[uint32]string

	methodCache map[Method]uint32
	methods     map[uint32]uint32

	// counters may be read from other goroutines
	hits   atomic.Uint64
	misses atomic.Uint64
	logger *slog.Logger
}

// NewMapper creates a mapper that interns into reg.
func NewMapper(reg *Registry, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{
		reg:         reg,
		names:       make(map[string]uint32),
		symbols:     make(map[uint32]uint32),
		localNm:     make(map[uint32]string),
		methodCache: make(map[Method]uint32),
		methods:     make(map[uint32]uint32),
		logger:      logger.With("component", "symbol.Mapper"),
	}
}

// MapSymbol binds a single local id and returns its global id.
func (m *Mapper) MapSymbol(local uint32, name string) uint32 {
	if old, ok := m.localNm[local]; ok && old != name {
		m.logger.Warn("local symbol redeclared", "local_id", local, "old", old, "new", name)
	}
	gid, ok := m.names[name]
	if ok {
		m.hits.Add(1)
	} else {
		m.misses.Add(1)
		gid = m.reg.Intern(name)
		m.names[name] = gid
	}
	m.symbols[local] = gid
	m.localNm[local] = name
	return gid
}

// MapSymbols binds a batch of local ids and returns local -> global.
func (m *Mapper) MapSymbols(batch map[uint32]string) map[uint32]uint32 {
	out := make(map[uint32]uint32, len(batch))
	for local, name := range batch {
		out[local] = m.MapSymbol(local, name)
	}
	return out
}

// MapMethod binds a local method id whose components are local symbol ids.
func (m *Mapper) MapMethod(local uint32, desc Method) uint32 {
	g := Method{
		ClassID:     m.Symbol(desc.ClassID),
		MethodID:    m.Symbol(desc.MethodID),
		SignatureID: m.Symbol(desc.SignatureID),
	}
	gid, ok := m.methodCache[g]
	if ok {
		m.hits.Add(1)
	} else {
		m.misses.Add(1)
		gid = m.reg.InternMethod(g)
		m.methodCache[g] = gid
	}
	m.methods[local] = gid
	return gid
}

// MapMethods binds a batch of local method ids.
func (m *Mapper) MapMethods(batch map[uint32]Method) map[uint32]uint32 {
	out := make(map[uint32]uint32, len(batch))
	for local, desc := range batch {
		out[local] = m.MapMethod(local, desc)
	}
	return out
}

// Symbol returns the global id for a local symbol id, or 0 when unknown.
func (m *Mapper) Symbol(local uint32) uint32 {
	return m.symbols[local]
}

// MethodID returns the global id for a local method id, or 0 when unknown.
func (m *Mapper) MethodID(local uint32) uint32 {
	return m.methods[local]
}

// Stats returns cache hit and miss counts.
func (m *Mapper) Stats() (hits, misses uint64) {
	return m.hits.Load(), m.misses.Load()
}

// Registry returns the registry the mapper interns into.
func (m *Mapper) Registry() *Registry {
	return m.reg
}
