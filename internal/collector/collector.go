// Package collector rebuilds nested trace scopes from agent payloads and
// persists every closed scope as a chunk.
package collector

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zicotrace/zico/internal/chunk"
	"github.com/zicotrace/zico/internal/codec"
	"github.com/zicotrace/zico/internal/metrics"
	"github.com/zicotrace/zico/internal/session"
	"github.com/zicotrace/zico/internal/symbol"
)

// ErrDecode reports a payload that could not be decoded to the end. Work
// done before the failure is kept.
var ErrDecode = errors.New("trace payload decode failed")

// Listener is notified of every chunk after it has been stored.
type Listener func(*chunk.Chunk)

// Collector turns agent payloads into stored chunks. It is shared by all
// connections; per-agent state arrives through the session argument.
type Collector struct {
	registry *symbol.Registry
	store    chunk.Store
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu        sync.RWMutex
	listeners []Listener
}

// New creates a collector writing into store.
func New(reg *symbol.Registry, store chunk.Store, m *metrics.Metrics, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		registry: reg,
		store:    store,
		metrics:  m,
		logger:   logger.With("component", "collector.Collector"),
	}
}

// OnChunk registers a listener for stored chunks.
func (c *Collector) OnChunk(fn Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Collector) notify(ch *chunk.Chunk) {
	c.mu.RLock()
	ls := c.listeners
	c.mu.RUnlock()
	for _, fn := range ls {
		fn(ch)
	}
}

// Store returns the chunk store the collector writes to.
func (c *Collector) Store() chunk.Store {
	return c.store
}

// HandleSymbol binds a single agent-local symbol.
func (c *Collector) HandleSymbol(sess *session.Session, id uint32, name string) uint32 {
	m := sess.Mapper()
	h0, m0 := m.Stats()
	gid := m.MapSymbol(id, name)
	h1, m1 := m.Stats()
	c.metrics.SymbolCache(h1-h0, m1-m0)
	return gid
}

// HandleAgentData maps the symbol and method declarations of an agent
// dictionary into the registry. full marks a complete snapshot sent after
// reconnecting; it is processed exactly like a delta.
func (c *Collector) HandleAgentData(sess *session.Session, full bool, data []byte) error {
	syms := make(map[uint32]string)
	methods := make(map[uint32]symbol.Method)
	ignored := 0

	err := codec.Read(data, func(rec codec.Record) error {
		switch r := rec.(type) {
		case codec.StringRef:
			syms[r.ID] = r.Text
		case codec.MethodRef:
			methods[r.ID] = symbol.Method{ClassID: r.ClassID, MethodID: r.MethodID, SignatureID: r.SignatureID}
		default:
			ignored++
		}
		return nil
	})

	m := sess.Mapper()
	h0, m0 := m.Stats()
	m.MapSymbols(syms)
	m.MapMethods(methods)
	h1, m1 := m.Stats()
	c.metrics.SymbolCache(h1-h0, m1-m0)

	c.logger.Debug("agent data processed",
		"agent_id", sess.AgentID(),
		"full", full,
		"symbols", len(syms),
		"methods", len(methods),
		"ignored", ignored,
	)
	if err != nil {
		c.metrics.DecodeError("agent_data")
		c.logger.Warn("agent data truncated", "agent_id", sess.AgentID(), "error", err)
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}

// HandleTraceData decodes one flushed trace and stores a chunk for every
// scope it closes, children before their parent. It returns the number of
// chunks stored. On a decode error the chunks closed before the bad record
// stay stored and scopes still open are dropped.
func (c *Collector) HandleTraceData(sess *session.Session, traceID string, flushSeq int, data []byte) (int, error) {
	start := time.Now()
	defer c.metrics.ObserveTraceData(start)

	m := sess.Mapper()
	translated := codec.NewWriter()
	scanErr := codec.Scanner{Symbol: m.Symbol, Method: m.MethodID}.Scan(data, translated)

	b := &builder{
		c:        c,
		agentID:  sess.AgentID(),
		traceID:  traceID,
		flushSeq: flushSeq,
		excs:     make(map[uint32]codec.Exception),
	}
	err := codec.Read(translated.Bytes(), b.visit)

	if len(b.stack) > 0 {
		c.logger.Debug("dropping unterminated scopes", "agent_id", b.agentID, "trace_id", traceID, "open", len(b.stack))
	}
	c.metrics.Stray(b.strays)

	if err != nil {
		// storage failures surface as they are
		return b.stored, err
	}
	if scanErr != nil {
		c.metrics.DecodeError("trace_data")
		c.logger.Warn("trace data truncated",
			"agent_id", b.agentID,
			"trace_id", traceID,
			"stored", b.stored,
			"error", scanErr,
		)
		return b.stored, fmt.Errorf("%w: %w", ErrDecode, scanErr)
	}
	return b.stored, nil
}

// frame is one open scope.
type frame struct {
	start    codec.TraceStart
	begin    *codec.TraceBegin
	depth    int
	attrs    map[string]string
	exc      *chunk.Exception
	w        *codec.Writer
	symbols  map[uint32]struct{}
	methods  map[uint32]struct{}
	children []uint64
	records  int
}

func (f *frame) write(rec codec.Record) {
	// records come from a stream that was just decoded, so they re-encode
	_ = f.w.Write(rec)
}

func (f *frame) useSymbol(ids ...uint32) {
	for _, id := range ids {
		if id != 0 {
			f.symbols[id] = struct{}{}
		}
	}
}

type builder struct {
	c        *Collector
	agentID  string
	traceID  string
	flushSeq int

	stack  []*frame
	excs   map[uint32]codec.Exception
	stored int
	strays int
}

func (b *builder) top() *frame {
	if len(b.stack) == 0 {
		return nil
	}
	return b.stack[len(b.stack)-1]
}

func (b *builder) visit(rec codec.Record) error {
	switch r := rec.(type) {
	case codec.TraceStart:
		f := &frame{
			start:   r,
			depth:   len(b.stack),
			attrs:   make(map[string]string),
			w:       codec.NewWriter(),
			symbols: make(map[uint32]struct{}),
			methods: make(map[uint32]struct{}),
			records: 1,
		}
		if r.MethodID != 0 {
			f.methods[r.MethodID] = struct{}{}
		}
		f.write(r)
		b.stack = append(b.stack, f)

	case codec.TraceBegin:
		f := b.top()
		if f == nil {
			b.strays++
			return nil
		}
		f.begin = &r
		f.useSymbol(r.TraceTypeID)
		f.write(r)

	case codec.TraceAttr:
		f := b.attrTarget(r.TraceTypeID)
		if f == nil {
			b.strays++
			return nil
		}
		key := b.c.registry.Lookup(r.KeyID)
		f.attrs[key] = r.Value
		f.useSymbol(r.KeyID)
		f.write(codec.TraceAttr{KeyID: r.KeyID, Value: r.Value})

	case codec.Exception:
		b.excs[r.ID] = r
		b.attachException(r)

	case codec.ExceptionRef:
		e, ok := b.excs[r.ID]
		if !ok {
			b.c.logger.Debug("unresolved exception reference", "agent_id", b.agentID, "ref", r.ID)
			b.strays++
			return nil
		}
		b.attachException(e)

	case codec.TraceEnd:
		f := b.top()
		if f == nil {
			b.strays++
			return nil
		}
		b.stack = b.stack[:len(b.stack)-1]
		f.write(r)
		return b.finish(f, r)

	default:
		// dictionary records belong in agent data
	}
	return nil
}

// attrTarget picks the scope an attribute belongs to: the innermost one, or
// for typed attributes the innermost one whose trace type matches.
func (b *builder) attrTarget(traceType uint32) *frame {
	if traceType == 0 {
		return b.top()
	}
	for i := len(b.stack) - 1; i >= 0; i-- {
		f := b.stack[i]
		if f.begin != nil && f.begin.TraceTypeID == traceType {
			return f
		}
	}
	return nil
}

func (b *builder) attachException(e codec.Exception) {
	f := b.top()
	if f == nil {
		b.strays++
		return
	}
	f.exc = &chunk.Exception{
		Class:   b.c.registry.Lookup(e.ClassID),
		Message: b.c.registry.Lookup(e.MessageID),
	}
	f.useSymbol(e.ClassID, e.MessageID)
	for _, sf := range e.Frames {
		f.useSymbol(sf.ClassID, sf.MethodID, sf.FileID)
	}
	// written in full so the chunk decodes without the earlier record
	f.write(e)
}

func (b *builder) finish(f *frame, end codec.TraceEnd) error {
	reg := b.c.registry
	m, _ := reg.Method(f.start.MethodID)

	ch := &chunk.Chunk{
		AgentID:   b.agentID,
		TraceID:   b.traceID,
		FlushSeq:  b.flushSeq,
		Class:     reg.Lookup(m.ClassID),
		Method:    reg.Lookup(m.MethodID),
		MethodID:  f.start.MethodID,
		Tstart:    f.start.Timestamp,
		Duration:  end.Timestamp - f.start.Timestamp,
		Calls:     end.Calls,
		Errors:    end.Errors,
		Flags:     end.Flags,
		Records:   f.records,
		Depth:     f.depth,
		Span:      f.begin != nil,
		Attrs:     f.attrs,
		Exception: f.exc,
		Children:  f.children,
	}
	if f.begin != nil {
		ch.SpanID = f.begin.SpanID
		ch.Tstamp = f.begin.Clock
		if f.begin.TraceTypeID != 0 {
			ch.TraceType = reg.Lookup(f.begin.TraceTypeID)
		}
	}

	var err error
	if ch.TraceData, err = chunk.Compress(f.w.Bytes()); err != nil {
		return err
	}
	if ch.SymbolData, err = chunk.Compress(b.symbolData(f)); err != nil {
		return err
	}

	seq, err := b.c.store.Append(ch)
	if err != nil {
		b.c.logger.Error("failed to store chunk", "agent_id", b.agentID, "trace_id", b.traceID, "error", err)
		return fmt.Errorf("failed to store chunk: %w", err)
	}
	b.stored++
	b.c.metrics.ChunkStored()

	if parent := b.top(); parent != nil {
		parent.children = append(parent.children, seq)
		parent.records += ch.Records
	}
	b.c.notify(ch)
	return nil
}

// symbolData declares every symbol and method the scope's records use.
func (b *builder) symbolData(f *frame) []byte {
	reg := b.c.registry
	w := codec.NewWriter()

	var methods []codec.MethodRef
	for id := range f.methods {
		m, ok := reg.Method(id)
		if !ok {
			continue
		}
		f.useSymbol(m.ClassID, m.MethodID, m.SignatureID)
		methods = append(methods, codec.MethodRef{ID: id, ClassID: m.ClassID, MethodID: m.MethodID, SignatureID: m.SignatureID})
	}

	ids := make([]uint32, 0, len(f.symbols))
	for id := range f.symbols {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if name, ok := reg.Name(id); ok {
			_ = w.Write(codec.StringRef{ID: id, Text: name})
		}
	}

	sort.Slice(methods, func(i, j int) bool { return methods[i].ID < methods[j].ID })
	for _, m := range methods {
		_ = w.Write(m)
	}
	return w.Bytes()
}
