// Package extract renders stored chunks into human readable trace trees.
package extract

import (
	"errors"
	"fmt"

	"github.com/zicotrace/zico/internal/chunk"
	"github.com/zicotrace/zico/internal/codec"
	"github.com/zicotrace/zico/internal/symbol"
)

var (
	// ErrNoChunks is returned when Extract is called without a root.
	ErrNoChunks = errors.New("no chunks to extract")
	// ErrNoScope is returned for a chunk whose payload holds no scope.
	ErrNoScope = errors.New("chunk payload has no trace scope")
)

// Result is one decoded scope with every id resolved.
type Result struct {
	Method    string            `json:"method"`
	TraceType string            `json:"trace_type,omitempty"`
	SpanID    uint64            `json:"span_id,omitempty"`
	Flags     uint32            `json:"flags"`
	Tstamp    int64             `json:"tstamp,omitempty"`
	Tstart    int64             `json:"tstart"`
	Tstop     int64             `json:"tstop"`
	Duration  int64             `json:"duration"`
	Calls     uint64            `json:"calls"`
	Errors    uint64            `json:"errors"`
	Records   int               `json:"records"`
	Error     bool              `json:"error"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	Exception *Exception        `json:"exception,omitempty"`
	Children  []*Result         `json:"children,omitempty"`
}

// Exception is a resolved exception with its stack trace.
type Exception struct {
	Class   string   `json:"class"`
	Message string   `json:"message"`
	Stack   []string `json:"stack,omitempty"`
}

// Extract decodes chunks[0] as the root and every following chunk as one of
// its direct children, in argument order. Each chunk is resolved against
// its own symbol data; the store is never consulted.
func Extract(chunks []*chunk.Chunk) (*Result, error) {
	if len(chunks) == 0 {
		return nil, ErrNoChunks
	}
	root, err := decode(chunks[0])
	if err != nil {
		return nil, err
	}
	for _, c := range chunks[1:] {
		child, err := decode(c)
		if err != nil {
			return nil, err
		}
		root.Children = append(root.Children, child)
	}
	return root, nil
}

// symbols is the dictionary carried by a single chunk.
type symbols struct {
	names   map[uint32]string
	methods map[uint32]codec.MethodRef
}

func (s *symbols) name(id uint32) string {
	if n, ok := s.names[id]; ok && id != 0 {
		return n
	}
	return symbol.Placeholder(id)
}

func (s *symbols) method(id uint32) string {
	m, ok := s.methods[id]
	if !ok {
		return symbol.Placeholder(id) + "()"
	}
	return s.name(m.ClassID) + "." + s.name(m.MethodID) + "()"
}

func (s *symbols) exception(e codec.Exception) *Exception {
	out := &Exception{Class: s.name(e.ClassID), Message: s.name(e.MessageID)}
	for _, f := range e.Frames {
		out.Stack = append(out.Stack, fmt.Sprintf("%s.%s(%s:%d)",
			s.name(f.ClassID), s.name(f.MethodID), s.name(f.FileID), f.Line))
	}
	return out
}

func loadSymbols(c *chunk.Chunk) (*symbols, error) {
	s := &symbols{names: make(map[uint32]string), methods: make(map[uint32]codec.MethodRef)}
	data, err := chunk.Decompress(c.SymbolData)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", c.Seq, err)
	}
	err = codec.Read(data, func(rec codec.Record) error {
		switch r := rec.(type) {
		case codec.StringRef:
			s.names[r.ID] = r.Text
		case codec.MethodRef:
			s.methods[r.ID] = r
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chunk %d symbol data: %w", c.Seq, err)
	}
	return s, nil
}

func decode(c *chunk.Chunk) (*Result, error) {
	syms, err := loadSymbols(c)
	if err != nil {
		return nil, err
	}
	data, err := chunk.Decompress(c.TraceData)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", c.Seq, err)
	}

	var res *Result
	depth := 0
	err = codec.Read(data, func(rec codec.Record) error {
		switch r := rec.(type) {
		case codec.TraceStart:
			depth++
			if depth == 1 && res == nil {
				res = &Result{
					Method:  syms.method(r.MethodID),
					Tstart:  r.Timestamp,
					Records: c.Records,
				}
			}
		case codec.TraceBegin:
			if depth == 1 && res != nil {
				if r.TraceTypeID != 0 {
					res.TraceType = syms.name(r.TraceTypeID)
				}
				res.SpanID = r.SpanID
				res.Tstamp = r.Clock
			}
		case codec.TraceAttr:
			if depth == 1 && res != nil {
				if res.Attrs == nil {
					res.Attrs = make(map[string]string)
				}
				res.Attrs[syms.name(r.KeyID)] = r.Value
			}
		case codec.Exception:
			if depth == 1 && res != nil {
				res.Exception = syms.exception(r)
			}
		case codec.TraceEnd:
			if depth == 1 && res != nil {
				res.Flags = r.Flags
				res.Tstop = r.Timestamp
				res.Duration = r.Timestamp - res.Tstart
				res.Calls = r.Calls
				res.Errors = r.Errors
			}
			if depth > 0 {
				depth--
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chunk %d trace data: %w", c.Seq, err)
	}
	if res == nil {
		return nil, fmt.Errorf("chunk %d: %w", c.Seq, ErrNoScope)
	}
	res.Error = res.Errors > 0 || res.Exception != nil
	return res, nil
}
