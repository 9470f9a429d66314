package collector

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zicotrace/zico/internal/chunk"
	"github.com/zicotrace/zico/internal/codec"
	"github.com/zicotrace/zico/internal/session"
	"github.com/zicotrace/zico/internal/symbol"
)

type fixture struct {
	reg   *symbol.Registry
	store *chunk.MemoryStore
	coll  *Collector
	sess  *session.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := symbol.NewRegistry(nil)
	store := chunk.NewMemoryStore()
	mgr := session.NewManager(reg, nil)
	sess := mgr.Open("127.0.0.1:1")
	require.NoError(t, mgr.Authenticate(sess.ID, "agent-1", "test"))

	f := &fixture{reg: reg, store: store, coll: New(reg, store, nil, nil), sess: sess}
	require.NoError(t, f.coll.HandleAgentData(sess, true, encode(t,
		codec.StringRef{ID: 41, Text: "component"},
		codec.StringRef{ID: 42, Text: "mydb.PStatement"},
		codec.StringRef{ID: 43, Text: "execute"},
		codec.StringRef{ID: 44, Text: "V()"},
		codec.StringRef{ID: 45, Text: "db"},
		codec.StringRef{ID: 46, Text: "http"},
		codec.StringRef{ID: 47, Text: "java.sql.SQLException"},
		codec.StringRef{ID: 48, Text: "timeout"},
		codec.MethodRef{ID: 11, ClassID: 42, MethodID: 43, SignatureID: 44},
		codec.MethodRef{ID: 12, ClassID: 42, MethodID: 41, SignatureID: 44},
	)))
	return f
}

func encode(t *testing.T, recs ...codec.Record) []byte {
	t.Helper()
	w := codec.NewWriter()
	for _, r := range recs {
		require.NoError(t, w.Write(r))
	}
	return w.Bytes()
}

func (f *fixture) all(t *testing.T) []*chunk.Chunk {
	t.Helper()
	out, err := f.store.Search(chunk.Query{})
	require.NoError(t, err)
	return out
}

func TestHandleTraceData_SingleSpan(t *testing.T) {
	f := newFixture(t)

	n, err := f.coll.HandleTraceData(f.sess, "t1", 0, encode(t,
		codec.TraceStart{Flags: 0, Timestamp: 100, MethodID: 11},
		codec.TraceBegin{Clock: 1000, TraceTypeID: 45, SpanID: 0x1234567812345001},
		codec.TraceAttr{KeyID: 41, Value: "db"},
		codec.TraceEnd{Timestamp: 200, Calls: 2},
	))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	c, err := f.store.Get(0)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", c.AgentID)
	assert.Equal(t, "t1", c.TraceID)
	assert.Equal(t, "execute", c.Method)
	assert.Equal(t, "mydb.PStatement", c.Class)
	assert.Equal(t, "db", c.Attrs["component"])
	assert.Equal(t, "db", c.TraceType)
	assert.Equal(t, uint64(0x1234567812345001), c.SpanID)
	assert.Equal(t, int64(100), c.Tstart)
	assert.Equal(t, int64(1000), c.Tstamp)
	assert.Equal(t, int64(100), c.Duration)
	assert.Equal(t, uint64(2), c.Calls)
	assert.Equal(t, 1, c.Records)
	assert.True(t, c.Span)
	assert.NotEmpty(t, c.TraceData)
	assert.NotEmpty(t, c.SymbolData)
}

func TestHandleTraceData_NestedScopes(t *testing.T) {
	f := newFixture(t)
	var seen []string
	f.coll.OnChunk(func(c *chunk.Chunk) { seen = append(seen, c.Method) })

	n, err := f.coll.HandleTraceData(f.sess, "t2", 3, encode(t,
		codec.TraceStart{Timestamp: 10, MethodID: 12},
		codec.TraceBegin{Clock: 5000, TraceTypeID: 46, SpanID: 7},
		codec.TraceStart{Timestamp: 20, MethodID: 11},
		codec.TraceAttr{KeyID: 41, Value: "inner"},
		codec.TraceEnd{Timestamp: 50, Calls: 1},
		codec.TraceEnd{Timestamp: 90, Calls: 2},
	))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	all := f.all(t)
	require.Len(t, all, 2)
	child, root := all[0], all[1]

	assert.Equal(t, "execute", child.Method)
	assert.Equal(t, 1, child.Depth)
	assert.Equal(t, int64(30), child.Duration)
	assert.Equal(t, "inner", child.Attrs["component"])
	assert.False(t, child.Span)

	assert.Equal(t, "component", root.Method)
	assert.Equal(t, 0, root.Depth)
	assert.Equal(t, 2, root.Records)
	assert.Equal(t, []uint64{child.Seq}, root.Children)
	assert.Empty(t, root.Attrs)
	assert.Equal(t, 3, root.FlushSeq)

	assert.Equal(t, []string{"execute", "component"}, seen)
}

func TestHandleTraceData_TypedAttrGoesToMatchingSpan(t *testing.T) {
	f := newFixture(t)

	_, err := f.coll.HandleTraceData(f.sess, "t3", 0, encode(t,
		codec.TraceStart{Timestamp: 0, MethodID: 12},
		codec.TraceBegin{TraceTypeID: 46, SpanID: 1},
		codec.TraceStart{Timestamp: 1, MethodID: 11},
		codec.TraceAttr{TraceTypeID: 46, KeyID: 41, Value: "outer"},
		codec.TraceAttr{TraceTypeID: 45, KeyID: 41, Value: "nobody"},
		codec.TraceEnd{Timestamp: 2},
		codec.TraceEnd{Timestamp: 3},
	))
	require.NoError(t, err)

	all := f.all(t)
	require.Len(t, all, 2)
	assert.Empty(t, all[0].Attrs)
	assert.Equal(t, "outer", all[1].Attrs["component"])
}

func TestHandleTraceData_StrayRecords(t *testing.T) {
	f := newFixture(t)

	n, err := f.coll.HandleTraceData(f.sess, "t4", 0, encode(t,
		codec.TraceAttr{KeyID: 41, Value: "lost"},
		codec.TraceEnd{Timestamp: 5},
		codec.TraceStart{Timestamp: 10, MethodID: 11},
		codec.TraceEnd{Timestamp: 15},
		codec.TraceStart{Timestamp: 20, MethodID: 11},
	))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.store.Length())
}

func TestHandleTraceData_KeepsChunksBeforeDecodeError(t *testing.T) {
	f := newFixture(t)

	data := encode(t,
		codec.TraceStart{Timestamp: 0, MethodID: 12},
		codec.TraceStart{Timestamp: 1, MethodID: 11},
		codec.TraceEnd{Timestamp: 4},
	)
	data = append(data, byte(codec.TagTraceEnd), 0x80)

	n, err := f.coll.HandleTraceData(f.sess, "t5", 0, data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecode))
	assert.Equal(t, 1, n)

	all := f.all(t)
	require.Len(t, all, 1)
	assert.Equal(t, "execute", all[0].Method)
}

func TestHandleTraceData_ExceptionRef(t *testing.T) {
	f := newFixture(t)

	exc := codec.Exception{
		ClassID:   47,
		MessageID: 48,
		Frames:    []codec.StackFrame{{ClassID: 42, MethodID: 43, Line: 12}},
		ID:        1,
	}
	_, err := f.coll.HandleTraceData(f.sess, "t6", 0, encode(t,
		codec.TraceStart{Timestamp: 0, MethodID: 12},
		codec.TraceStart{Timestamp: 1, MethodID: 11},
		exc,
		codec.TraceEnd{Timestamp: 2, Errors: 1},
		codec.ExceptionRef{ID: 1},
		codec.TraceEnd{Timestamp: 3, Errors: 1},
	))
	require.NoError(t, err)

	all := f.all(t)
	require.Len(t, all, 2)
	for _, c := range all {
		require.NotNil(t, c.Exception, "chunk %d", c.Seq)
		assert.Equal(t, "java.sql.SQLException", c.Exception.Class)
		assert.Equal(t, "timeout", c.Exception.Message)
		assert.True(t, c.HasError())
	}
}

func TestHandleTraceData_UnknownMethodUsesPlaceholder(t *testing.T) {
	f := newFixture(t)

	_, err := f.coll.HandleTraceData(f.sess, "t7", 0, encode(t,
		codec.TraceStart{Timestamp: 0, MethodID: 99},
		codec.TraceEnd{Timestamp: 1},
	))
	require.NoError(t, err)

	c, err := f.store.Get(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), c.MethodID)
	assert.Equal(t, symbol.Placeholder(0), c.Method)
}

func TestHandleAgentData_Truncated(t *testing.T) {
	f := newFixture(t)

	data := encode(t, codec.StringRef{ID: 60, Text: "fresh"})
	data = append(data, byte(codec.TagStringRef), 61, 10, 'a')

	err := f.coll.HandleAgentData(f.sess, false, data)
	require.ErrorIs(t, err, ErrDecode)

	gid := f.sess.Mapper().Symbol(60)
	require.NotZero(t, gid)
	name, ok := f.reg.Name(gid)
	assert.True(t, ok)
	assert.Equal(t, "fresh", name)
}

func TestHandleSymbol(t *testing.T) {
	f := newFixture(t)

	gid := f.coll.HandleSymbol(f.sess, 70, "single")
	assert.Equal(t, gid, f.sess.Mapper().Symbol(70))
	// the same name from another local id resolves to the same global id
	assert.Equal(t, gid, f.coll.HandleSymbol(f.sess, 71, "single"))
}
