package symbol

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_InternIsSequentialAndStable(t *testing.T) {
	r := NewRegistry(nil)

	a := r.Intern("component")
	b := r.Intern("db")
	require.Equal(t, uint32(1), a)
	require.Equal(t, uint32(2), b)
	require.Equal(t, a, r.Intern("component"))
	require.Equal(t, "db", r.Lookup(b))
}

func TestRegistry_UnknownIDYieldsPlaceholder(t *testing.T) {
	r := NewRegistry(nil)

	_, ok := r.Name(0)
	require.False(t, ok)
	require.Equal(t, "<sym:0>", r.Lookup(0))
	require.Equal(t, "<sym:77>", r.Lookup(77))
}

func TestRegistry_PutConflictLastWriteWins(t *testing.T) {
	r := NewRegistry(nil)
	id := r.Intern("old")

	r.Put(id, "new")
	require.Equal(t, "new", r.Lookup(id))
	require.Equal(t, id, r.Intern("new"))

	// "old" no longer maps to id, so it gets a fresh one.
	require.NotEqual(t, id, r.Intern("old"))
}

func TestRegistry_PutAdvancesNextID(t *testing.T) {
	r := NewRegistry(nil)
	r.Put(10, "ten")
	require.Equal(t, uint32(11), r.Intern("eleven"))
}

func TestRegistry_ConcurrentIntern(t *testing.T) {
	r := NewRegistry(nil)

	var wg sync.WaitGroup
	ids := make([][]uint32, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				ids[g] = append(ids[g], r.Intern(fmt.Sprintf("sym-%d", i)))
			}
		}(g)
	}
	wg.Wait()

	for g := 1; g < 8; g++ {
		require.Equal(t, ids[0], ids[g])
	}
	syms, _ := r.Size()
	require.Equal(t, 100, syms)
}

func TestRegistry_Methods(t *testing.T) {
	r := NewRegistry(nil)
	m := Method{ClassID: r.Intern("my.Class"), MethodID: r.Intern("run"), SignatureID: r.Intern("()V")}

	id := r.InternMethod(m)
	require.Equal(t, id, r.InternMethod(m))
	got, ok := r.Method(id)
	require.True(t, ok)
	require.Equal(t, m, got)
	require.Equal(t, "my.Class.run()", r.MethodName(id))
	require.Equal(t, "<sym:99>()", r.MethodName(99))
}

func TestMapper_HitsAndMisses(t *testing.T) {
	r := NewRegistry(nil)
	m := NewMapper(r, nil)

	out := m.MapSymbols(map[uint32]string{41: "component"})
	require.Equal(t, r.Intern("component"), out[41])
	hits, misses := m.Stats()
	require.Equal(t, uint64(0), hits)
	require.Equal(t, uint64(1), misses)

	// Same batch again: all cache hits, same global ids.
	again := m.MapSymbols(map[uint32]string{41: "component"})
	require.Equal(t, out, again)
	hits, misses = m.Stats()
	require.Equal(t, uint64(1), hits)
	require.Equal(t, uint64(1), misses)
}

func TestMapper_DuplicateNamesInBatch(t *testing.T) {
	r := NewRegistry(nil)
	m := NewMapper(r, nil)

	out := m.MapSymbols(map[uint32]string{5: "same", 6: "same"})
	require.Equal(t, out[5], out[6])
}

func TestMapper_Methods(t *testing.T) {
	r := NewRegistry(nil)
	m := NewMapper(r, nil)
	m.MapSymbols(map[uint32]string{42: "mydb.PStatement", 43: "execute", 44: "V()"})

	gid := m.MapMethod(11, Method{ClassID: 42, MethodID: 43, SignatureID: 44})
	require.Equal(t, gid, m.MethodID(11))
	require.Equal(t, "mydb.PStatement.execute()", r.MethodName(gid))
	require.Equal(t, uint32(0), m.MethodID(12))
}

func TestMapper_IndependentSessionsShareRegistry(t *testing.T) {
	r := NewRegistry(nil)
	a := NewMapper(r, nil)
	b := NewMapper(r, nil)

	ga := a.MapSymbol(1, "shared")
	gb := b.MapSymbol(900, "shared")
	require.Equal(t, ga, gb)
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "symbols.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Initialize())

	r := NewRegistry(nil)
	r.SetPersister(store)
	a := r.Intern("alpha")
	b := r.Intern("beta")
	mid := r.InternMethod(Method{ClassID: a, MethodID: b})
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Initialize())

	restored := NewRegistry(nil)
	syms, methods, err := store.Load(restored)
	require.NoError(t, err)
	require.Equal(t, 2, syms)
	require.Equal(t, 1, methods)
	require.Equal(t, "alpha", restored.Lookup(a))
	require.Equal(t, b, restored.Intern("beta"))
	require.Equal(t, "alpha.beta()", restored.MethodName(mid))
	require.Equal(t, uint32(3), restored.Intern("gamma"))
}
