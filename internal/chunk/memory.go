package chunk

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// snapshot is an append-only view of the stored chunks. Elements below
// len are never modified once published, so readers need no lock.
type snapshot struct {
	chunks []*Chunk
}

// MemoryStore keeps every chunk in memory.
type MemoryStore struct {
	mu     sync.Mutex
	snap   atomic.Pointer[snapshot]
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.snap.Store(&snapshot{})
	return s
}

func (s *MemoryStore) Append(c *Chunk) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("%w: store closed", ErrStorage)
	}
	cur := s.snap.Load().chunks
	c.Seq = uint64(len(cur))
	s.snap.Store(&snapshot{chunks: append(cur, c)})
	return c.Seq, nil
}

func (s *MemoryStore) Get(seq uint64) (*Chunk, error) {
	cur := s.snap.Load().chunks
	if seq >= uint64(len(cur)) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, seq)
	}
	return cur[seq], nil
}

func (s *MemoryStore) Length() int {
	return len(s.snap.Load().chunks)
}

func (s *MemoryStore) Search(q Query) ([]*Chunk, error) {
	return q.apply(s.snap.Load().chunks), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
