// Package chunk stores trace chunks and answers searches over them.
package chunk

import "errors"

var (
	// ErrNotFound is returned by Get for a sequence number never assigned.
	ErrNotFound = errors.New("chunk not found")
	// ErrStorage wraps I/O failures of a persistent store.
	ErrStorage = errors.New("chunk storage failure")
)

// Store defines the interface for chunk persistence backends.
type Store interface {
	// Append stores c, assigns its sequence number and returns it.
	Append(c *Chunk) (uint64, error)

	// Get returns the chunk with the given sequence number.
	Get(seq uint64) (*Chunk, error)

	// Length returns the number of stored chunks.
	Length() int

	// Search returns the chunks selected by q.
	Search(q Query) ([]*Chunk, error)

	// Close cleanly shuts down the store.
	Close() error
}
