package ragz

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

// Reader gives random access to the uncompressed content of a RAGZ file.
// It tolerates a writer appending to the same file and picks up new data
// on demand.
type Reader struct {
	mu   sync.Mutex
	f    *os.File
	segs []Segment

	cacheIdx  int
	cacheData []byte
}

// OpenReader opens path for reading.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	r := &Reader{f: f, cacheIdx: -1}
	if err := r.refresh(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// refresh rescans from the last known segment. Callers hold r.mu.
func (r *Reader) refresh() error {
	fi, err := r.f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat ragz file: %w", err)
	}
	size := fi.Size()

	var lpos, ppos int64
	keep := len(r.segs)
	if keep > 0 {
		last := r.segs[keep-1]
		if last.Finished {
			lpos = last.LogicalPos + last.LogicalLen
			ppos = last.PhysicalPos + last.PhysicalLen + trailerLen
		} else {
			keep--
			lpos = last.LogicalPos
			ppos = last.Start()
		}
	}
	more, err := Scan(r.f, size, lpos, ppos)
	if err != nil {
		return err
	}
	r.segs = append(r.segs[:keep], more...)
	if r.cacheIdx >= keep {
		r.cacheIdx = -1
		r.cacheData = nil
	}

	if n := len(r.segs); n > 0 && !r.segs[n-1].Finished {
		data, err := Unpack(r.f, r.segs[n-1])
		if err != nil {
			return err
		}
		r.segs[n-1].LogicalLen = int64(len(data))
		r.cacheIdx, r.cacheData = n-1, data
	}
	return nil
}

func (r *Reader) end() int64 {
	if len(r.segs) == 0 {
		return 0
	}
	last := r.segs[len(r.segs)-1]
	return last.LogicalPos + last.LogicalLen
}

// Length returns the current logical length, rescanning the file tail.
func (r *Reader) Length() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refresh(); err != nil {
		return 0, err
	}
	return r.end(), nil
}

// Segments returns a copy of the known segment table.
func (r *Reader) Segments() []Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Segment, len(r.segs))
	copy(out, r.segs)
	return out
}

func (r *Reader) segment(i int) ([]byte, error) {
	if i == r.cacheIdx {
		return r.cacheData, nil
	}
	data, err := Unpack(r.f, r.segs[i])
	if err != nil {
		return nil, err
	}
	r.cacheIdx, r.cacheData = i, data
	return data, nil
}

// ReadAt reads len(p) bytes starting at logical offset off.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if off+int64(len(p)) > r.end() {
		if err := r.refresh(); err != nil {
			return 0, err
		}
	}

	n := 0
	for n < len(p) {
		pos := off + int64(n)
		i := sort.Search(len(r.segs), func(i int) bool {
			s := r.segs[i]
			return s.LogicalPos+s.LogicalLen > pos
		})
		if i == len(r.segs) {
			return n, io.EOF
		}
		data, err := r.segment(i)
		if err != nil {
			return n, err
		}
		rel := pos - r.segs[i].LogicalPos
		if rel >= int64(len(data)) {
			return n, io.EOF
		}
		n += copy(p[n:], data[rel:])
	}
	return n, nil
}

// Close releases the file handle.
func (r *Reader) Close() error {
	return r.f.Close()
}
