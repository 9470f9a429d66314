package ragz

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"log/slog"
	"os"
	"sync"

	"github.com/klauspost/compress/flate"
)

// Writer appends data to a RAGZ file. Only one Writer may own a file at a
// time; any number of Readers may read it concurrently.
type Writer struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	segSize int64

	fw       *flate.Writer
	crc      hash.Hash32
	segStart int64
	segLen   int64
	pos      int64
	logical  int64
	closed   bool

	logger *slog.Logger
}

// fileSink feeds the deflate stream into the file at the writer's physical
// end offset.
type fileSink struct{ w *Writer }

func (s fileSink) Write(p []byte) (int, error) {
	n, err := s.w.f.WriteAt(p, s.w.pos)
	s.w.pos += int64(n)
	return n, err
}

// Open opens or creates a RAGZ file for appending. segSize <= 0 selects
// DefaultSegmentSize. An existing file is scanned and its last segment
// recovered: an empty one is reused in place, anything else is finished
// and a fresh segment is started after it.
func Open(path string, segSize int64, logger *slog.Logger) (*Writer, error) {
	if segSize <= 0 {
		segSize = DefaultSegmentSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	w := &Writer{
		f:       f,
		path:    path,
		segSize: segSize,
		crc:     crc32.NewIEEE(),
		logger:  logger.With("component", "ragz.Writer", "path", path),
	}
	fw, err := flate.NewWriter(fileSink{w}, flate.DefaultCompression)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create deflate stream: %w", err)
	}
	w.fw = fw

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if fi.Size() == 0 {
		err = w.startSegment()
	} else {
		err = w.recover(fi.Size())
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) recover(size int64) error {
	segs, err := Scan(w.f, size, 0, 0)
	if errors.Is(err, errShortHeader) {
		// A header write was cut short; drop the partial header.
		end := int64(0)
		if len(segs) > 0 {
			last := segs[len(segs)-1]
			end = last.PhysicalPos + last.PhysicalLen + trailerLen
		}
		w.logger.Warn("dropping partial segment header", "offset", end)
		if err := w.f.Truncate(end); err != nil {
			return fmt.Errorf("failed to truncate %s: %w", w.path, err)
		}
		if end == 0 {
			w.pos = 0
			return w.startSegment()
		}
		return w.recover(end)
	}
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return fmt.Errorf("%w: no segments in %s", ErrCorrupt, w.path)
	}
	last := segs[len(segs)-1]

	if !last.Finished && last.PhysicalLen < 3 {
		if err := w.f.Truncate(last.PhysicalPos); err != nil {
			return fmt.Errorf("failed to truncate %s: %w", w.path, err)
		}
		w.segStart = last.Start()
		w.pos = last.PhysicalPos
		w.logical = last.LogicalPos
		w.segLen = 0
		w.crc.Reset()
		w.fw.Reset(fileSink{w})
		w.logger.Debug("reusing empty segment", "offset", w.segStart)
		return nil
	}

	data, err := Unpack(w.f, last)
	if err != nil {
		return err
	}
	w.logical = last.LogicalPos + int64(len(data))

	if last.Finished {
		w.pos = last.PhysicalPos + last.PhysicalLen + trailerLen
	} else {
		// Re-deflate whatever survived and close the segment properly.
		if err := w.f.Truncate(last.PhysicalPos); err != nil {
			return fmt.Errorf("failed to truncate %s: %w", w.path, err)
		}
		w.segStart = last.Start()
		w.pos = last.PhysicalPos
		w.crc.Reset()
		w.fw.Reset(fileSink{w})
		if _, err := w.fw.Write(data); err != nil {
			return fmt.Errorf("failed to rewrite open segment: %w", err)
		}
		w.crc.Write(data)
		w.segLen = int64(len(data))
		if err := w.finishSegment(); err != nil {
			return err
		}
		w.logger.Info("finished interrupted segment", "offset", w.segStart, "bytes", len(data))
	}
	return w.startSegment()
}

func (w *Writer) startSegment() error {
	hdr := make([]byte, headerLen)
	copy(hdr, header)
	if _, err := w.f.WriteAt(hdr, w.pos); err != nil {
		return fmt.Errorf("failed to write segment header: %w", err)
	}
	w.segStart = w.pos
	w.pos += headerLen
	w.segLen = 0
	w.crc.Reset()
	w.fw.Reset(fileSink{w})
	return nil
}

func (w *Writer) finishSegment() error {
	if err := w.fw.Close(); err != nil {
		return fmt.Errorf("failed to close deflate stream: %w", err)
	}
	trailer := make([]byte, trailerLen)
	binary.BigEndian.PutUint32(trailer, w.crc.Sum32())
	binary.BigEndian.PutUint32(trailer[4:], uint32(w.segLen))
	if _, err := (fileSink{w}).Write(trailer); err != nil {
		return fmt.Errorf("failed to write segment trailer: %w", err)
	}
	clen := make([]byte, 4)
	binary.BigEndian.PutUint32(clen, uint32(w.pos-w.segStart-headerLen-trailerLen))
	if _, err := w.f.WriteAt(clen, w.segStart+lengthOff); err != nil {
		return fmt.Errorf("failed to patch segment length: %w", err)
	}
	return nil
}

// Write appends p, rolling over to a new segment whenever the current one
// reaches the segment size.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, os.ErrClosed
	}

	written := 0
	for len(p) > 0 {
		if w.segLen >= w.segSize {
			if err := w.finishSegment(); err != nil {
				return written, err
			}
			if err := w.startSegment(); err != nil {
				return written, err
			}
		}
		n := int(min(w.segSize-w.segLen, int64(len(p))))
		m, err := w.fw.Write(p[:n])
		w.crc.Write(p[:m])
		w.segLen += int64(m)
		w.logical += int64(m)
		written += m
		if err != nil {
			return written, fmt.Errorf("failed to compress: %w", err)
		}
		p = p[n:]
	}
	return written, nil
}

// Flush sync-flushes the deflate stream so everything written so far can be
// read back.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	return w.fw.Flush()
}

// Sync flushes and fsyncs the file.
func (w *Writer) Sync() error {
	if err := w.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

// Length returns the logical (uncompressed) length of the log.
func (w *Writer) Length() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.logical
}

// Path returns the file path.
func (w *Writer) Path() string {
	return w.path
}

// Close finishes the current segment if it holds data and closes the file.
// An empty current segment is left in place and reused on the next Open.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var err error
	if w.segLen > 0 {
		err = w.finishSegment()
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}
