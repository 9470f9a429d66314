package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/zicotrace/zico/internal/ragz"
)

const (
	maxRecordSize = 64 << 20
	maxVarintLen  = 10
	crcLen        = 4
)

var errRecordChecksum = errors.New("record checksum mismatch")

// frameRecord prefixes rec with its CRC32. The length prefix written in
// front of the frame covers both.
func frameRecord(rec []byte) []byte {
	b := binary.BigEndian.AppendUint32(make([]byte, 0, crcLen+len(rec)), crc32.ChecksumIEEE(rec))
	return append(b, rec...)
}

// unframeRecord verifies and strips the checksum written by frameRecord.
// An empty record never occurs, so a frame without payload is rejected.
func unframeRecord(body []byte) ([]byte, error) {
	if len(body) <= crcLen {
		return nil, fmt.Errorf("record of %d bytes too short", len(body))
	}
	rec := body[crcLen:]
	if binary.BigEndian.Uint32(body) != crc32.ChecksumIEEE(rec) {
		return nil, errRecordChecksum
	}
	return rec, nil
}

// tombstone returns n bytes that never pass unframeRecord.
func tombstone(n int) []byte {
	b := make([]byte, n)
	if n > crcLen {
		binary.BigEndian.PutUint32(b, ^crc32.ChecksumIEEE(b[crcLen:]))
	}
	return b
}

// entry locates a record body in the log.
type entry struct {
	hdr *Chunk
	off int64
	n   int
}

type logSnapshot struct {
	entries []entry
}

// LogStore persists chunks as length-prefixed records in a RAGZ log. Chunk
// metadata is indexed in memory; payloads are read back from the log.
type LogStore struct {
	path    string
	segSize int64

	mu  sync.Mutex // serializes writers
	end int64      // logical offset just past the last good record

	ioMu sync.RWMutex // guards w and r against reopen
	w    *ragz.Writer
	r    *ragz.Reader

	snap    atomic.Pointer[logSnapshot]
	retries atomic.Uint64
	closed  bool
	logger  *slog.Logger
}

// OpenLogStore opens or creates the chunk log at path and rebuilds the
// index from its content.
func OpenLogStore(path string, segSize int64, logger *slog.Logger) (*LogStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &LogStore{
		path:    path,
		segSize: segSize,
		logger:  logger.With("component", "chunk.LogStore"),
	}
	s.snap.Store(&logSnapshot{})
	if err := s.open(); err != nil {
		return nil, err
	}
	if err := s.replay(); err != nil {
		s.closeFiles()
		return nil, err
	}
	s.logger.Info("chunk log opened", "path", path, "chunks", s.Length(), "bytes", s.end)
	return s, nil
}

func (s *LogStore) open() error {
	w, err := ragz.Open(s.path, s.segSize, s.logger)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	r, err := ragz.OpenReader(s.path)
	if err != nil {
		w.Close()
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	s.w, s.r = w, r
	return nil
}

func (s *LogStore) closeFiles() error {
	var err error
	if s.w != nil {
		err = s.w.Close()
	}
	if s.r != nil {
		if rerr := s.r.Close(); err == nil {
			err = rerr
		}
	}
	return err
}

// reopen drops both file handles and opens fresh ones.
func (s *LogStore) reopen() error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	s.closeFiles()
	s.w, s.r = nil, nil
	if err := s.open(); err != nil {
		return err
	}
	return s.repairTail()
}

// readPrefix reads the varint length prefix at off. A prefix cut short by
// the end of the log yields io.ErrUnexpectedEOF together with the bytes
// that are present.
func (s *LogStore) readPrefix(off, length int64) (uint64, int, []byte, error) {
	buf := make([]byte, min(int64(maxVarintLen), length-off))
	if _, err := s.r.ReadAt(buf, off); err != nil {
		return 0, 0, nil, err
	}
	v, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		if len(buf) < maxVarintLen {
			return 0, 0, buf, io.ErrUnexpectedEOF
		}
		return 0, 0, nil, protowire.ParseError(n)
	}
	return v, n, nil, nil
}

func (s *LogStore) replay() error {
	length, err := s.r.Length()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var entries []entry
	var off int64
	for off < length {
		size, n, _, err := s.readPrefix(off, length)
		if errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: record prefix at %d: %v", ErrStorage, off, err)
		}
		if size > maxRecordSize {
			return fmt.Errorf("%w: record at %d claims %d bytes", ErrStorage, off, size)
		}
		body := off + int64(n)
		if body+int64(size) > length {
			break
		}
		buf := make([]byte, size)
		if _, err := s.r.ReadAt(buf, body); err != nil {
			return fmt.Errorf("%w: record at %d: %v", ErrStorage, off, err)
		}
		off = body + int64(size)

		rec, err := unframeRecord(buf)
		if err != nil {
			s.logger.Warn("skipping unreadable chunk record", "offset", body, "error", err)
			continue
		}
		c, err := decodeRecord(rec)
		if err != nil {
			s.logger.Warn("skipping unreadable chunk record", "offset", body, "error", err)
			continue
		}
		if c.Seq != uint64(len(entries)) {
			s.logger.Warn("skipping out of order chunk record", "offset", body, "seq", c.Seq, "want", len(entries))
			continue
		}
		entries = append(entries, entry{hdr: c.header(), off: body, n: int(size)})
	}
	s.end = off
	s.snap.Store(&logSnapshot{entries: entries})
	return s.repairTail()
}

// repairTail pads a torn final record so that later appends stay aligned
// on record boundaries. The padded record fails its checksum and is skipped
// by the next replay.
func (s *LogStore) repairTail() error {
	length := s.w.Length()
	if length == s.end {
		return nil
	}
	size, n, partial, err := s.readPrefix(s.end, length)
	var pad []byte
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		// terminate the varint, then fill the declared body with a tombstone
		v, m := protowire.ConsumeVarint(append(partial, 0))
		if m < 0 {
			return fmt.Errorf("%w: unrecoverable record prefix at %d", ErrStorage, s.end)
		}
		size, n = v, m
		if size > maxRecordSize {
			return fmt.Errorf("%w: torn record at %d claims %d bytes", ErrStorage, s.end, size)
		}
		pad = append([]byte{0}, tombstone(int(size))...)
	case err != nil:
		return fmt.Errorf("%w: record prefix at %d: %v", ErrStorage, s.end, err)
	default:
		if size > maxRecordSize {
			return fmt.Errorf("%w: torn record at %d claims %d bytes", ErrStorage, s.end, size)
		}
		missing := s.end + int64(n) + int64(size) - length
		if missing > 0 {
			pad = make([]byte, missing)
		}
	}
	if len(pad) > 0 {
		s.logger.Warn("padding torn chunk record", "offset", s.end, "pad", len(pad))
		if _, err := s.w.Write(pad); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if err := s.w.Flush(); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	s.end = s.w.Length()
	return nil
}

// writeRecord appends a framed record and returns the offset of its body.
func (s *LogStore) writeRecord(frame []byte) (int64, error) {
	s.ioMu.RLock()
	defer s.ioMu.RUnlock()
	buf := protowire.AppendVarint(make([]byte, 0, len(frame)+maxVarintLen), uint64(len(frame)))
	body := s.end + int64(len(buf))
	buf = append(buf, frame...)
	if _, err := s.w.Write(buf); err != nil {
		return 0, err
	}
	if err := s.w.Flush(); err != nil {
		return 0, err
	}
	return body, nil
}

func (s *LogStore) Append(c *Chunk) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("%w: store closed", ErrStorage)
	}

	cur := s.snap.Load().entries
	c.Seq = uint64(len(cur))
	rec := frameRecord(encodeRecord(c))

	body, err := s.writeRecord(rec)
	if err != nil {
		s.retries.Add(1)
		s.logger.Warn("chunk write failed, reopening log", "seq", c.Seq, "error", err)
		if rerr := s.reopen(); rerr != nil {
			return 0, fmt.Errorf("failed to reopen chunk log: %w", rerr)
		}
		if body, err = s.writeRecord(rec); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	s.end = body + int64(len(rec))

	s.snap.Store(&logSnapshot{entries: append(cur, entry{hdr: c.header(), off: body, n: len(rec)})})
	return c.Seq, nil
}

func (s *LogStore) readBody(e entry) (*Chunk, error) {
	read := func() ([]byte, error) {
		s.ioMu.RLock()
		defer s.ioMu.RUnlock()
		buf := make([]byte, e.n)
		_, err := s.r.ReadAt(buf, e.off)
		return buf, err
	}
	buf, err := read()
	if err != nil {
		s.retries.Add(1)
		s.logger.Warn("chunk read failed, reopening log", "seq", e.hdr.Seq, "error", err)
		s.mu.Lock()
		var rerr error
		if s.closed {
			rerr = fmt.Errorf("%w: store closed", ErrStorage)
		} else {
			rerr = s.reopen()
		}
		s.mu.Unlock()
		if rerr != nil {
			return nil, fmt.Errorf("failed to reopen chunk log: %w", rerr)
		}
		if buf, err = read(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	rec, err := unframeRecord(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk %d: %v", ErrStorage, e.hdr.Seq, err)
	}
	c, err := decodeRecord(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk %d: %v", ErrStorage, e.hdr.Seq, err)
	}
	return c, nil
}

func (s *LogStore) Get(seq uint64) (*Chunk, error) {
	cur := s.snap.Load().entries
	if seq >= uint64(len(cur)) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, seq)
	}
	return s.readBody(cur[seq])
}

func (s *LogStore) Length() int {
	return len(s.snap.Load().entries)
}

func (s *LogStore) Search(q Query) ([]*Chunk, error) {
	cur := s.snap.Load().entries
	hdrs := make([]*Chunk, len(cur))
	for i, e := range cur {
		hdrs[i] = e.hdr
	}
	page := q.apply(hdrs)
	out := make([]*Chunk, len(page))
	for i, h := range page {
		c, err := s.readBody(cur[h.Seq])
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// Retries returns how many I/O failures triggered a reopen.
func (s *LogStore) Retries() uint64 {
	return s.retries.Load()
}

func (s *LogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return s.closeFiles()
}
