// Package ragz implements a segmented, random-access compressed log.
//
// A RAGZ file is a sequence of gzip members. Each member carries an "RG"
// extra subfield holding its compressed length, which lets readers hop from
// segment to segment and decompress only the one they need. The last
// segment may be unfinished: its deflate stream is sync-flushed but not
// closed and it has neither trailer nor recorded length.
package ragz

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/flate"
)

const (
	// DefaultSegmentSize is the uncompressed size at which a segment is finished.
	DefaultSegmentSize = 1 << 20

	headerLen  = 20
	trailerLen = 8
	lengthOff  = 16
)

var (
	// ErrCorrupt reports a file that does not follow the segment layout.
	ErrCorrupt = errors.New("corrupt ragz file")
	// ErrChecksum reports a finished segment whose trailer CRC does not match.
	ErrChecksum = errors.New("ragz segment checksum mismatch")

	errShortHeader = fmt.Errorf("%w: short segment header", ErrCorrupt)
)

// header is the fixed gzip member header: magic, CM=deflate, FLG=FEXTRA,
// zero mtime, XFL=0, OS=unix, XLEN=8, subfield "RG" of length 4.
var header = []byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0x03,
	0x08, 0x00, 'R', 'G', 0x04, 0x00,
}

// Segment locates one gzip member.
type Segment struct {
	// PhysicalPos is the file offset of the compressed data (past the header).
	PhysicalPos int64
	PhysicalLen int64
	LogicalPos  int64
	LogicalLen  int64
	Finished    bool
}

// Start returns the file offset of the segment header.
func (s Segment) Start() int64 {
	return s.PhysicalPos - headerLen
}

func (s Segment) String() string {
	state := "finished"
	if !s.Finished {
		state = "open"
	}
	return fmt.Sprintf("segment phys=%d+%d log=%d+%d %s", s.PhysicalPos, s.PhysicalLen, s.LogicalPos, s.LogicalLen, state)
}

// Scan walks segment headers starting at file offset fromPhysical, which
// must be a segment boundary, assigning logical offsets from fromLogical.
// The length of an unfinished segment's content is unknown and reported as 0.
func Scan(r io.ReaderAt, size, fromLogical, fromPhysical int64) ([]Segment, error) {
	var segs []Segment
	lpos, pos := fromLogical, fromPhysical
	hdr := make([]byte, headerLen)
	for pos < size {
		if size-pos < headerLen {
			return segs, fmt.Errorf("%w at %d", errShortHeader, pos)
		}
		if _, err := r.ReadAt(hdr, pos); err != nil {
			return segs, fmt.Errorf("failed to read segment header at %d: %w", pos, err)
		}
		if hdr[0] != 0x1f || hdr[1] != 0x8b {
			return segs, fmt.Errorf("%w: bad magic at %d", ErrCorrupt, pos)
		}
		if hdr[12] != 'R' || hdr[13] != 'G' {
			return segs, fmt.Errorf("%w: missing RG marker at %d", ErrCorrupt, pos)
		}
		clen := int64(binary.BigEndian.Uint32(hdr[lengthOff:]))
		cpos := pos + headerLen

		if clen != 0 && cpos+clen+trailerLen <= size {
			trailer := make([]byte, trailerLen)
			if _, err := r.ReadAt(trailer, cpos+clen); err != nil {
				return segs, fmt.Errorf("failed to read segment trailer at %d: %w", cpos+clen, err)
			}
			llen := int64(binary.BigEndian.Uint32(trailer[4:]))
			segs = append(segs, Segment{PhysicalPos: cpos, PhysicalLen: clen, LogicalPos: lpos, LogicalLen: llen, Finished: true})
			lpos += llen
			pos = cpos + clen + trailerLen
			continue
		}

		segs = append(segs, Segment{PhysicalPos: cpos, PhysicalLen: size - cpos, LogicalPos: lpos})
		break
	}
	return segs, nil
}

const (
	preallocRatio = 16
	maxPrealloc   = 16 << 20
)

// preallocSize bounds the buffer reserved for a segment's content. The
// trailer length is read before the CRC can vouch for it.
func preallocSize(seg Segment) int {
	n := min(seg.LogicalLen, seg.PhysicalLen*preallocRatio, maxPrealloc)
	return int(max(n, 0))
}

// Unpack decompresses one segment. The output grows past LogicalLen when
// the recorded length undercounts. An unfinished segment decodes up to its
// last sync flush; a finished one has its trailer CRC checked.
func Unpack(r io.ReaderAt, seg Segment) ([]byte, error) {
	src := io.NewSectionReader(r, seg.PhysicalPos, seg.PhysicalLen)
	fr := flate.NewReader(src)
	defer fr.Close()

	var buf bytes.Buffer
	buf.Grow(preallocSize(seg))
	_, err := io.Copy(&buf, fr)
	if err != nil && !(errors.Is(err, io.ErrUnexpectedEOF) && !seg.Finished) {
		return nil, fmt.Errorf("failed to inflate %s: %w", seg, err)
	}

	if seg.Finished {
		trailer := make([]byte, trailerLen)
		if _, err := r.ReadAt(trailer, seg.PhysicalPos+seg.PhysicalLen); err != nil {
			return nil, fmt.Errorf("failed to read trailer of %s: %w", seg, err)
		}
		if crc32.ChecksumIEEE(buf.Bytes()) != binary.BigEndian.Uint32(trailer) {
			return nil, fmt.Errorf("%w: %s", ErrChecksum, seg)
		}
	}
	return buf.Bytes(), nil
}
