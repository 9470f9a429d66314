// Package zico implements the framed TCP protocol agents use to deliver
// symbols and trace data to the collector.
//
// A frame is the magic 21 C0 BA BE followed by a big-endian header (type
// u16, payload length u32, CRC32 of the payload u32) and the payload.
package zico

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Magic starts every frame.
var Magic = [4]byte{0x21, 0xC0, 0xBA, 0xBE}

const headerLen = 10

// DefaultMaxFrameSize bounds payloads when the caller does not.
const DefaultMaxFrameSize = 16 << 20

// Type identifies a frame.
type Type uint16

// Status frames. Values below 0x10 match the legacy agent protocol.
const (
	TypeOK          Type = 0x0000
	TypeTraceData   Type = 0x0001
	TypeFormatError Type = 0x0002
	TypeCRCError    Type = 0x0003
	TypePing        Type = 0x0004
	TypePong        Type = 0x0005
	TypeAuthError   Type = 0x0006
	TypeBadRequest  Type = 0x0007

	TypeHello     Type = 0x0010
	TypeSymbol    Type = 0x0011
	TypeAgentData Type = 0x0012
)

func (t Type) String() string {
	switch t {
	case TypeOK:
		return "ok"
	case TypeTraceData:
		return "trace_data"
	case TypeFormatError:
		return "format_error"
	case TypeCRCError:
		return "crc_error"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	case TypeAuthError:
		return "auth_error"
	case TypeBadRequest:
		return "bad_request"
	case TypeHello:
		return "hello"
	case TypeSymbol:
		return "symbol"
	case TypeAgentData:
		return "agent_data"
	default:
		return fmt.Sprintf("type_%04x", uint16(t))
	}
}

var (
	ErrBadMagic      = errors.New("bad frame magic")
	ErrChecksum      = errors.New("frame checksum mismatch")
	ErrFrameTooLarge = errors.New("frame too large")
)

// Frame is one protocol message.
type Frame struct {
	Type    Type
	Payload []byte
}

// SeekSignature consumes bytes until the full magic has been read, leaving
// r positioned right after it. Garbage and partial magic prefixes before it
// are skipped.
func SeekSignature(r io.ByteReader) error {
	var win [4]byte
	for i := range win {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		win[i] = b
	}
	for win != Magic {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		copy(win[:], win[1:])
		win[3] = b
	}
	return nil
}

// ReadFrame reads the next frame after resynchronizing on the magic. A
// payload whose checksum does not match is consumed and reported with
// ErrChecksum, so the stream stays aligned.
func ReadFrame(r *bufio.Reader, maxLen int) (Frame, error) {
	if maxLen <= 0 {
		maxLen = DefaultMaxFrameSize
	}
	if err := SeekSignature(r); err != nil {
		return Frame{}, err
	}
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, fmt.Errorf("failed to read frame header: %w", err)
	}
	f := Frame{Type: Type(binary.BigEndian.Uint16(hdr[0:2]))}
	n := binary.BigEndian.Uint32(hdr[2:6])
	sum := binary.BigEndian.Uint32(hdr[6:10])

	if uint64(n) > uint64(maxLen) {
		return f, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, n, maxLen)
	}
	f.Payload = make([]byte, n)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return f, fmt.Errorf("failed to read frame payload: %w", err)
	}
	if crc32.ChecksumIEEE(f.Payload) != sum {
		return f, ErrChecksum
	}
	return f, nil
}

// WriteFrame writes one frame.
func WriteFrame(w io.Writer, typ Type, payload []byte) error {
	buf := make([]byte, 0, len(Magic)+headerLen+len(payload))
	buf = append(buf, Magic[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(typ))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(payload))
	buf = append(buf, payload...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", typ, err)
	}
	return nil
}
