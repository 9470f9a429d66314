package codec

import (
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrMalformed reports input that cannot be a valid record stream.
	ErrMalformed = errors.New("malformed record")
	// ErrTruncated reports input that ends in the middle of a record.
	ErrTruncated = errors.New("truncated record")
)

// DecodeError carries the offset just past the last well-formed record.
type DecodeError struct {
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode failed after offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Reader decodes records one at a time from a byte slice.
type Reader struct {
	data []byte
	off  int
}

// NewReader returns a reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Offset returns the position just past the last record returned.
func (r *Reader) Offset() int {
	return r.off
}

// Next decodes the next record. It returns io.EOF once the input is
// exhausted and a *DecodeError for malformed or truncated input.
func (r *Reader) Next() (Record, error) {
	tag, v, err := r.NextValues()
	if err != nil {
		return nil, err
	}
	return record(tag, v), nil
}

// NextValues decodes the next record as raw field values.
func (r *Reader) NextValues() (Tag, []Value, error) {
	if r.off >= len(r.data) {
		return 0, nil, io.EOF
	}
	b := r.data[r.off:]
	tag := Tag(b[0])
	fields, ok := Schema[tag]
	if !ok {
		return 0, nil, &DecodeError{Offset: r.off, Err: fmt.Errorf("%w: unknown tag 0x%02x", ErrMalformed, b[0])}
	}
	v, n, err := consumeValues(b[1:], fields)
	if err != nil {
		return 0, nil, &DecodeError{Offset: r.off, Err: fmt.Errorf("%s: %w", tag, err)}
	}
	r.off += 1 + n
	return tag, v, nil
}

func consumeValues(b []byte, fields []Field) ([]Value, int, error) {
	v := make([]Value, len(fields))
	pos := 0
	for i, f := range fields {
		v[i].Kind = f.Kind
		switch f.Kind {
		case KindInt, KindSymbol, KindMethod:
			x, n := protowire.ConsumeVarint(b[pos:])
			if n < 0 {
				return nil, 0, parseErr(n)
			}
			if f.Kind != KindInt && x > math.MaxUint32 {
				return nil, 0, fmt.Errorf("%w: %s id %d out of range", ErrMalformed, f.Name, x)
			}
			v[i].Int = x
			pos += n
		case KindFixed64:
			x, n := protowire.ConsumeFixed64(b[pos:])
			if n < 0 {
				return nil, 0, parseErr(n)
			}
			v[i].Int = x
			pos += n
		case KindText:
			s, n := protowire.ConsumeString(b[pos:])
			if n < 0 {
				return nil, 0, parseErr(n)
			}
			v[i].Text = s
			pos += n
		case KindFrames:
			count, n := protowire.ConsumeVarint(b[pos:])
			if n < 0 {
				return nil, 0, parseErr(n)
			}
			pos += n
			// every frame takes at least one byte per field
			capacity := min(count, uint64(len(b)-pos)/uint64(len(FrameSchema)))
			rows := make([][]Value, 0, capacity)
			for j := uint64(0); j < count; j++ {
				row, m, err := consumeValues(b[pos:], FrameSchema)
				if err != nil {
					return nil, 0, err
				}
				rows = append(rows, row)
				pos += m
			}
			v[i].Rows = rows
		}
	}
	return v, pos, nil
}

func parseErr(n int) error {
	if errors.Is(protowire.ParseError(n), io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
}

// Visitor receives decoded records in stream order. Returning an error
// stops decoding.
type Visitor func(Record) error

// Read decodes data and feeds every record to visit.
func Read(data []byte, visit Visitor) error {
	r := NewReader(data)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := visit(rec); err != nil {
			return err
		}
	}
}
