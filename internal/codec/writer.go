package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Writer appends encoded records to an in-memory buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Write encodes rec.
func (w *Writer) Write(rec Record) error {
	v, err := values(rec)
	if err != nil {
		return err
	}
	return w.WriteValues(rec.Tag(), v)
}

// WriteValues encodes a record from its raw field values. The values must
// follow the layout Schema lists for tag.
func (w *Writer) WriteValues(tag Tag, v []Value) error {
	fields, ok := Schema[tag]
	if !ok {
		return fmt.Errorf("%w: unknown tag 0x%02x", ErrMalformed, byte(tag))
	}
	if len(v) != len(fields) {
		return fmt.Errorf("%w: %s expects %d fields, got %d", ErrMalformed, tag, len(fields), len(v))
	}
	out := append(w.buf, byte(tag))
	out, err := appendValues(out, fields, v)
	if err != nil {
		return err
	}
	w.buf = out
	return nil
}

func appendValues(b []byte, fields []Field, v []Value) ([]byte, error) {
	for i, f := range fields {
		switch f.Kind {
		case KindInt, KindSymbol, KindMethod:
			b = protowire.AppendVarint(b, v[i].Int)
		case KindFixed64:
			b = protowire.AppendFixed64(b, v[i].Int)
		case KindText:
			b = protowire.AppendString(b, v[i].Text)
		case KindFrames:
			b = protowire.AppendVarint(b, uint64(len(v[i].Rows)))
			for _, row := range v[i].Rows {
				if len(row) != len(FrameSchema) {
					return nil, fmt.Errorf("%w: stack frame expects %d fields, got %d", ErrMalformed, len(FrameSchema), len(row))
				}
				var err error
				if b, err = appendValues(b, FrameSchema, row); err != nil {
					return nil, err
				}
			}
		}
	}
	return b, nil
}

// Bytes returns the encoded stream. The slice aliases the writer's buffer.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of encoded bytes.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Reset discards everything written so far.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
}
