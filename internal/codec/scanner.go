package codec

import (
	"errors"
	"io"
)

// IDMap translates an id from one table to another.
type IDMap func(uint32) uint32

// Scanner re-encodes a record stream, passing every symbol and method id
// through the given maps. Nil maps leave ids untouched.
type Scanner struct {
	Symbol IDMap
	Method IDMap
}

// Scan translates data into w. On a decode error the records before the
// failure have already been written.
func (s Scanner) Scan(data []byte, w *Writer) error {
	r := NewReader(data)
	for {
		tag, v, err := r.NextValues()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		s.translate(v)
		if err := w.WriteValues(tag, v); err != nil {
			return err
		}
	}
}

func (s Scanner) translate(v []Value) {
	for i := range v {
		switch v[i].Kind {
		case KindSymbol:
			if s.Symbol != nil {
				v[i].Int = uint64(s.Symbol(uint32(v[i].Int)))
			}
		case KindMethod:
			if s.Method != nil {
				v[i].Int = uint64(s.Method(uint32(v[i].Int)))
			}
		case KindFrames:
			for _, row := range v[i].Rows {
				s.translate(row)
			}
		}
	}
}
