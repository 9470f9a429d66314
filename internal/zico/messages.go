package zico

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrBadPayload is returned when a message payload cannot be decoded.
var ErrBadPayload = errors.New("malformed message payload")

// Hello authenticates an agent. It must be the first frame on a connection.
type Hello struct {
	AgentID string
	Name    string
	Secret  string
}

// Symbol binds one agent-local symbol id.
type Symbol struct {
	ID   uint32
	Name string
}

// AgentData carries a codec stream of symbol and method declarations. Full
// marks a complete snapshot of the agent dictionary.
type AgentData struct {
	Full bool
	Data []byte
}

// TraceData carries one flushed trace as a codec stream.
type TraceData struct {
	SpanID   uint64
	FlushSeq int
	Data     []byte
}

// TraceID is the display form of the span id.
func (t TraceData) TraceID() string {
	return fmt.Sprintf("%016x", t.SpanID)
}

// Ping carries the sender's clock; the peer echoes it in a Pong.
type Ping struct {
	ClientNanos int64
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// field is one decoded protowire field. Only the member matching the wire
// type is set.
type field struct {
	num   protowire.Number
	ival  uint64
	bytes []byte
}

func walk(b []byte, fn func(field)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrBadPayload, protowire.ParseError(n))
		}
		b = b[n:]
		f := field{num: num}
		switch typ {
		case protowire.VarintType:
			f.ival, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.ival, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrBadPayload, protowire.ParseError(n))
		}
		b = b[n:]
		fn(f)
	}
	return nil
}

func (m Hello) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.AgentID)
	b = appendString(b, 2, m.Name)
	b = appendString(b, 3, m.Secret)
	return b
}

func UnmarshalHello(b []byte) (Hello, error) {
	var m Hello
	err := walk(b, func(f field) {
		switch f.num {
		case 1:
			m.AgentID = string(f.bytes)
		case 2:
			m.Name = string(f.bytes)
		case 3:
			m.Secret = string(f.bytes)
		}
	})
	if err == nil && m.AgentID == "" {
		err = fmt.Errorf("%w: hello without agent id", ErrBadPayload)
	}
	return m, err
}

func (m Symbol) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(m.ID))
	b = appendString(b, 2, m.Name)
	return b
}

func UnmarshalSymbol(b []byte) (Symbol, error) {
	var m Symbol
	var big bool
	err := walk(b, func(f field) {
		switch f.num {
		case 1:
			big = f.ival > 0xFFFFFFFF
			m.ID = uint32(f.ival)
		case 2:
			m.Name = string(f.bytes)
		}
	})
	if err == nil && (big || m.ID == 0) {
		err = fmt.Errorf("%w: symbol id out of range", ErrBadPayload)
	}
	return m, err
}

func (m AgentData) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, protowire.EncodeBool(m.Full))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Data)
	return b
}

func UnmarshalAgentData(b []byte) (AgentData, error) {
	var m AgentData
	err := walk(b, func(f field) {
		switch f.num {
		case 1:
			m.Full = protowire.DecodeBool(f.ival)
		case 2:
			m.Data = f.bytes
		}
	})
	return m, err
}

func (m TraceData) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, m.SpanID)
	b = appendVarint(b, 2, uint64(m.FlushSeq))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Data)
	return b
}

func UnmarshalTraceData(b []byte) (TraceData, error) {
	var m TraceData
	err := walk(b, func(f field) {
		switch f.num {
		case 1:
			m.SpanID = f.ival
		case 2:
			m.FlushSeq = int(f.ival)
		case 3:
			m.Data = f.bytes
		}
	})
	return m, err
}

func (m Ping) Marshal() []byte {
	return appendVarint(nil, 1, protowire.EncodeZigZag(m.ClientNanos))
}

func UnmarshalPing(b []byte) (Ping, error) {
	var m Ping
	err := walk(b, func(f field) {
		if f.num == 1 {
			m.ClientNanos = protowire.DecodeZigZag(f.ival)
		}
	})
	return m, err
}
