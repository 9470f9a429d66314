package chunk

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the on-disk chunk record. Unknown fields are skipped on
// decode so new fields can be added without rewriting old logs.
const (
	fSeq        protowire.Number = 1
	fAgentID    protowire.Number = 2
	fTraceID    protowire.Number = 3
	fFlushSeq   protowire.Number = 4
	fSpanID     protowire.Number = 5
	fTraceType  protowire.Number = 6
	fClass      protowire.Number = 7
	fMethod     protowire.Number = 8
	fMethodID   protowire.Number = 9
	fTstart     protowire.Number = 10
	fTstamp     protowire.Number = 11
	fDuration   protowire.Number = 12
	fCalls      protowire.Number = 13
	fErrors     protowire.Number = 14
	fRecords    protowire.Number = 15
	fFlags      protowire.Number = 16
	fDepth      protowire.Number = 17
	fSpan       protowire.Number = 18
	fAttr       protowire.Number = 19
	fExcClass   protowire.Number = 20
	fExcMessage protowire.Number = 21
	fChild      protowire.Number = 22
	fTraceData  protowire.Number = 23
	fSymbolData protowire.Number = 24

	fAttrKey   protowire.Number = 1
	fAttrValue protowire.Number = 2
)

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendSintField(b []byte, num protowire.Number, v int64) []byte {
	return appendVarintField(b, num, protowire.EncodeZigZag(v))
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func encodeRecord(c *Chunk) []byte {
	var b []byte
	b = appendVarintField(b, fSeq, c.Seq)
	b = appendStringField(b, fAgentID, c.AgentID)
	b = appendStringField(b, fTraceID, c.TraceID)
	b = appendVarintField(b, fFlushSeq, uint64(c.FlushSeq))
	if c.SpanID != 0 {
		b = protowire.AppendTag(b, fSpanID, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, c.SpanID)
	}
	b = appendStringField(b, fTraceType, c.TraceType)
	b = appendStringField(b, fClass, c.Class)
	b = appendStringField(b, fMethod, c.Method)
	b = appendVarintField(b, fMethodID, uint64(c.MethodID))
	b = appendSintField(b, fTstart, c.Tstart)
	b = appendSintField(b, fTstamp, c.Tstamp)
	b = appendSintField(b, fDuration, c.Duration)
	b = appendVarintField(b, fCalls, c.Calls)
	b = appendVarintField(b, fErrors, c.Errors)
	b = appendVarintField(b, fRecords, uint64(c.Records))
	b = appendVarintField(b, fFlags, uint64(c.Flags))
	b = appendVarintField(b, fDepth, uint64(c.Depth))
	b = appendVarintField(b, fSpan, protowire.EncodeBool(c.Span))
	for k, v := range c.Attrs {
		var kv []byte
		kv = protowire.AppendTag(kv, fAttrKey, protowire.BytesType)
		kv = protowire.AppendString(kv, k)
		kv = protowire.AppendTag(kv, fAttrValue, protowire.BytesType)
		kv = protowire.AppendString(kv, v)
		b = protowire.AppendTag(b, fAttr, protowire.BytesType)
		b = protowire.AppendBytes(b, kv)
	}
	if c.Exception != nil {
		b = protowire.AppendTag(b, fExcClass, protowire.BytesType)
		b = protowire.AppendString(b, c.Exception.Class)
		b = protowire.AppendTag(b, fExcMessage, protowire.BytesType)
		b = protowire.AppendString(b, c.Exception.Message)
	}
	for _, child := range c.Children {
		b = appendVarintField(b, fChild, child)
	}
	b = appendBytesField(b, fTraceData, c.TraceData)
	b = appendBytesField(b, fSymbolData, c.SymbolData)
	return b
}

func decodeRecord(b []byte) (*Chunk, error) {
	c := &Chunk{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			setVarint(c, num, v)
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			if num == fSpanID {
				c.SpanID = v
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			if err := setBytes(c, num, v); err != nil {
				return nil, err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return c, nil
}

func setVarint(c *Chunk, num protowire.Number, v uint64) {
	switch num {
	case fSeq:
		c.Seq = v
	case fFlushSeq:
		c.FlushSeq = int(v)
	case fMethodID:
		c.MethodID = uint32(v)
	case fTstart:
		c.Tstart = protowire.DecodeZigZag(v)
	case fTstamp:
		c.Tstamp = protowire.DecodeZigZag(v)
	case fDuration:
		c.Duration = protowire.DecodeZigZag(v)
	case fCalls:
		c.Calls = v
	case fErrors:
		c.Errors = v
	case fRecords:
		c.Records = int(v)
	case fFlags:
		c.Flags = uint32(v)
	case fDepth:
		c.Depth = int(v)
	case fSpan:
		c.Span = protowire.DecodeBool(v)
	case fChild:
		c.Children = append(c.Children, v)
	}
}

func setBytes(c *Chunk, num protowire.Number, v []byte) error {
	switch num {
	case fAgentID:
		c.AgentID = string(v)
	case fTraceID:
		c.TraceID = string(v)
	case fTraceType:
		c.TraceType = string(v)
	case fClass:
		c.Class = string(v)
	case fMethod:
		c.Method = string(v)
	case fAttr:
		k, val, err := decodeAttr(v)
		if err != nil {
			return err
		}
		if c.Attrs == nil {
			c.Attrs = make(map[string]string)
		}
		c.Attrs[k] = val
	case fExcClass:
		if c.Exception == nil {
			c.Exception = &Exception{}
		}
		c.Exception.Class = string(v)
	case fExcMessage:
		if c.Exception == nil {
			c.Exception = &Exception{}
		}
		c.Exception.Message = string(v)
	case fTraceData:
		c.TraceData = append([]byte(nil), v...)
	case fSymbolData:
		c.SymbolData = append([]byte(nil), v...)
	}
	return nil
}

func decodeAttr(b []byte) (key, value string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return "", "", protowire.ParseError(m)
			}
			b = b[m:]
			continue
		}
		s, m := protowire.ConsumeString(b)
		if m < 0 {
			return "", "", protowire.ParseError(m)
		}
		b = b[m:]
		switch num {
		case fAttrKey:
			key = s
		case fAttrValue:
			value = s
		}
	}
	if key == "" {
		return "", "", fmt.Errorf("attribute without key")
	}
	return key, value, nil
}
