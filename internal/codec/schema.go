package codec

import "fmt"

// Kind describes how a field is encoded and whether it carries an id that
// needs translation between symbol tables.
type Kind uint8

const (
	KindInt Kind = iota + 1
	KindSymbol
	KindMethod
	KindFixed64
	KindText
	KindFrames
)

// Field is one entry of a record layout.
type Field struct {
	Name string
	Kind Kind
}

// Schema lists the field layout of every record tag. Typed decoding and the
// id-translating Scanner are both driven by this table.
var Schema = map[Tag][]Field{
	TagStringRef: {
		{"id", KindSymbol},
		{"text", KindText},
	},
	TagMethodRef: {
		{"id", KindMethod},
		{"classId", KindSymbol},
		{"methodId", KindSymbol},
		{"signatureId", KindSymbol},
	},
	TagTraceStart: {
		{"flags", KindInt},
		{"timestamp", KindInt},
		{"methodId", KindMethod},
	},
	TagTraceBegin: {
		{"clock", KindInt},
		{"traceType", KindSymbol},
		{"spanId", KindFixed64},
		{"flags", KindInt},
	},
	TagTraceAttr: {
		{"key", KindSymbol},
		{"value", KindText},
	},
	TagTraceAttrTyped: {
		{"traceType", KindSymbol},
		{"key", KindSymbol},
		{"value", KindText},
	},
	TagException: {
		{"classId", KindSymbol},
		{"message", KindSymbol},
		{"cause", KindInt},
		{"frames", KindFrames},
		{"id", KindInt},
	},
	TagExceptionRef: {
		{"id", KindInt},
	},
	TagTraceEnd: {
		{"flags", KindInt},
		{"timestamp", KindInt},
		{"calls", KindInt},
		{"errors", KindInt},
	},
}

// FrameSchema is the layout of a single stack frame inside a KindFrames field.
var FrameSchema = []Field{
	{"class", KindSymbol},
	{"method", KindSymbol},
	{"file", KindSymbol},
	{"line", KindInt},
}

// Value is one decoded field. Int carries integer, id and fixed64 kinds,
// Text carries text and Rows carries stack frames.
type Value struct {
	Kind Kind
	Int  uint64
	Text string
	Rows [][]Value
}

func intVal(k Kind, v uint64) Value { return Value{Kind: k, Int: v} }

func values(rec Record) ([]Value, error) {
	switch r := rec.(type) {
	case StringRef:
		return []Value{intVal(KindSymbol, uint64(r.ID)), {Kind: KindText, Text: r.Text}}, nil
	case MethodRef:
		return []Value{
			intVal(KindMethod, uint64(r.ID)),
			intVal(KindSymbol, uint64(r.ClassID)),
			intVal(KindSymbol, uint64(r.MethodID)),
			intVal(KindSymbol, uint64(r.SignatureID)),
		}, nil
	case TraceStart:
		return []Value{
			intVal(KindInt, uint64(r.Flags)),
			intVal(KindInt, uint64(r.Timestamp)),
			intVal(KindMethod, uint64(r.MethodID)),
		}, nil
	case TraceBegin:
		return []Value{
			intVal(KindInt, uint64(r.Clock)),
			intVal(KindSymbol, uint64(r.TraceTypeID)),
			intVal(KindFixed64, r.SpanID),
			intVal(KindInt, uint64(r.Flags)),
		}, nil
	case TraceAttr:
		if r.TraceTypeID != 0 {
			return []Value{
				intVal(KindSymbol, uint64(r.TraceTypeID)),
				intVal(KindSymbol, uint64(r.KeyID)),
				{Kind: KindText, Text: r.Value},
			}, nil
		}
		return []Value{intVal(KindSymbol, uint64(r.KeyID)), {Kind: KindText, Text: r.Value}}, nil
	case Exception:
		rows := make([][]Value, len(r.Frames))
		for i, f := range r.Frames {
			rows[i] = []Value{
				intVal(KindSymbol, uint64(f.ClassID)),
				intVal(KindSymbol, uint64(f.MethodID)),
				intVal(KindSymbol, uint64(f.FileID)),
				intVal(KindInt, uint64(f.Line)),
			}
		}
		return []Value{
			intVal(KindSymbol, uint64(r.ClassID)),
			intVal(KindSymbol, uint64(r.MessageID)),
			intVal(KindInt, uint64(r.CauseID)),
			{Kind: KindFrames, Rows: rows},
			intVal(KindInt, uint64(r.ID)),
		}, nil
	case ExceptionRef:
		return []Value{intVal(KindInt, uint64(r.ID))}, nil
	case TraceEnd:
		return []Value{
			intVal(KindInt, uint64(r.Flags)),
			intVal(KindInt, uint64(r.Timestamp)),
			intVal(KindInt, r.Calls),
			intVal(KindInt, r.Errors),
		}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported record %T", ErrMalformed, rec)
	}
}

func record(tag Tag, v []Value) Record {
	u32 := func(i int) uint32 { return uint32(v[i].Int) }
	switch tag {
	case TagStringRef:
		return StringRef{ID: u32(0), Text: v[1].Text}
	case TagMethodRef:
		return MethodRef{ID: u32(0), ClassID: u32(1), MethodID: u32(2), SignatureID: u32(3)}
	case TagTraceStart:
		return TraceStart{Flags: u32(0), Timestamp: int64(v[1].Int), MethodID: u32(2)}
	case TagTraceBegin:
		return TraceBegin{Clock: int64(v[0].Int), TraceTypeID: u32(1), SpanID: v[2].Int, Flags: u32(3)}
	case TagTraceAttr:
		return TraceAttr{KeyID: u32(0), Value: v[1].Text}
	case TagTraceAttrTyped:
		return TraceAttr{TraceTypeID: u32(0), KeyID: u32(1), Value: v[2].Text}
	case TagException:
		frames := make([]StackFrame, len(v[3].Rows))
		for i, row := range v[3].Rows {
			frames[i] = StackFrame{
				ClassID:  uint32(row[0].Int),
				MethodID: uint32(row[1].Int),
				FileID:   uint32(row[2].Int),
				Line:     uint32(row[3].Int),
			}
		}
		return Exception{ClassID: u32(0), MessageID: u32(1), CauseID: u32(2), Frames: frames, ID: u32(4)}
	case TagExceptionRef:
		return ExceptionRef{ID: u32(0)}
	case TagTraceEnd:
		return TraceEnd{Flags: u32(0), Timestamp: int64(v[1].Int), Calls: v[2].Int, Errors: v[3].Int}
	}
	return nil
}
