// Package codec implements the tagged binary record format agents use to
// ship symbol tables and trace events.
//
// Every record is a one-byte tag followed by the fields listed for that tag
// in Schema. Integers are LEB128 varints, span ids are fixed 8-byte little
// endian and text is a varint length followed by UTF-8 bytes.
package codec

// Tag identifies a record kind.
type Tag byte

const (
	TagStringRef      Tag = 0x01
	TagMethodRef      Tag = 0x02
	TagTraceStart     Tag = 0x03
	TagTraceBegin     Tag = 0x04
	TagTraceAttr      Tag = 0x05
	TagTraceAttrTyped Tag = 0x06
	TagException      Tag = 0x07
	TagExceptionRef   Tag = 0x08
	TagTraceEnd       Tag = 0x09
)

func (t Tag) String() string {
	switch t {
	case TagStringRef:
		return "stringRef"
	case TagMethodRef:
		return "methodRef"
	case TagTraceStart:
		return "traceStart"
	case TagTraceBegin:
		return "traceBegin"
	case TagTraceAttr, TagTraceAttrTyped:
		return "traceAttr"
	case TagException:
		return "exception"
	case TagExceptionRef:
		return "exceptionRef"
	case TagTraceEnd:
		return "traceEnd"
	default:
		return "unknown"
	}
}

// Record is one decoded record. The concrete type is one of the structs
// below; callers match on it with a type switch.
type Record interface {
	Tag() Tag
}

// StringRef declares a symbol.
type StringRef struct {
	ID   uint32
	Text string
}

// MethodRef declares a method as a triple of symbol ids.
type MethodRef struct {
	ID          uint32
	ClassID     uint32
	MethodID    uint32
	SignatureID uint32
}

// TraceStart opens a scope.
type TraceStart struct {
	Flags     uint32
	Timestamp int64
	MethodID  uint32
}

// TraceBegin marks the enclosing scope as the root of a span.
type TraceBegin struct {
	Clock       int64
	TraceTypeID uint32
	SpanID      uint64
	Flags       uint32
}

// TraceAttr attaches an attribute. When TraceTypeID is non-zero the
// attribute belongs to the nearest enclosing scope of that trace type
// instead of the innermost one.
type TraceAttr struct {
	TraceTypeID uint32
	KeyID       uint32
	Value       string
}

// StackFrame is one element of an exception stack trace.
type StackFrame struct {
	ClassID  uint32
	MethodID uint32
	FileID   uint32
	Line     uint32
}

// Exception records a thrown exception. ID is the reference number later
// exceptionRef records use to point back at it.
type Exception struct {
	ClassID   uint32
	MessageID uint32
	CauseID   uint32
	Frames    []StackFrame
	ID        uint32
}

// ExceptionRef refers to an exception recorded earlier in the same stream.
type ExceptionRef struct {
	ID uint32
}

// TraceEnd closes the innermost open scope.
type TraceEnd struct {
	Flags     uint32
	Timestamp int64
	Calls     uint64
	Errors    uint64
}

func (StringRef) Tag() Tag    { return TagStringRef }
func (MethodRef) Tag() Tag    { return TagMethodRef }
func (TraceStart) Tag() Tag   { return TagTraceStart }
func (TraceBegin) Tag() Tag   { return TagTraceBegin }
func (ExceptionRef) Tag() Tag { return TagExceptionRef }
func (TraceEnd) Tag() Tag     { return TagTraceEnd }
func (Exception) Tag() Tag    { return TagException }

func (a TraceAttr) Tag() Tag {
	if a.TraceTypeID != 0 {
		return TagTraceAttrTyped
	}
	return TagTraceAttr
}
