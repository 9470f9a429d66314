package chunk

// Chunk is one persisted trace scope. Nested scopes are stored as separate
// chunks and linked through Children.
type Chunk struct {
	Seq      uint64 `json:"seq"`
	AgentID  string `json:"agent_id"`
	TraceID  string `json:"trace_id,omitempty"`
	FlushSeq int    `json:"flush_seq"`

	SpanID    uint64 `json:"span_id,omitempty"`
	TraceType string `json:"trace_type,omitempty"`
	Class     string `json:"class"`
	Method    string `json:"method"`
	MethodID  uint32 `json:"method_id"`

	Tstart   int64  `json:"tstart"`
	Tstamp   int64  `json:"tstamp,omitempty"`
	Duration int64  `json:"duration"`
	Calls    uint64 `json:"calls"`
	Errors   uint64 `json:"errors"`
	Records  int    `json:"records"`
	Flags    uint32 `json:"flags"`
	Depth    int    `json:"depth"`
	Span     bool   `json:"span"`

	Attrs     map[string]string `json:"attrs,omitempty"`
	Exception *Exception        `json:"exception,omitempty"`
	Children  []uint64          `json:"children,omitempty"`

	// TraceData is the gzip-compressed record stream of this scope;
	// SymbolData declares every symbol and method it references.
	TraceData  []byte `json:"-"`
	SymbolData []byte `json:"-"`
}

// Exception summarizes an exception recorded in a scope.
type Exception struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

// HasError reports whether the scope failed or recorded an exception.
func (c *Chunk) HasError() bool {
	return c.Errors > 0 || c.Exception != nil
}

// header returns a copy without the payload, used by index-only stores.
func (c *Chunk) header() *Chunk {
	h := *c
	h.TraceData = nil
	h.SymbolData = nil
	return &h
}
