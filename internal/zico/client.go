package zico

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// StatusError is a non-OK status frame returned by the collector.
type StatusError struct {
	Type    Type
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("collector replied %s", e.Type)
	}
	return fmt.Sprintf("collector replied %s: %s", e.Type, e.Message)
}

// IsStatus reports whether err is a StatusError of the given type.
func IsStatus(err error, typ Type) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Type == typ
}

// Client is the agent side of a collector connection. Requests are
// serialized; each one waits for its reply.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

// Dial connects to a collector. timeout bounds every request; zero means
// no deadline.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to collector: %w", err)
	}
	return NewClient(conn, timeout), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, timeout time.Duration) *Client {
	return &Client{conn: conn, r: bufio.NewReader(conn), timeout: timeout}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends one frame and returns the reply. Non-OK status replies are
// returned as a *StatusError.
func (c *Client) Call(typ Type, payload []byte) (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
		defer c.conn.SetDeadline(time.Time{})
	}
	if err := WriteFrame(c.conn, typ, payload); err != nil {
		return Frame{}, err
	}
	f, err := ReadFrame(c.r, 0)
	if err != nil {
		return f, fmt.Errorf("failed to read reply: %w", err)
	}
	switch f.Type {
	case TypeOK, TypePong:
		return f, nil
	default:
		return f, &StatusError{Type: f.Type, Message: string(f.Payload)}
	}
}

func (c *Client) call(typ Type, payload []byte) error {
	_, err := c.Call(typ, payload)
	return err
}

// Hello authenticates the connection.
func (c *Client) Hello(agentID, name, secret string) error {
	return c.call(TypeHello, Hello{AgentID: agentID, Name: name, Secret: secret}.Marshal())
}

// SendSymbol binds a single agent-local symbol.
func (c *Client) SendSymbol(id uint32, name string) error {
	return c.call(TypeSymbol, Symbol{ID: id, Name: name}.Marshal())
}

// SendAgentData sends a block of symbol and method declarations.
func (c *Client) SendAgentData(full bool, data []byte) error {
	return c.call(TypeAgentData, AgentData{Full: full, Data: data}.Marshal())
}

// SendTraceData sends one flushed trace.
func (c *Client) SendTraceData(spanID uint64, flushSeq int, data []byte) error {
	return c.call(TypeTraceData, TraceData{SpanID: spanID, FlushSeq: flushSeq, Data: data}.Marshal())
}

// Ping measures the round trip to the collector.
func (c *Client) Ping() (time.Duration, error) {
	sent := time.Now()
	f, err := c.Call(TypePing, Ping{ClientNanos: sent.UnixNano()}.Marshal())
	if err != nil {
		return 0, err
	}
	pong, err := UnmarshalPing(f.Payload)
	if err != nil {
		return 0, err
	}
	if pong.ClientNanos != sent.UnixNano() {
		return 0, fmt.Errorf("%w: pong does not echo ping", ErrBadPayload)
	}
	return time.Since(sent), nil
}
