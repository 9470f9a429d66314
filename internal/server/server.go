// Package server implements the TCP collector endpoint agents connect to.
// Every connection gets its own goroutine and session; decoded payloads go
// to the shared collector. The query API lives separately in internal/api.
package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zicotrace/zico/internal/auth"
	"github.com/zicotrace/zico/internal/collector"
	"github.com/zicotrace/zico/internal/metrics"
	"github.com/zicotrace/zico/internal/session"
	"github.com/zicotrace/zico/internal/zico"
)

// Options tune the listener. Zero values fall back to defaults.
type Options struct {
	ReadTimeout  time.Duration
	MaxFrameSize int
	HelloRate    float64
	HelloBurst   int
}

// Server accepts agent connections.
type Server struct {
	collector *collector.Collector
	sessions  *session.Manager
	auth      *auth.Authenticator
	metrics   *metrics.Metrics
	limiter   *helloLimiter
	opts      Options
	logger    *slog.Logger

	mu      sync.Mutex
	lis     net.Listener
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
	closing atomic.Bool
}

// New creates a server wired to the given dependencies.
func New(
	coll *collector.Collector,
	sessions *session.Manager,
	authenticator *auth.Authenticator,
	m *metrics.Metrics,
	opts Options,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = zico.DefaultMaxFrameSize
	}
	return &Server{
		collector: coll,
		sessions:  sessions,
		auth:      authenticator,
		metrics:   m,
		limiter:   newHelloLimiter(opts.HelloRate, opts.HelloBurst),
		opts:      opts,
		logger:    logger.With("component", "server.Collector"),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Start binds addr and serves until Stop is called.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()

	s.logger.Info("collector listening", "addr", lis.Addr().String())
	for {
		conn, err := lis.Accept()
		if err != nil {
			if s.closing.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		s.mu.Lock()
		if s.closing.Load() {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handle(conn)
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines to finish.
func (s *Server) Stop() {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info("collector shutting down")

	s.mu.Lock()
	if s.lis != nil {
		_ = s.lis.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()

	sess := s.sessions.Open(conn.RemoteAddr().String())
	sess.SetCloser(func() { _ = conn.Close() })
	defer s.sessions.Close(sess.ID)

	c := &connection{
		srv:  s,
		conn: conn,
		r:    bufio.NewReader(conn),
		sess: sess,
		log:  s.logger.With("session_id", sess.ID, "remote_addr", sess.RemoteAddr),
	}
	c.serve()
}

// connection is the per-connection protocol state machine.
type connection struct {
	srv  *Server
	conn net.Conn
	r    *bufio.Reader
	sess *session.Session
	log  *slog.Logger
}

func (c *connection) serve() {
	for {
		if t := c.srv.opts.ReadTimeout; t > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(t))
		}
		f, err := zico.ReadFrame(c.r, c.srv.opts.MaxFrameSize)
		if err != nil {
			c.readFailed(err)
			return
		}
		c.sess.Touch(len(f.Payload))
		c.srv.metrics.Frame(f.Type.String(), len(f.Payload))

		if !c.dispatch(f) {
			return
		}
	}
}

func (c *connection) readFailed(err error) {
	var ne net.Error
	switch {
	case errors.Is(err, zico.ErrChecksum):
		c.srv.metrics.ProtocolError("checksum")
		c.log.Warn("frame checksum mismatch, closing connection")
		c.reply(zico.TypeCRCError, nil)
	case errors.Is(err, zico.ErrFrameTooLarge):
		c.srv.metrics.ProtocolError("frame_too_large")
		c.log.Warn("oversized frame, closing connection", "error", err)
		c.reply(zico.TypeFormatError, []byte(err.Error()))
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		c.log.Debug("connection closed by peer")
	case errors.As(err, &ne) && ne.Timeout():
		c.log.Info("connection idle, closing")
	default:
		c.log.Debug("connection read failed", "error", err)
	}
}

func (c *connection) reply(typ zico.Type, payload []byte) bool {
	if err := zico.WriteFrame(c.conn, typ, payload); err != nil {
		c.log.Debug("failed to write reply", "type", typ.String(), "error", err)
		return false
	}
	return true
}

// fail answers with a status frame and ends the connection.
func (c *connection) fail(typ zico.Type, err error) bool {
	c.srv.metrics.ProtocolError(typ.String())
	c.log.Warn("closing connection", "reply", typ.String(), "error", err)
	c.reply(typ, []byte(err.Error()))
	return false
}

// rejectData answers a payload whose record stream failed to decode. The
// session and its symbol mappings survive; chunks closed before the bad
// record are already stored.
func (c *connection) rejectData(err error) bool {
	c.srv.metrics.ProtocolError("decode")
	c.log.Warn("rejected malformed record stream", "error", err)
	return c.reply(zico.TypeFormatError, []byte(err.Error()))
}

// dispatch handles one frame and reports whether the connection stays open.
func (c *connection) dispatch(f zico.Frame) bool {
	if f.Type == zico.TypeHello {
		return c.hello(f.Payload)
	}
	if !c.sess.Authenticated() {
		c.srv.metrics.AuthFailed()
		return c.reply(zico.TypeAuthError, []byte("hello required"))
	}

	switch f.Type {
	case zico.TypePing:
		return c.reply(zico.TypePong, f.Payload)

	case zico.TypeSymbol:
		m, err := zico.UnmarshalSymbol(f.Payload)
		if err != nil {
			return c.fail(zico.TypeFormatError, err)
		}
		c.srv.collector.HandleSymbol(c.sess, m.ID, m.Name)
		return c.reply(zico.TypeOK, nil)

	case zico.TypeAgentData:
		m, err := zico.UnmarshalAgentData(f.Payload)
		if err != nil {
			return c.fail(zico.TypeFormatError, err)
		}
		if err := c.srv.collector.HandleAgentData(c.sess, m.Full, m.Data); err != nil {
			return c.rejectData(err)
		}
		return c.reply(zico.TypeOK, nil)

	case zico.TypeTraceData:
		m, err := zico.UnmarshalTraceData(f.Payload)
		if err != nil {
			return c.fail(zico.TypeFormatError, err)
		}
		_, err = c.srv.collector.HandleTraceData(c.sess, m.TraceID(), m.FlushSeq, m.Data)
		if errors.Is(err, collector.ErrDecode) {
			return c.rejectData(err)
		}
		if err != nil {
			// storage trouble is not the agent's fault; it may retry
			c.log.Error("failed to store trace data", "trace_id", m.TraceID(), "error", err)
			return c.reply(zico.TypeBadRequest, []byte(err.Error()))
		}
		return c.reply(zico.TypeOK, nil)

	default:
		c.log.Debug("unsupported frame type", "type", f.Type.String())
		return c.reply(zico.TypeBadRequest, []byte("unsupported frame type "+f.Type.String()))
	}
}

func (c *connection) hello(payload []byte) bool {
	if c.sess.Authenticated() {
		return c.reply(zico.TypeBadRequest, []byte("already authenticated"))
	}
	if !c.srv.limiter.allow(c.conn.RemoteAddr()) {
		c.srv.metrics.Throttled()
		return c.fail(zico.TypeAuthError, errors.New("too many hello attempts"))
	}
	m, err := zico.UnmarshalHello(payload)
	if err != nil {
		return c.fail(zico.TypeFormatError, err)
	}
	if err := c.srv.auth.Validate(m.AgentID, m.Secret); err != nil {
		c.srv.metrics.AuthFailed()
		return c.fail(zico.TypeAuthError, err)
	}
	if err := c.srv.sessions.Authenticate(c.sess.ID, m.AgentID, m.Name); err != nil {
		return c.fail(zico.TypeBadRequest, err)
	}
	c.log = c.log.With("agent_id", m.AgentID)
	return c.reply(zico.TypeOK, nil)
}
