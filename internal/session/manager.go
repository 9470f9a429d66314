// Package session tracks connected agents. Each session owns the symbol
// mapper that translates the agent's local ids, so all per-connection
// state lives in one explicit object handed to the collector.
package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/zicotrace/zico/internal/symbol"
)

const (
	sessionIDPrefix = "ses_"

	// Session status constants.
	StatusConnected     = "connected"
	StatusAuthenticated = "authenticated"
	StatusClosed        = "closed"
	StatusTerminated    = "terminated"
)

// Session is the state of one agent connection.
type Session struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	mu      sync.RWMutex
	agentID string
	name    string
	status  string
	closeFn func()

	lastActivity atomic.Int64
	frames       atomic.Uint64
	bytesIn      atomic.Uint64

	mapper *symbol.Mapper
}

// Info is a point-in-time view of a session for listings.
type Info struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id,omitempty"`
	Name         string    `json:"name,omitempty"`
	RemoteAddr   string    `json:"remote_addr"`
	Status       string    `json:"status"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	Frames       uint64    `json:"frames"`
	BytesIn      uint64    `json:"bytes_in"`
	SymbolHits   uint64    `json:"symbol_hits"`
	SymbolMisses uint64    `json:"symbol_misses"`
}

// AgentID returns the authenticated agent id, empty before Hello.
func (s *Session) AgentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentID
}

// Name returns the agent-supplied display name.
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// Authenticated reports whether Hello succeeded on this connection.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status == StatusAuthenticated
}

// Mapper returns the session's symbol mapper. It must only be used from
// the goroutine serving the connection.
func (s *Session) Mapper() *symbol.Mapper {
	return s.mapper
}

// Touch records activity on the connection.
func (s *Session) Touch(n int) {
	s.lastActivity.Store(time.Now().UnixNano())
	s.frames.Add(1)
	s.bytesIn.Add(uint64(n))
}

// LastActivity returns the time of the last received frame.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// SetCloser registers the function that tears down the underlying connection.
func (s *Session) SetCloser(fn func()) {
	s.mu.Lock()
	s.closeFn = fn
	s.mu.Unlock()
}

func (s *Session) info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hits, misses := s.mapper.Stats()
	return Info{
		ID:           s.ID,
		AgentID:      s.agentID,
		Name:         s.name,
		RemoteAddr:   s.RemoteAddr,
		Status:       s.status,
		ConnectedAt:  s.ConnectedAt,
		LastActivity: s.LastActivity(),
		Frames:       s.frames.Load(),
		BytesIn:      s.bytesIn.Load(),
		SymbolHits:   hits,
		SymbolMisses: misses,
	}
}

// Manager tracks live sessions with thread-safe in-memory state. It is the
// single place where sessions are opened, authenticated and closed.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	registry *symbol.Registry
	logger   *slog.Logger
}

// NewManager creates a session manager whose sessions intern into reg.
func NewManager(reg *symbol.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		registry: reg,
		logger:   logger.With("component", "session.Manager"),
	}
}

// Open registers a new unauthenticated connection.
func (m *Manager) Open(remoteAddr string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:          generateSessionID(),
		RemoteAddr:  remoteAddr,
		ConnectedAt: now,
		status:      StatusConnected,
		mapper:      symbol.NewMapper(m.registry, m.logger),
	}
	s.lastActivity.Store(now.UnixNano())

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Debug("opened session", "session_id", s.ID, "remote_addr", remoteAddr)
	return s
}

// Authenticate marks a session as belonging to agentID.
func (m *Manager) Authenticate(sessionID, agentID, name string) error {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}

	s.mu.Lock()
	s.agentID = agentID
	s.name = name
	s.status = StatusAuthenticated
	s.mu.Unlock()

	m.logger.Info("agent authenticated", "session_id", sessionID, "agent_id", agentID, "name", name)
	return nil
}

// Get returns the session for the given ID, or nil if not found.
func (m *Manager) Get(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// Close removes a session from the live set after its connection ended.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.status != StatusTerminated {
		s.status = StatusClosed
	}
	s.mu.Unlock()

	hits, misses := s.mapper.Stats()
	m.logger.Info("closed session",
		"session_id", sessionID,
		"agent_id", s.AgentID(),
		"frames", s.frames.Load(),
		"symbol_hits", hits,
		"symbol_misses", misses,
	)
}

// Terminate forcibly disconnects a session.
func (m *Manager) Terminate(sessionID string) error {
	s := m.Get(sessionID)
	if s == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}

	s.mu.Lock()
	s.status = StatusTerminated
	fn := s.closeFn
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
	m.logger.Warn("terminated session", "session_id", sessionID, "agent_id", s.AgentID())
	return nil
}

// List returns a snapshot of all live sessions ordered by connect time.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// ActiveCount returns the number of currently live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// generateSessionID creates a session ID with the "ses_" prefix followed by
// a ULID, so ids sort by connect time.
func generateSessionID() string {
	return sessionIDPrefix + ulid.Make().String()
}
