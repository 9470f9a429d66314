package session

import (
	"strings"
	"sync"
	"testing"

	"github.com/zicotrace/zico/internal/symbol"
)

func newTestManager() *Manager {
	return NewManager(symbol.NewRegistry(nil), nil)
}

func TestOpen_AssignsPrefixedID(t *testing.T) {
	m := newTestManager()

	s := m.Open("127.0.0.1:5000")
	if !strings.HasPrefix(s.ID, sessionIDPrefix) {
		t.Errorf("session ID %q does not have prefix %q", s.ID, sessionIDPrefix)
	}
	if s.Authenticated() {
		t.Error("new session should not be authenticated")
	}
	if s.Mapper() == nil {
		t.Fatal("session has no mapper")
	}
	if m.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", m.ActiveCount())
	}
}

func TestOpen_UniqueIDs(t *testing.T) {
	m := newTestManager()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s := m.Open("addr")
		if seen[s.ID] {
			t.Fatalf("duplicate session ID %s", s.ID)
		}
		seen[s.ID] = true
	}
}

func TestAuthenticate(t *testing.T) {
	m := newTestManager()
	s := m.Open("addr")

	if err := m.Authenticate(s.ID, "agent-1", "web-01"); err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if !s.Authenticated() {
		t.Error("session should be authenticated")
	}
	if s.AgentID() != "agent-1" {
		t.Errorf("AgentID() = %q, want agent-1", s.AgentID())
	}
	if s.Name() != "web-01" {
		t.Errorf("Name() = %q, want web-01", s.Name())
	}

	if err := m.Authenticate("ses_missing", "agent-1", ""); err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestClose_RemovesSession(t *testing.T) {
	m := newTestManager()
	s := m.Open("addr")
	m.Close(s.ID)

	if m.Get(s.ID) != nil {
		t.Error("closed session still returned by Get")
	}
	if m.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
	// closing twice is harmless
	m.Close(s.ID)
}

func TestTerminate_InvokesCloser(t *testing.T) {
	m := newTestManager()
	s := m.Open("addr")

	called := false
	s.SetCloser(func() { called = true })

	if err := m.Terminate(s.ID); err != nil {
		t.Fatalf("Terminate() error: %v", err)
	}
	if !called {
		t.Error("closer was not invoked")
	}
	if err := m.Terminate("ses_missing"); err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestList_ReportsActivity(t *testing.T) {
	m := newTestManager()
	a := m.Open("a")
	b := m.Open("b")
	_ = m.Authenticate(b.ID, "agent-b", "")

	a.Touch(100)
	a.Touch(50)
	a.Mapper().MapSymbol(1, "x")
	a.Mapper().MapSymbol(2, "x")

	list := m.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d sessions, want 2", len(list))
	}
	var info Info
	for _, i := range list {
		if i.ID == a.ID {
			info = i
		}
	}
	if info.Frames != 2 || info.BytesIn != 150 {
		t.Errorf("frames=%d bytes=%d, want 2/150", info.Frames, info.BytesIn)
	}
	if info.SymbolHits != 1 || info.SymbolMisses != 1 {
		t.Errorf("hits=%d misses=%d, want 1/1", info.SymbolHits, info.SymbolMisses)
	}
	if info.Status != StatusConnected {
		t.Errorf("status = %q, want %q", info.Status, StatusConnected)
	}
}

func TestConcurrentOpenClose(t *testing.T) {
	m := newTestManager()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := m.Open("addr")
			s.Touch(1)
			_ = m.List()
			m.Close(s.ID)
		}()
	}
	wg.Wait()
	if m.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}
