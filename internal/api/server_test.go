package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zicotrace/zico/internal/chunk"
	"github.com/zicotrace/zico/internal/codec"
	"github.com/zicotrace/zico/internal/collector"
	"github.com/zicotrace/zico/internal/config"
	"github.com/zicotrace/zico/internal/extract"
	"github.com/zicotrace/zico/internal/metrics"
	"github.com/zicotrace/zico/internal/session"
	"github.com/zicotrace/zico/internal/symbol"
)

type testAPI struct {
	srv      *Server
	ts       *httptest.Server
	coll     *collector.Collector
	sessions *session.Manager
	sess     *session.Session
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	reg := symbol.NewRegistry(logger)
	store := chunk.NewMemoryStore()
	m := metrics.New()
	sessions := session.NewManager(reg, logger)
	coll := collector.New(reg, store, m, logger)

	srv := NewServer(config.HTTPConfig{CORS: true}, store, sessions, reg, m, logger)
	coll.OnChunk(srv.BroadcastChunk)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.wsHub.Close()
		ts.Close()
	})

	sess := sessions.Open("127.0.0.1:1")
	if err := sessions.Authenticate(sess.ID, "agent-1", "web"); err != nil {
		t.Fatal(err)
	}
	a := &testAPI{srv: srv, ts: ts, coll: coll, sessions: sessions, sess: sess}
	a.send(t, true,
		codec.StringRef{ID: 1, Text: "component"},
		codec.StringRef{ID: 2, Text: "mydb.PStatement"},
		codec.StringRef{ID: 3, Text: "execute"},
		codec.StringRef{ID: 4, Text: "V()"},
		codec.StringRef{ID: 5, Text: "http.Handler"},
		codec.StringRef{ID: 6, Text: "serve"},
		codec.MethodRef{ID: 10, ClassID: 2, MethodID: 3, SignatureID: 4},
		codec.MethodRef{ID: 11, ClassID: 5, MethodID: 6, SignatureID: 4},
	)
	return a
}

func (a *testAPI) send(t *testing.T, agentData bool, recs ...codec.Record) {
	t.Helper()
	w := codec.NewWriter()
	for _, r := range recs {
		if err := w.Write(r); err != nil {
			t.Fatal(err)
		}
	}
	var err error
	if agentData {
		err = a.coll.HandleAgentData(a.sess, true, w.Bytes())
	} else {
		_, err = a.coll.HandleTraceData(a.sess, "0000000000000001", 0, w.Bytes())
	}
	if err != nil {
		t.Fatalf("collector: %v", err)
	}
}

// request (http handler test) → trace with one child call.
func (a *testAPI) sendRequest(t *testing.T, duration int64) {
	a.send(t, false,
		codec.TraceStart{Timestamp: 0, MethodID: 11},
		codec.TraceBegin{Clock: 1, SpanID: 1},
		codec.TraceAttr{KeyID: 1, Value: "web"},
		codec.TraceStart{Timestamp: 1, MethodID: 10},
		codec.TraceAttr{KeyID: 1, Value: "db"},
		codec.TraceEnd{Timestamp: 2},
		codec.TraceEnd{Timestamp: duration},
	)
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

type searchResponse struct {
	Chunks []chunk.Chunk `json:"chunks"`
	Total  int           `json:"total"`
}

func TestSearchChunks(t *testing.T) {
	a := newTestAPI(t)
	for i := int64(1); i <= 5; i++ {
		a.sendRequest(t, i*10)
	}

	var all searchResponse
	if code := getJSON(t, a.ts.URL+"/api/chunks", &all); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(all.Chunks) != 10 || all.Total != 10 {
		t.Fatalf("got %d chunks (total %d), want 10", len(all.Chunks), all.Total)
	}

	var top searchResponse
	getJSON(t, a.ts.URL+"/api/chunks?top=true&sort=duration&min_duration=25&limit=2", &top)
	if len(top.Chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(top.Chunks))
	}
	if top.Chunks[0].Duration != 30 || top.Chunks[1].Duration != 40 {
		t.Errorf("durations = %d,%d want 30,40", top.Chunks[0].Duration, top.Chunks[1].Duration)
	}

	var db searchResponse
	getJSON(t, a.ts.URL+"/api/chunks?attr.component=db", &db)
	if len(db.Chunks) != 5 {
		t.Fatalf("attr filter returned %d chunks, want 5", len(db.Chunks))
	}
	for _, c := range db.Chunks {
		if c.Method != "execute" {
			t.Errorf("method = %q, want execute", c.Method)
		}
	}

	var text searchResponse
	getJSON(t, a.ts.URL+"/api/chunks?text=serve&agent=agent-1", &text)
	if len(text.Chunks) != 5 {
		t.Errorf("text filter returned %d chunks, want 5", len(text.Chunks))
	}
}

func TestGetChunkAndTree(t *testing.T) {
	a := newTestAPI(t)
	a.sendRequest(t, 50)

	var c chunk.Chunk
	if code := getJSON(t, a.ts.URL+"/api/chunks/1", &c); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if c.Method != "serve" || len(c.Children) != 1 {
		t.Fatalf("root chunk = %+v", c)
	}

	var tree extract.Result
	if code := getJSON(t, a.ts.URL+"/api/chunks/1/tree", &tree); code != http.StatusOK {
		t.Fatalf("tree status = %d", code)
	}
	if tree.Method != "http.Handler.serve()" {
		t.Errorf("tree method = %q", tree.Method)
	}
	if len(tree.Children) != 1 || tree.Children[0].Method != "mydb.PStatement.execute()" {
		t.Errorf("tree children = %+v", tree.Children)
	}

	if code := getJSON(t, a.ts.URL+"/api/chunks/99", nil); code != http.StatusNotFound {
		t.Errorf("missing chunk status = %d, want 404", code)
	}
	if code := getJSON(t, a.ts.URL+"/api/chunks/abc", nil); code != http.StatusBadRequest {
		t.Errorf("bad seq status = %d, want 400", code)
	}
}

// brokenStore fails reads of selected chunks with a storage error.
type brokenStore struct {
	*chunk.MemoryStore
	broken map[uint64]bool
}

func (b *brokenStore) Get(seq uint64) (*chunk.Chunk, error) {
	if b.broken[seq] {
		return nil, fmt.Errorf("%w: read failed", chunk.ErrStorage)
	}
	return b.MemoryStore.Get(seq)
}

func TestChunkTree_ChildErrors(t *testing.T) {
	a := newTestAPI(t)
	a.sendRequest(t, 50) // child 0, root 1

	store := &brokenStore{MemoryStore: a.srv.store.(*chunk.MemoryStore), broken: map[uint64]bool{0: true}}
	srv := NewServer(config.HTTPConfig{}, store, a.sessions, a.srv.registry, a.srv.metrics, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.wsHub.Close()

	var body map[string]string
	if code := getJSON(t, ts.URL+"/api/chunks/1/tree", &body); code != http.StatusInternalServerError {
		t.Fatalf("tree with unreadable child: status = %d, want 500", code)
	}
	if !strings.Contains(body["error"], "storage") {
		t.Errorf("error = %q, want storage failure", body["error"])
	}

	// a child that was never stored is skipped
	root, err := store.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	orphan := *root
	orphan.Children = []uint64{999}
	if _, err := store.Append(&orphan); err != nil {
		t.Fatal(err)
	}
	var tree extract.Result
	if code := getJSON(t, ts.URL+"/api/chunks/2/tree", &tree); code != http.StatusOK {
		t.Fatalf("tree with missing child: status = %d, want 200", code)
	}
	if len(tree.Children) != 0 {
		t.Errorf("children = %+v, want none", tree.Children)
	}
}

func TestSessionsAndSymbols(t *testing.T) {
	a := newTestAPI(t)

	var sessions struct {
		Sessions []session.Info `json:"sessions"`
	}
	getJSON(t, a.ts.URL+"/api/sessions", &sessions)
	if len(sessions.Sessions) != 1 || sessions.Sessions[0].AgentID != "agent-1" {
		t.Fatalf("sessions = %+v", sessions.Sessions)
	}

	closed := false
	a.sess.SetCloser(func() { closed = true })
	req, _ := http.NewRequest(http.MethodDelete, a.ts.URL+"/api/sessions/"+a.sess.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !closed {
		t.Errorf("terminate status = %d closed = %v", resp.StatusCode, closed)
	}

	var stats map[string]int
	getJSON(t, a.ts.URL+"/api/symbols", &stats)
	if stats["symbols"] != 6 || stats["methods"] != 2 {
		t.Errorf("symbol stats = %v", stats)
	}

	var sym map[string]interface{}
	if code := getJSON(t, a.ts.URL+"/api/symbols/1", &sym); code != http.StatusOK {
		t.Fatalf("symbol status = %d", code)
	}
	if sym["name"] != "component" {
		t.Errorf("symbol 1 = %v", sym)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	a := newTestAPI(t)
	a.sendRequest(t, 10)

	var health map[string]interface{}
	getJSON(t, a.ts.URL+"/api/health", &health)
	if health["status"] != "ok" || health["chunks"] != float64(2) {
		t.Errorf("health = %v", health)
	}

	resp, err := http.Get(a.ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "zico_chunks_stored_total 2") {
		t.Error("metrics do not report stored chunks")
	}
}

func TestCORSPreflight(t *testing.T) {
	a := newTestAPI(t)
	req, _ := http.NewRequest(http.MethodOptions, a.ts.URL+"/api/chunks", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestLiveChunkFeed(t *testing.T) {
	a := newTestAPI(t)

	url := "ws" + strings.TrimPrefix(a.ts.URL, "http") + "/api/ws/chunks"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for a.srv.wsHub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	a.sendRequest(t, 10)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg struct {
		Type string      `json:"type"`
		Data chunk.Chunk `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "chunk" || msg.Data.Method != "execute" {
		t.Errorf("first event = %s %q, want chunk execute", msg.Type, msg.Data.Method)
	}
}

func TestBroadcast_StalledClientDoesNotBlock(t *testing.T) {
	m := metrics.New()
	hub := NewWebSocketHub(nil, true, m)
	defer hub.Close()

	// register a subscriber whose writer never drains its queue
	registered := make(chan *wsClient, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := hub.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := &wsClient{conn: conn, send: make(chan []byte, sendBuffer)}
		hub.mu.Lock()
		hub.clients[conn] = c
		hub.mu.Unlock()
		registered <- c
	}))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	stalled := <-registered

	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer+5; i++ {
			hub.Broadcast("chunk", map[string]int{"seq": i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a stalled subscriber")
	}

	if n := len(stalled.send); n != sendBuffer {
		t.Errorf("queued = %d, want %d", n, sendBuffer)
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "zico_ws_dropped_messages_total 5") {
		t.Error("metrics do not report 5 dropped messages")
	}
}
