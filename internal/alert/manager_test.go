package alert

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zicotrace/zico/internal/chunk"
	"github.com/zicotrace/zico/internal/config"
)

type mockSender struct {
	name string
	err  error

	mu   sync.Mutex
	sent []Alert
}

func (m *mockSender) Name() string { return m.name }

func (m *mockSender) Send(alert Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, alert)
	return m.err
}

func (m *mockSender) alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.sent...)
}

func newTestManager(cfg config.AlertsConfig) (*Manager, *mockSender) {
	m := NewManager(cfg, slog.Default())
	s := &mockSender{name: "mock"}
	m.AddSender(s)
	return m, s
}

func TestEvaluate_SlowTrace(t *testing.T) {
	m, s := newTestManager(config.AlertsConfig{SlowThreshold: 1000})

	m.Evaluate(&chunk.Chunk{Seq: 3, AgentID: "a1", Class: "my.Svc", Method: "fast", Duration: 999})
	m.Evaluate(&chunk.Chunk{Seq: 4, AgentID: "a1", Class: "my.Svc", Method: "slow", Duration: 1000, TraceType: "HTTP"})
	m.Wait()

	got := s.alerts()
	if len(got) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(got))
	}
	a := got[0]
	if a.Type != TypeSlowTrace || a.Severity != "warning" {
		t.Errorf("unexpected alert kind %s/%s", a.Type, a.Severity)
	}
	if a.Seq != 4 || a.Method != "my.Svc.slow" {
		t.Errorf("alert points at %d %s", a.Seq, a.Method)
	}
	if a.TraceType != "HTTP" || a.Threshold != 1000 {
		t.Errorf("expected trace type HTTP and threshold 1000, got %q %d", a.TraceType, a.Threshold)
	}
	if a.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestEvaluate_ErrorWinsOverSlow(t *testing.T) {
	m, s := newTestManager(config.AlertsConfig{SlowThreshold: 10, OnError: true})

	m.Evaluate(&chunk.Chunk{
		Class: "my.Svc", Method: "run", Duration: 50,
		Exception: &chunk.Exception{Class: "java.io.IOException", Message: "boom"},
	})
	m.Wait()

	got := s.alerts()
	if len(got) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(got))
	}
	if got[0].Type != TypeTraceError || got[0].Severity != "critical" {
		t.Errorf("expected critical trace_error, got %s/%s", got[0].Type, got[0].Severity)
	}
	if got[0].Message != "my.Svc.run threw java.io.IOException: boom" {
		t.Errorf("unexpected message %q", got[0].Message)
	}
}

func TestEvaluate_Disabled(t *testing.T) {
	m, s := newTestManager(config.AlertsConfig{})
	m.Evaluate(&chunk.Chunk{Duration: 1 << 40, Errors: 3})
	m.Wait()
	if n := len(s.alerts()); n != 0 {
		t.Errorf("expected no alerts with empty rules, got %d", n)
	}
}

func TestEvaluate_TopLevelOnly(t *testing.T) {
	m, s := newTestManager(config.AlertsConfig{OnError: true, TopLevelOnly: true})
	m.Evaluate(&chunk.Chunk{Class: "c", Method: "inner", Depth: 1, Errors: 1})
	m.Evaluate(&chunk.Chunk{Class: "c", Method: "outer", Depth: 0, Errors: 1})
	m.Wait()

	got := s.alerts()
	if len(got) != 1 || got[0].Method != "c.outer" {
		t.Fatalf("expected only the top-level alert, got %+v", got)
	}
}

func TestSend_Deduplicates(t *testing.T) {
	m, s := newTestManager(config.AlertsConfig{OnError: true, Cooldown: time.Hour})
	c := &chunk.Chunk{AgentID: "a1", Class: "c", Method: "m", Errors: 1}
	m.Evaluate(c)
	m.Evaluate(c)
	m.Evaluate(&chunk.Chunk{AgentID: "a2", Class: "c", Method: "m", Errors: 1})
	m.Wait()

	if n := len(s.alerts()); n != 2 {
		t.Errorf("expected 2 alerts after dedup, got %d", n)
	}

	m.mu.Lock()
	m.dedupTTL = time.Nanosecond
	m.mu.Unlock()
	time.Sleep(time.Millisecond)
	m.PruneDedup()
	m.mu.Lock()
	left := len(m.dedup)
	m.mu.Unlock()
	if left != 0 {
		t.Errorf("expected dedup map pruned, %d entries left", left)
	}
}

func TestSend_SenderErrorDoesNotBlockOthers(t *testing.T) {
	m := NewManager(config.AlertsConfig{}, slog.Default())
	bad := &mockSender{name: "bad", err: errors.New("down")}
	good := &mockSender{name: "good"}
	m.AddSender(bad)
	m.AddSender(good)

	m.Send(Alert{Type: TypeSlowTrace, AgentID: "a"})
	m.Wait()

	if len(bad.alerts()) != 1 || len(good.alerts()) != 1 {
		t.Errorf("expected both senders called, got bad=%d good=%d", len(bad.alerts()), len(good.alerts()))
	}
}

func TestUpdate_RebuildsSenders(t *testing.T) {
	m := NewManager(config.AlertsConfig{}, slog.Default())
	if m.HasSenders() {
		t.Fatal("expected no senders")
	}
	m.Update(config.AlertsConfig{Webhook: config.WebhookAlertConfig{URL: "http://localhost:1"}})
	if !m.HasSenders() {
		t.Fatal("expected webhook sender after update")
	}
}

func TestWebhookSender_ChunkEvent(t *testing.T) {
	var (
		body []byte
		sig  string
		ts   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		sig = r.Header.Get("X-Zico-Signature")
		ts = r.Header.Get("X-Zico-Timestamp")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewWebhookSender(config.WebhookAlertConfig{URL: srv.URL, Secret: "k"})
	err := s.Send(Alert{
		Type: TypeTraceError, Severity: "critical", Seq: 9, TraceID: "00ab", AgentID: "a1",
		Method: "my.Svc.run", Duration: 40, Errors: 1,
		Exception: &chunk.Exception{Class: "java.io.IOException", Message: "boom"},
		Timestamp: time.Unix(1700000000, 0),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if ts != "1700000000" {
		t.Errorf("timestamp header = %q", ts)
	}
	mac := hmac.New(sha256.New, []byte("k"))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	if want := hex.EncodeToString(mac.Sum(nil)); sig != want {
		t.Errorf("signature mismatch: %s != %s", sig, want)
	}

	var got chunkEvent
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.Event != TypeTraceError || got.Chunk.Seq != 9 || got.Chunk.Method != "my.Svc.run" {
		t.Errorf("unexpected event %+v", got)
	}
	if got.Chunk.TraceID != "00ab" || got.Chunk.AgentID != "a1" || got.Chunk.Duration != 40 {
		t.Errorf("unexpected chunk ref %+v", got.Chunk)
	}
	if got.Error == nil || got.Error.Class != "java.io.IOException" || got.Error.Count != 1 {
		t.Errorf("unexpected error block %+v", got.Error)
	}
}

func TestWebhookSender_UnsignedSlowTrace(t *testing.T) {
	var (
		got chunkEvent
		sig string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get("X-Zico-Signature")
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	err := NewWebhookSender(config.WebhookAlertConfig{URL: srv.URL}).Send(Alert{Type: TypeSlowTrace, Duration: 70, Threshold: 50})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sig != "" {
		t.Errorf("expected no signature without a secret, got %q", sig)
	}
	if got.Error != nil || got.Threshold != 50 {
		t.Errorf("unexpected slow trace event %+v", got)
	}
}

func TestWebhookSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhookSender(config.WebhookAlertConfig{URL: srv.URL}).Send(Alert{}); err == nil {
		t.Error("expected error for 502")
	}
}

func TestSlackSender_Blocks(t *testing.T) {
	var msg slackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&msg)
	}))
	defer srv.Close()

	s := NewSlackSender(config.SlackAlertConfig{WebhookURL: srv.URL, Channel: "#apm"})
	err := s.Send(Alert{
		Type: TypeTraceError, Severity: "critical", Message: "my.Svc.run threw X: y",
		Method: "my.Svc.run", TraceType: "HTTP", TraceID: "00ab", Duration: 40,
		Exception: &chunk.Exception{Class: "X", Message: "y"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Channel != "#apm" || msg.Text != "my.Svc.run threw X: y" {
		t.Errorf("unexpected message header %q %q", msg.Channel, msg.Text)
	}
	if len(msg.Blocks) != 4 {
		t.Fatalf("expected header, fields, exception and context blocks, got %d", len(msg.Blocks))
	}
	if !strings.Contains(msg.Blocks[0].Text.Text, "`my.Svc.run`") {
		t.Errorf("header does not name the method: %q", msg.Blocks[0].Text.Text)
	}
	var fields []string
	for _, f := range msg.Blocks[1].Fields {
		fields = append(fields, f.Text)
	}
	joined := strings.Join(fields, "|")
	for _, want := range []string{"*Duration*\n40", "*Trace type*\nHTTP", "*Trace*\n`00ab`"} {
		if !strings.Contains(joined, want) {
			t.Errorf("fields %q missing %q", joined, want)
		}
	}
	if msg.Blocks[2].Text.Text != "```X: y```" {
		t.Errorf("unexpected exception block %q", msg.Blocks[2].Text.Text)
	}
}
