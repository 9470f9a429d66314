package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ConnectionOpened()
	m.Frame("trace_data", 10)
	m.SymbolCache(1, 2)
	m.ObserveTraceData(time.Now())
	m.WSDroppedMessage()
	m.GaugeFunc("x", "y", func() float64 { return 1 })
	if m.Handler() == nil {
		t.Fatal("Handler() returned nil")
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

func TestCounters(t *testing.T) {
	m := New()
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.Frame("hello", 12)
	m.Frame("trace_data", 100)
	m.SymbolCache(3, 4)
	m.Stray(0)
	m.Stray(2)
	m.WSDroppedMessage()

	out := scrape(t, m)
	for _, want := range []string{
		"zico_connections_active 1",
		"zico_connections_total 2",
		"zico_frame_bytes_total 112",
		`zico_frames_total{type="hello"} 1`,
		"zico_symbol_cache_misses_total 4",
		"zico_stray_records_total 2",
		"zico_ws_dropped_messages_total 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ChunkStored()
	m.GaugeFunc("zico_test_gauge", "test gauge", func() float64 { return 42 })

	out := scrape(t, m)
	for _, want := range []string{"zico_chunks_stored_total 1", "zico_test_gauge 42"} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
