package alert

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zicotrace/zico/internal/chunk"
	"github.com/zicotrace/zico/internal/config"
)

// Alert types.
const (
	TypeSlowTrace  = "slow_trace"
	TypeTraceError = "trace_error"
)

// Alert is raised for one stored chunk.
type Alert struct {
	Type      string           `json:"type"`     // slow_trace, trace_error
	Severity  string           `json:"severity"` // info, warning, critical
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	AgentID   string           `json:"agent_id,omitempty"`
	TraceID   string           `json:"trace_id,omitempty"`
	TraceType string           `json:"trace_type,omitempty"`
	Seq       uint64           `json:"seq"`
	Method    string           `json:"method,omitempty"`
	Duration  int64            `json:"duration"`
	Threshold int64            `json:"threshold,omitempty"`
	Errors    uint64           `json:"errors,omitempty"`
	Exception *chunk.Exception `json:"exception,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Manager turns stored chunks into alerts and delivers them with
// deduplication.
type Manager struct {
	mu       sync.Mutex
	config   config.AlertsConfig
	senders  []Sender
	dedup    map[string]time.Time // dedupKey → lastSent
	dedupTTL time.Duration
	inflight sync.WaitGroup
	logger   *slog.Logger
}

// Sender is an interface for alert delivery channels.
type Sender interface {
	Send(alert Alert) error
	Name() string
}

// NewManager creates a new alert manager.
func NewManager(cfg config.AlertsConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		dedup:  make(map[string]time.Time),
		logger: logger.With("component", "alert.Manager"),
	}
	m.Update(cfg)
	return m
}

// Update replaces the rules and rebuilds the senders.
func (m *Manager) Update(cfg config.AlertsConfig) {
	var senders []Sender
	if cfg.Slack.WebhookURL != "" {
		senders = append(senders, NewSlackSender(cfg.Slack))
	}
	if cfg.Webhook.URL != "" {
		senders = append(senders, NewWebhookSender(cfg.Webhook))
	}
	ttl := cfg.Cooldown
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	m.mu.Lock()
	m.config = cfg
	m.senders = senders
	m.dedupTTL = ttl
	m.mu.Unlock()
}

// AddSender registers an extra delivery channel.
func (m *Manager) AddSender(s Sender) {
	m.mu.Lock()
	m.senders = append(m.senders, s)
	m.mu.Unlock()
}

// Evaluate checks a stored chunk against the configured rules and sends at
// most one alert for it. Errors win over slowness.
func (m *Manager) Evaluate(c *chunk.Chunk) {
	m.mu.Lock()
	cfg := m.config
	m.mu.Unlock()

	if cfg.TopLevelOnly && c.Depth > 0 {
		return
	}
	method := c.Class + "." + c.Method
	a := Alert{
		AgentID:   c.AgentID,
		TraceID:   c.TraceID,
		TraceType: c.TraceType,
		Seq:       c.Seq,
		Method:    method,
		Duration:  c.Duration,
		Errors:    c.Errors,
		Exception: c.Exception,
	}

	switch {
	case cfg.OnError && c.HasError():
		a.Type = TypeTraceError
		a.Severity = "critical"
		a.Title = "Trace failed: " + method
		a.Message = fmt.Sprintf("%s failed after %d (%d errors)", method, c.Duration, c.Errors)
		if c.Exception != nil {
			a.Message = fmt.Sprintf("%s threw %s: %s", method, c.Exception.Class, c.Exception.Message)
		}
	case cfg.SlowThreshold > 0 && c.Duration >= cfg.SlowThreshold:
		a.Type = TypeSlowTrace
		a.Severity = "warning"
		a.Title = "Slow trace: " + method
		a.Threshold = cfg.SlowThreshold
		a.Message = fmt.Sprintf("%s took %d (threshold %d)", method, c.Duration, cfg.SlowThreshold)
	default:
		return
	}
	m.Send(a)
}

// Send dispatches an alert to all configured channels with deduplication.
func (m *Manager) Send(alert Alert) {
	alert.Timestamp = time.Now()

	dedupKey := alert.Type + "|" + alert.AgentID + "|" + alert.Method
	m.mu.Lock()
	if lastSent, ok := m.dedup[dedupKey]; ok && time.Since(lastSent) < m.dedupTTL {
		m.mu.Unlock()
		m.logger.Debug("alert deduplicated", "type", alert.Type, "key", dedupKey)
		return
	}
	m.dedup[dedupKey] = time.Now()
	senders := m.senders
	m.mu.Unlock()

	// Dispatch to all senders (async)
	for _, sender := range senders {
		m.inflight.Add(1)
		go func(s Sender) {
			defer m.inflight.Done()
			if err := s.Send(alert); err != nil {
				m.logger.Error("failed to send alert",
					"sender", s.Name(),
					"type", alert.Type,
					"error", err,
				)
			}
		}(sender)
	}
}

// Wait blocks until every dispatched alert has been delivered or failed.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// PruneDedup removes old dedup entries. Call periodically.
func (m *Manager) PruneDedup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for key, ts := range m.dedup {
		if now.Sub(ts) > m.dedupTTL*2 {
			delete(m.dedup, key)
		}
	}
}

// HasSenders returns true if any alert channels are configured.
func (m *Manager) HasSenders() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.senders) > 0
}
