package alert

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/zicotrace/zico/internal/config"
)

const (
	signatureHeader = "X-Zico-Signature"
	timestampHeader = "X-Zico-Timestamp"
)

// WebhookSender posts a chunkEvent per alert. With a secret set, the request
// carries X-Zico-Timestamp and an HMAC-SHA256 of "<timestamp>.<body>" in
// X-Zico-Signature.
type WebhookSender struct {
	url    string
	secret string
	client *http.Client
}

// chunkEvent is the webhook body. Version changes when fields are removed.
type chunkEvent struct {
	Version   int         `json:"version"`
	Event     string      `json:"event"`
	Severity  string      `json:"severity"`
	Chunk     chunkRef    `json:"chunk"`
	Error     *chunkError `json:"error,omitempty"`
	Threshold int64       `json:"threshold,omitempty"`
	Summary   string      `json:"summary"`
	AlertedAt time.Time   `json:"alerted_at"`
}

type chunkRef struct {
	Seq       uint64 `json:"seq"`
	TraceID   string `json:"trace_id,omitempty"`
	TraceType string `json:"trace_type,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Method    string `json:"method"`
	Duration  int64  `json:"duration"`
}

type chunkError struct {
	Count   uint64 `json:"count"`
	Class   string `json:"class,omitempty"`
	Message string `json:"message,omitempty"`
}

func NewWebhookSender(cfg config.WebhookAlertConfig) *WebhookSender {
	return &WebhookSender{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookSender) Name() string { return "webhook" }

func (w *WebhookSender) Send(alert Alert) error {
	ev := newChunkEvent(alert)
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	var headers map[string]string
	if w.secret != "" {
		ts := strconv.FormatInt(ev.AlertedAt.Unix(), 10)
		headers = map[string]string{
			timestampHeader: ts,
			signatureHeader: sign(w.secret, ts, body),
		}
	}
	return postRaw(w.client, w.url, body, headers)
}

func newChunkEvent(a Alert) chunkEvent {
	ev := chunkEvent{
		Version:  1,
		Event:    a.Type,
		Severity: a.Severity,
		Chunk: chunkRef{
			Seq:       a.Seq,
			TraceID:   a.TraceID,
			TraceType: a.TraceType,
			AgentID:   a.AgentID,
			Method:    a.Method,
			Duration:  a.Duration,
		},
		Threshold: a.Threshold,
		Summary:   a.Message,
		AlertedAt: a.Timestamp,
	}
	if a.Errors > 0 || a.Exception != nil {
		ev.Error = &chunkError{Count: a.Errors}
		if a.Exception != nil {
			ev.Error.Class = a.Exception.Class
			ev.Error.Message = a.Exception.Message
		}
	}
	return ev
}

func sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postJSON(client *http.Client, url string, v interface{}, headers map[string]string) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}
	return postRaw(client, url, body, headers)
}

func postRaw(client *http.Client, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "zico-alert/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post alert to %s: %w", req.URL.Host, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert endpoint %s returned %d", req.URL.Host, resp.StatusCode)
	}
	return nil
}
