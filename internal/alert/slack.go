package alert

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/zicotrace/zico/internal/config"
)

// SlackSender posts chunk alerts to a Slack incoming webhook as a Block Kit
// message: a header with the method, a field grid with timing and identity,
// and the exception when the scope threw one.
type SlackSender struct {
	webhookURL string
	channel    string
	client     *http.Client
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Fields   []slackText `json:"fields,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackMessage struct {
	Channel string       `json:"channel,omitempty"`
	Text    string       `json:"text"` // notification fallback
	Blocks  []slackBlock `json:"blocks"`
}

func NewSlackSender(cfg config.SlackAlertConfig) *SlackSender {
	return &SlackSender{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackSender) Name() string { return "slack" }

func (s *SlackSender) Send(alert Alert) error {
	return postJSON(s.client, s.webhookURL, slackPayload(s.channel, alert), nil)
}

func slackPayload(channel string, a Alert) slackMessage {
	mrkdwn := func(format string, args ...interface{}) slackText {
		return slackText{Type: "mrkdwn", Text: fmt.Sprintf(format, args...)}
	}

	fields := []slackText{
		mrkdwn("*Duration*\n%d", a.Duration),
		mrkdwn("*Chunk*\n#%d", a.Seq),
	}
	if a.Threshold > 0 {
		fields = append(fields, mrkdwn("*Threshold*\n%d", a.Threshold))
	}
	if a.Errors > 0 {
		fields = append(fields, mrkdwn("*Errors*\n%d", a.Errors))
	}
	if a.TraceType != "" {
		fields = append(fields, mrkdwn("*Trace type*\n%s", a.TraceType))
	}
	if a.AgentID != "" {
		fields = append(fields, mrkdwn("*Agent*\n%s", a.AgentID))
	}
	if a.TraceID != "" {
		fields = append(fields, mrkdwn("*Trace*\n`%s`", a.TraceID))
	}

	blocks := []slackBlock{
		{Type: "section", Text: &slackText{Type: "mrkdwn", Text: fmt.Sprintf("%s *%s*\n`%s`", severityEmoji(a.Severity), slackTitle(a.Type), a.Method)}},
		{Type: "section", Fields: fields},
	}
	if a.Exception != nil {
		blocks = append(blocks, slackBlock{
			Type: "section",
			Text: &slackText{Type: "mrkdwn", Text: fmt.Sprintf("```%s: %s```", a.Exception.Class, a.Exception.Message)},
		})
	}
	blocks = append(blocks, slackBlock{
		Type:     "context",
		Elements: []slackText{mrkdwn("zico · <!date^%d^{date_short_pretty} {time_secs}|%s>", a.Timestamp.Unix(), a.Timestamp.UTC().Format(time.RFC3339))},
	})

	return slackMessage{Channel: channel, Text: a.Message, Blocks: blocks}
}

func slackTitle(typ string) string {
	switch typ {
	case TypeTraceError:
		return "Trace failed"
	case TypeSlowTrace:
		return "Slow trace"
	default:
		return strings.ReplaceAll(typ, "_", " ")
	}
}

func severityEmoji(severity string) string {
	switch severity {
	case "critical":
		return ":red_circle:"
	case "warning":
		return ":large_yellow_circle:"
	default:
		return ":large_blue_circle:"
	}
}
