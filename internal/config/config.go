package config

import (
	"time"
)

// Config is the top-level zico configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Collector CollectorConfig `yaml:"collector"`
	HTTP      HTTPConfig      `yaml:"http"`
	Storage   StorageConfig   `yaml:"storage"`
	Auth      AuthConfig      `yaml:"auth"`
	Alerts    AlertsConfig    `yaml:"alerts"`
}

// CollectorConfig controls the agent-facing TCP listener.
type CollectorConfig struct {
	Listen       string        `yaml:"listen"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	MaxFrameSize int           `yaml:"max_frame_size"`
	HelloRate    float64       `yaml:"hello_rate"` // Hello frames per second per remote IP
	HelloBurst   int           `yaml:"hello_burst"`
}

// HTTPConfig controls the query API.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
	CORS   bool   `yaml:"cors"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver"` // memory, ragz
	Path        string `yaml:"path"`
	SegmentSize int64  `yaml:"segment_size"`
	SymbolsDB   string `yaml:"symbols_db"` // empty keeps symbols in memory only
}

type AuthConfig struct {
	Required bool          `yaml:"required"`
	Agents   []AgentConfig `yaml:"agents"`
}

// AgentConfig is one agent credential. SecretHash is a bcrypt hash and
// takes precedence over Secret.
type AgentConfig struct {
	ID         string `yaml:"id"`
	Secret     string `yaml:"secret,omitempty"`
	SecretHash string `yaml:"secret_hash,omitempty"`
}

// AlertsConfig selects which stored traces raise a notification.
type AlertsConfig struct {
	SlowThreshold int64              `yaml:"slow_threshold"` // duration in agent clock units, 0 disables
	OnError       bool               `yaml:"on_error"`
	TopLevelOnly  bool               `yaml:"top_level_only"`
	Cooldown      time.Duration      `yaml:"cooldown"`
	Slack         SlackAlertConfig   `yaml:"slack"`
	Webhook       WebhookAlertConfig `yaml:"webhook"`
}

type SlackAlertConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type WebhookAlertConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// DefaultConfig returns a config with sensible defaults for zero-config startup.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Collector: CollectorConfig{
			Listen:       ":8640",
			ReadTimeout:  5 * time.Minute,
			MaxFrameSize: 16 << 20,
			HelloRate:    5,
			HelloBurst:   10,
		},
		HTTP: HTTPConfig{
			Listen: ":8641",
		},
		Storage: StorageConfig{
			Driver:      "ragz",
			Path:        "./data/chunks.rgz",
			SegmentSize: 1 << 20,
			SymbolsDB:   "./data/symbols.db",
		},
		Alerts: AlertsConfig{
			TopLevelOnly: true,
			Cooldown:     5 * time.Minute,
		},
	}
}
