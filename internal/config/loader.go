package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads the YAML config file and keeps the current version.
type Loader struct {
	mu     sync.RWMutex
	cfg    *Config
	path   string
	logger *slog.Logger

	watchMu   sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewLoader creates a loader holding the default config.
func NewLoader() *Loader {
	return &Loader{
		cfg:    DefaultConfig(),
		logger: slog.Default().With("component", "config.Loader"),
	}
}

// Load parses path on top of the defaults.
func (l *Loader) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}

	l.mu.Lock()
	l.cfg = cfg
	l.path = path
	l.mu.Unlock()
	return nil
}

// Reload re-reads the file given to the last successful Load.
func (l *Loader) Reload() error {
	path := l.FilePath()
	if path == "" {
		return fmt.Errorf("no config file loaded")
	}
	return l.Load(path)
}

// Get returns the current config. Callers must not modify it.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the loaded file, or "" when running on defaults.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.path
}

// Validate rejects configs the server cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "ragz":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the ragz driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Collector.MaxFrameSize < 0 {
		return fmt.Errorf("collector.max_frame_size must not be negative")
	}
	if c.Alerts.SlowThreshold < 0 {
		return fmt.Errorf("alerts.slow_threshold must not be negative")
	}
	seen := make(map[string]bool)
	for _, a := range c.Auth.Agents {
		if a.ID == "" {
			return fmt.Errorf("auth agent without id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate auth agent %q", a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// substituteEnvVars expands ${VAR} and ${VAR:-default}.
func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		parts := envVarPattern.FindStringSubmatch(m)
		if v, ok := os.LookupEnv(parts[1]); ok {
			return v
		}
		return parts[2]
	})
}

// GenerateDefault writes the default config to path.
func GenerateDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	header := []byte("# zico collector configuration\n")
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, append(header, data...), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// WatchConfig reloads the config whenever the loaded file changes and then
// calls onReload with the new version. Call StopWatch to clean up.
func (l *Loader) WatchConfig(onReload func(*Config)) error {
	path := l.FilePath()
	if path == "" {
		return fmt.Errorf("no config file loaded")
	}

	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	l.stopWatchLocked()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	// the directory, so editors that replace the file are seen too
	dir := filepath.Dir(absPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	l.watcher = w
	l.watchDone = make(chan struct{})
	go l.watchLoop(w, l.watchDone, absPath, onReload)

	l.logger.Info("watching config for changes", "path", absPath)
	return nil
}

func (l *Loader) watchLoop(w *fsnotify.Watcher, done chan struct{}, target string, onReload func(*Config)) {
	defer close(done)
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if abs, _ := filepath.Abs(event.Name); abs != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := l.Reload(); err != nil {
				l.logger.Error("config reload failed, keeping previous config", "path", target, "error", err)
				continue
			}
			l.logger.Info("config reloaded", "path", target)
			if onReload != nil {
				onReload(l.Get())
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error("fsnotify error", "error", err)
		}
	}
}

// StopWatch stops the config watcher, if running.
func (l *Loader) StopWatch() {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	l.stopWatchLocked()
}

func (l *Loader) stopWatchLocked() {
	if l.watcher == nil {
		return
	}
	_ = l.watcher.Close()
	<-l.watchDone
	l.watcher = nil
	l.watchDone = nil
}
