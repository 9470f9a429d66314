package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zicotrace/zico/internal/alert"
	"github.com/zicotrace/zico/internal/api"
	"github.com/zicotrace/zico/internal/auth"
	"github.com/zicotrace/zico/internal/chunk"
	"github.com/zicotrace/zico/internal/collector"
	"github.com/zicotrace/zico/internal/config"
	"github.com/zicotrace/zico/internal/extract"
	"github.com/zicotrace/zico/internal/metrics"
	"github.com/zicotrace/zico/internal/server"
	"github.com/zicotrace/zico/internal/session"
	"github.com/zicotrace/zico/internal/symbol"
	"github.com/zicotrace/zico/internal/zico"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "zico",
		Short: "Trace collector for APM agents",
		Long:  "zico collects nested method traces from instrumented agents, stores them\nin a compressed chunk log and serves them over a query API.",
	}

	var configFile string
	var devMode bool
	var apiAddr string

	// ─── start ───
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the collector and the query API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configFile, devMode)
		},
	}
	startCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: zico.yaml)")
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: debug logs, in-memory storage, CORS *")

	// ─── init ───
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}

	initAgentCmd := &cobra.Command{
		Use:   "agent [agent-id]",
		Short: "Generate a secret and the auth entry for a new agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInitAgent(args[0])
		},
	}
	initCmd.AddCommand(initAgentCmd)

	// ─── version ───
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("zico %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	// ─── status ───
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show collector health and connected agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(apiAddr)
		},
	}

	// ─── search ───
	searchCmd := &cobra.Command{
		Use:   "search [text]",
		Short: "Search stored chunks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(apiAddr, cmd, args)
		},
	}
	searchCmd.Flags().Int("limit", 20, "Maximum number of chunks")
	searchCmd.Flags().Int("offset", 0, "Chunks to skip")
	searchCmd.Flags().Int64("min-duration", 0, "Minimum scope duration")
	searchCmd.Flags().String("agent", "", "Only chunks of this agent")
	searchCmd.Flags().StringSlice("attr", nil, "Attribute filter key=value (repeatable)")
	searchCmd.Flags().Bool("errors", false, "Only failed scopes")
	searchCmd.Flags().Bool("top", false, "Only top-level scopes")
	searchCmd.Flags().Bool("slowest", false, "Order by duration")

	// ─── show ───
	showCmd := &cobra.Command{
		Use:   "show [seq]",
		Short: "Print a chunk and its direct children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(apiAddr, args[0])
		},
	}

	// ─── ping ───
	var agentID, secret string
	pingCmd := &cobra.Command{
		Use:   "ping [collector-addr]",
		Short: "Authenticate against a collector and measure the round trip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPing(args[0], agentID, secret)
		},
	}
	pingCmd.Flags().StringVar(&agentID, "agent", "zico-cli", "Agent id to authenticate as")
	pingCmd.Flags().StringVar(&secret, "secret", "", "Agent secret")

	for _, c := range []*cobra.Command{statusCmd, searchCmd, showCmd} {
		c.Flags().StringVar(&apiAddr, "api", "http://localhost:8641", "Query API base URL")
	}

	rootCmd.AddCommand(startCmd, initCmd, versionCmd, statusCmd, searchCmd, showCmd, pingCmd, newRagzCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

func credentials(cfg config.AuthConfig) []auth.Credential {
	out := make([]auth.Credential, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		out = append(out, auth.Credential{AgentID: a.ID, Secret: a.Secret, Hash: a.SecretHash})
	}
	return out
}

func openStore(cfg config.StorageConfig, logger *slog.Logger) (chunk.Store, error) {
	switch cfg.Driver {
	case "memory":
		return chunk.NewMemoryStore(), nil
	case "ragz":
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create storage directory: %w", err)
			}
		}
		return chunk.OpenLogStore(cfg.Path, cfg.SegmentSize, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func runStart(configFile string, devMode bool) error {
	// Load config
	cfgLoader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	cfg := *cfgLoader.Get()
	if devMode {
		cfg.HTTP.CORS = true
		cfg.LogLevel = "debug"
		cfg.Storage.Driver = "memory"
		cfg.Storage.SymbolsDB = ""
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// Symbol registry, optionally persisted
	registry := symbol.NewRegistry(logger)
	if cfg.Storage.SymbolsDB != "" {
		if dir := filepath.Dir(cfg.Storage.SymbolsDB); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create symbols directory: %w", err)
			}
		}
		symStore, err := symbol.NewSQLiteStore(cfg.Storage.SymbolsDB)
		if err != nil {
			return fmt.Errorf("failed to open symbol store: %w", err)
		}
		if err := symStore.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize symbol store: %w", err)
		}
		defer func() { _ = symStore.Close() }()

		syms, methods, err := symStore.Load(registry)
		if err != nil {
			return fmt.Errorf("failed to load symbols: %w", err)
		}
		registry.SetPersister(symStore)
		logger.Info("symbols restored", "symbols", syms, "methods", methods)
	}

	// Chunk store
	store, err := openStore(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	m := metrics.New()
	m.GaugeFunc("zico_chunks", "Chunks in the store", func() float64 { return float64(store.Length()) })

	sessions := session.NewManager(registry, logger)
	m.GaugeFunc("zico_sessions", "Live agent sessions", func() float64 { return float64(sessions.ActiveCount()) })

	authn := auth.NewAuthenticator(cfg.Auth.Required, credentials(cfg.Auth), logger)
	coll := collector.New(registry, store, m, logger)

	collectorServer := server.New(coll, sessions, authn, m, server.Options{
		ReadTimeout:  cfg.Collector.ReadTimeout,
		MaxFrameSize: cfg.Collector.MaxFrameSize,
		HelloRate:    cfg.Collector.HelloRate,
		HelloBurst:   cfg.Collector.HelloBurst,
	}, logger)

	apiServer := api.NewServer(cfg.HTTP, store, sessions, registry, m, logger)
	coll.OnChunk(apiServer.BroadcastChunk)

	alerts := alert.NewManager(cfg.Alerts, logger)
	coll.OnChunk(alerts.Evaluate)

	// Print startup banner
	fmt.Println()
	fmt.Printf("  zico %s\n", version)
	fmt.Println()
	fmt.Printf("  → Collector: %s\n", cfg.Collector.Listen)
	fmt.Printf("  → API:       %s/api\n", cfg.HTTP.Listen)
	fmt.Printf("  → Metrics:   %s/metrics\n", cfg.HTTP.Listen)
	fmt.Printf("  → Storage:   %s (%s)\n", cfg.Storage.Driver, cfg.Storage.Path)
	fmt.Printf("  → Auth:      %d agents, required=%v\n", authn.Agents(), cfg.Auth.Required)
	if alerts.HasSenders() {
		fmt.Printf("  → Alerts:    slow>=%d on_error=%v\n", cfg.Alerts.SlowThreshold, cfg.Alerts.OnError)
	}
	fmt.Println()

	// Hot-reload agent credentials and alert rules
	if configFile != "" {
		if err := cfgLoader.WatchConfig(func(c *config.Config) {
			authn.Update(c.Auth.Required, credentials(c.Auth))
			alerts.Update(c.Alerts)
		}); err != nil {
			logger.Error("failed to watch config for hot-reload", "error", err)
		}
		defer cfgLoader.StopWatch()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				alerts.PruneDedup()
			}
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()
		collectorServer.Stop()
		alerts.Wait()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = apiServer.Shutdown(shutCtx)
	}()

	// Start collector
	go func() {
		if err := collectorServer.Start(cfg.Collector.Listen); err != nil {
			logger.Error("collector error", "addr", cfg.Collector.Listen, "error", err)
		}
	}()

	// Start query API
	if err := apiServer.Start(cfg.HTTP.Listen); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// ─── Init Commands ───

func runInit() error {
	configPath := "zico.yaml"
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("  ⚠ %s already exists (skipping)\n", configPath)
	} else {
		if err := config.GenerateDefault(configPath); err != nil {
			return err
		}
		fmt.Printf("  ✓ Generated %s\n", configPath)
	}

	if err := os.MkdirAll("data", 0755); err != nil {
		return fmt.Errorf("failed to create data/: %w", err)
	}
	fmt.Println("  ✓ Created data/")

	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    zico init agent <agent-id>   # Register an agent")
	fmt.Println("    zico start                   # Start the collector")
	return nil
}

func runInitAgent(agentID string) error {
	secret, err := auth.GenerateSecret()
	if err != nil {
		return err
	}
	hash, err := auth.HashSecret(secret)
	if err != nil {
		return err
	}

	fmt.Printf("  Agent secret (give this to the agent): %s\n\n", secret)
	fmt.Println("  Add to zico.yaml:")
	fmt.Println()
	fmt.Println("  auth:")
	fmt.Println("    agents:")
	fmt.Printf("      - id: %s\n", agentID)
	fmt.Printf("        secret_hash: %q\n", hash)
	return nil
}

// ─── Query Commands ───

func runStatus(apiAddr string) error {
	var health map[string]interface{}
	if err := getJSON(apiAddr+"/api/health", &health); err != nil {
		fmt.Printf("zico is not reachable at %s\n", apiAddr)
		return nil
	}

	fmt.Println("zico Status")
	fmt.Println("───────────")
	for k, v := range health {
		fmt.Printf("  %-12s %v\n", k+":", v)
	}

	var result struct {
		Sessions []session.Info `json:"sessions"`
	}
	if err := getJSON(apiAddr+"/api/sessions", &result); err != nil {
		return err
	}
	if len(result.Sessions) == 0 {
		return nil
	}
	fmt.Println()
	fmt.Printf("%-32s %-16s %-22s %8s %10s\n", "SESSION", "AGENT", "REMOTE", "FRAMES", "BYTES")
	fmt.Println(strings.Repeat("─", 92))
	for _, s := range result.Sessions {
		fmt.Printf("%-32s %-16s %-22s %8d %10d\n",
			s.ID, truncate(s.AgentID, 16), s.RemoteAddr, s.Frames, s.BytesIn)
	}
	return nil
}

func runSearch(apiAddr string, cmd *cobra.Command, args []string) error {
	q := url.Values{}
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	minDuration, _ := cmd.Flags().GetInt64("min-duration")
	agent, _ := cmd.Flags().GetString("agent")
	attrs, _ := cmd.Flags().GetStringSlice("attr")
	errorsOnly, _ := cmd.Flags().GetBool("errors")
	top, _ := cmd.Flags().GetBool("top")
	slowest, _ := cmd.Flags().GetBool("slowest")

	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	if minDuration > 0 {
		q.Set("min_duration", strconv.FormatInt(minDuration, 10))
	}
	if len(args) == 1 {
		q.Set("text", args[0])
	}
	if agent != "" {
		q.Set("agent", agent)
	}
	for _, kv := range attrs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("attribute filter %q is not key=value", kv)
		}
		q.Set("attr."+k, v)
	}
	if errorsOnly {
		q.Set("errors", "true")
	}
	if top {
		q.Set("top", "true")
	}
	if slowest {
		q.Set("sort", "duration")
	}

	var result struct {
		Chunks []chunk.Chunk `json:"chunks"`
		Total  int           `json:"total"`
	}
	if err := getJSON(apiAddr+"/api/chunks?"+q.Encode(), &result); err != nil {
		return fmt.Errorf("failed to search: %w", err)
	}
	if len(result.Chunks) == 0 {
		fmt.Println("No chunks found.")
		return nil
	}

	fmt.Printf("%-8s %-16s %-40s %12s %6s %s\n", "SEQ", "AGENT", "METHOD", "DURATION", "ERR", "ATTRS")
	fmt.Println(strings.Repeat("─", 100))
	for _, c := range result.Chunks {
		errMark := ""
		if c.HasError() {
			errMark = "✗"
		}
		fmt.Printf("%-8d %-16s %-40s %12d %6s %s\n",
			c.Seq, truncate(c.AgentID, 16), truncate(c.Class+"."+c.Method, 40),
			c.Duration, errMark, formatAttrs(c.Attrs))
	}
	fmt.Printf("\n%d shown, %d stored\n", len(result.Chunks), result.Total)
	return nil
}

func runShow(apiAddr, seq string) error {
	var res extract.Result
	if err := getJSON(apiAddr+"/api/chunks/"+url.PathEscape(seq)+"/tree", &res); err != nil {
		return fmt.Errorf("failed to load chunk %s: %w", seq, err)
	}
	printResult(&res, 0)
	return nil
}

func printResult(r *extract.Result, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Printf("%s%s  duration=%d calls=%d", indent, r.Method, r.Duration, r.Calls)
	if r.TraceType != "" {
		fmt.Printf(" [%s %016x]", r.TraceType, r.SpanID)
	}
	fmt.Println()
	if len(r.Attrs) > 0 {
		fmt.Printf("%s  %s\n", indent, formatAttrs(r.Attrs))
	}
	if r.Exception != nil {
		fmt.Printf("%s  ! %s: %s\n", indent, r.Exception.Class, r.Exception.Message)
		for _, frame := range r.Exception.Stack {
			fmt.Printf("%s      at %s\n", indent, frame)
		}
	}
	for _, c := range r.Children {
		printResult(c, depth+1)
	}
}

func runPing(addr, agentID, secret string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := zico.Dial(ctx, addr, 10*time.Second)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if err := c.Hello(agentID, "zico-cli", secret); err != nil {
		return fmt.Errorf("hello failed: %w", err)
	}
	rtt, err := c.Ping()
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	fmt.Printf("  ✓ %s answered in %s\n", addr, rtt)
	return nil
}

// ─── Shared Helpers ───

func findConfigFile() string {
	candidates := []string{
		"zico.yaml",
		"zico.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "zico", "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func getJSON(u string, v interface{}) error {
	resp, err := http.Get(u)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		var e map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s: %s", resp.Status, e["error"])
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func formatAttrs(attrs map[string]string) string {
	if len(attrs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(attrs))
	for k, v := range attrs {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, " ")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-2] + ".."
}
