// ABOUTME: Entry point for the chatwire gateway server
// ABOUTME: Wires config, store, broker, sessions, webhooks, and the HTTP API

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/chatwire/chatwire/internal/api"
	"github.com/chatwire/chatwire/internal/auth"
	"github.com/chatwire/chatwire/internal/broker"
	"github.com/chatwire/chatwire/internal/config"
	"github.com/chatwire/chatwire/internal/session"
	"github.com/chatwire/chatwire/internal/socket/loopback"
	"github.com/chatwire/chatwire/internal/store"
	"github.com/chatwire/chatwire/internal/webhook"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
       _           _            _
   ___| |__   __ _| |___      _(_)_ __ ___
  / __| '_ \ / _' | __\ \ /\ / / | '__/ _ \
 | (__| | | | (_| | |_ \ V  V /| | | |  __/
  \___|_| |_|\__,_|\__| \_/\_/ |_|_|  \___|
`

// getConfigPath returns the path to the chatwire config file.
// Priority: CHATWIRE_CONFIG env var > XDG_CONFIG_HOME/chatwire/chatwire.yaml > ~/.config/chatwire/chatwire.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CHATWIRE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chatwire.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "chatwire", "chatwire.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: chatwire <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                Start the gateway server")
		fmt.Println("  init                 Create a config file with a fresh JWT secret")
		fmt.Println("  token --sub NAME     Generate an API token from the configured secret")
		fmt.Println("  health               Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	if cfg.Webhook.URL != "" {
		green.Print("    ▶ ")
		fmt.Printf("Webhook:  %s\n", cfg.Webhook.URL)
	}
	fmt.Println()

	logger.Info("starting chatwire",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"database", cfg.Database.Path,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	events := broker.New(cfg.Events.RingCapacity, st, logger)
	defer events.Close()

	lastSeq, err := st.LastEventSequence(ctx)
	if err != nil {
		return fmt.Errorf("reading last event sequence: %w", err)
	}
	events.SeedSequence(lastSeq)

	credDir := filepath.Join(filepath.Dir(cfg.Database.Path), "credentials")
	dialer, err := loopback.NewDialer(credDir)
	if err != nil {
		return fmt.Errorf("creating dialer: %w", err)
	}

	registry := session.NewRegistry(st, events, dialer, session.Config{
		ReconnectStart: cfg.Sessions.ReconnectStart,
		ReconnectCap:   cfg.Sessions.ReconnectCap,
		RateMax:        cfg.Sessions.RateMax,
		RateWindow:     cfg.Sessions.RateWindow,
		StatusTTL:      cfg.Sessions.StatusTTL,
		StatusSweep:    cfg.Sessions.StatusSweep,
		NoteMaxLen:     cfg.Sessions.NoteMaxLen,
	}, logger)
	defer registry.Close()

	if err := registry.StartAll(ctx); err != nil {
		logger.Error("restoring sessions failed", "error", err)
	}

	dispatcher := webhook.NewDispatcher(webhook.Config{
		URL:         cfg.Webhook.URL,
		Secret:      cfg.Webhook.Secret,
		MaxAttempts: cfg.Webhook.MaxAttempts,
		Backoff:     cfg.Webhook.Backoff,
		EventTypes:  cfg.Webhook.EventTypes,
	}, events, logger)
	go dispatcher.Run(ctx)

	receiver := webhook.NewReceiver(cfg.Webhook.Secret, 10*time.Minute, inboundHandler(events), logger)

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	} else {
		logger.Warn("no jwt secret configured, API authentication disabled")
	}

	apiServer := api.NewServer(registry, events, st, receiver, verifier, cfg.Events.Keepalive, logger)

	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: apiServer.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	return nil
}

// inboundHandler turns verified inbound webhook bodies into broker events.
func inboundHandler(events *broker.Broker) webhook.InboundHandler {
	return func(r *http.Request, body []byte) error {
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			return fmt.Errorf("parsing inbound body: %w", err)
		}
		scope, _ := payload["instance"].(string)
		events.Append(broker.TypeWebhook, scope, broker.DirectionInbound, payload)
		return nil
	}
}

func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			dataDir = "data"
		} else {
			dataDir = filepath.Join(homeDir, ".local", "share")
		}
	}
	dbPath := filepath.Join(dataDir, "chatwire", "chatwire.db")

	content := fmt.Sprintf(`# chatwire configuration
# Generated by chatwire init

server:
  http_addr: "127.0.0.1:8080"

database:
  path: "%s"

auth:
  jwt_secret: "%s"

sessions:
  reconnect_start: "1s"
  reconnect_cap: "30s"
  rate_max: 20
  rate_window: "15s"
  status_ttl: "10m"
  status_sweep: "60s"

events:
  ring_capacity: 200
  keepalive: "15s"

# webhook:
#   url: "https://example.com/hooks/chatwire"
#   secret: "${CHATWIRE_WEBHOOK_SECRET}"
#   max_attempts: 5
#   backoff: "2s"

logging:
  level: "info"
  format: "text"
`, dbPath, jwtSecret)

	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("  ✓ ")
	fmt.Printf("Config written to %s\n", configPath)
	fmt.Println("  Run `chatwire token --sub you` to mint an API token.")
	return nil
}

func runToken() error {
	var sub string
	ttl := 30 * 24 * time.Hour

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--sub" || arg == "-s":
			if i+1 >= len(args) {
				return fmt.Errorf("--sub requires a value")
			}
			sub = args[i+1]
			i++
		case strings.HasPrefix(arg, "--sub="):
			sub = strings.TrimPrefix(arg, "--sub=")
		case arg == "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			d, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = d
			i++
		case strings.HasPrefix(arg, "--ttl="):
			d, err := time.ParseDuration(strings.TrimPrefix(arg, "--ttl="))
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = d
		default:
			return fmt.Errorf("unknown argument: %s", arg)
		}
	}

	if strings.TrimSpace(sub) == "" {
		return fmt.Errorf("--sub flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(sub, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
