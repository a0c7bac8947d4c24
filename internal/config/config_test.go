package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kinkys/narrativecore/internal/config"
)

func withHome(t *testing.T) string {
	t.Helper()
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("NARRATIVECORE_HOME", home)
	return home
}

func clearCoreEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"TRANSPORT_TOKEN", "TRANSPORT_MODE", "WEBHOOK_URL", "WEBHOOK_SECRET",
		"DOCSTORE_URI", "DOCSTORE_DATABASE", "RELATIONAL_PATH",
		"BUS_URI", "BUS_PASSWORD", "LOCAL_QUEUE_PATH", "LOCAL_QUEUE_CAPACITY",
		"API_BIND", "API_PORT", "API_JWT_SECRET",
		"CHANNEL_IDS_ALLOWED", "REACTION_EMOJIS_ALLOWED",
		"LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	withHome(t)
	clearCoreEnv(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transport.Mode != config.TransportPolling {
		t.Fatalf("expected default transport mode polling, got %q", cfg.Transport.Mode)
	}
	if cfg.LocalQueue.Capacity != 1000 {
		t.Fatalf("expected default local queue capacity 1000, got %d", cfg.LocalQueue.Capacity)
	}
	if cfg.API.BindAddr == "" {
		t.Fatal("expected a default API bind address")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	withHome(t)
	clearCoreEnv(t)

	t.Setenv("TRANSPORT_TOKEN", "bot-token-123")
	t.Setenv("TRANSPORT_MODE", "webhook")
	t.Setenv("BUS_URI", "redis://localhost:6379/0")
	t.Setenv("LOCAL_QUEUE_CAPACITY", "2000")
	t.Setenv("CHANNEL_IDS_ALLOWED", "-100123,-100456")
	t.Setenv("REACTION_EMOJIS_ALLOWED", "❤,\U0001F525")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transport.Token != "bot-token-123" {
		t.Fatalf("unexpected transport token: %q", cfg.Transport.Token)
	}
	if cfg.Transport.Mode != config.TransportWebhook {
		t.Fatalf("expected webhook mode, got %q", cfg.Transport.Mode)
	}
	if cfg.Bus.URI != "redis://localhost:6379/0" {
		t.Fatalf("unexpected bus uri: %q", cfg.Bus.URI)
	}
	if cfg.LocalQueue.Capacity != 2000 {
		t.Fatalf("expected capacity override 2000, got %d", cfg.LocalQueue.Capacity)
	}
	if len(cfg.Channels.AllowedChannelIDs) != 2 {
		t.Fatalf("expected 2 allowed channel ids, got %v", cfg.Channels.AllowedChannelIDs)
	}
	if len(cfg.Channels.AllowedReactionEmojis) != 2 {
		t.Fatalf("expected 2 allowed emojis, got %v", cfg.Channels.AllowedReactionEmojis)
	}
}

func TestLoad_OverlayAppliesOperationalTuning(t *testing.T) {
	home := withHome(t)
	clearCoreEnv(t)

	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	overlay := "log_level: debug\napi_bind_addr: \"0.0.0.0:9090\"\nrate_limit:\n  enabled: true\n  requests_per_minute: 30\n"
	if err := os.WriteFile(config.ConfigPath(home), []byte(overlay), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log_level=debug, got %q", cfg.LogLevel)
	}
	if cfg.API.BindAddr != "0.0.0.0:9090" {
		t.Fatalf("expected overlay bind addr, got %q", cfg.API.BindAddr)
	}
	if cfg.API.RateLimit.RequestsPerMinute != 30 {
		t.Fatalf("expected overlay rate limit 30, got %d", cfg.API.RateLimit.RequestsPerMinute)
	}
}

func TestLoad_EnvWinsOverOverlay(t *testing.T) {
	home := withHome(t)
	clearCoreEnv(t)

	if err := os.WriteFile(config.ConfigPath(home), []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected env to win, got %q", cfg.LogLevel)
	}
}

func TestLoad_JWTSecretEnablesAuth(t *testing.T) {
	withHome(t)
	clearCoreEnv(t)
	t.Setenv("API_JWT_SECRET", "s3cret")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.API.Auth.Enabled {
		t.Fatal("expected auth enabled once a JWT secret is configured")
	}
	if cfg.API.Auth.JWTSecret != "s3cret" {
		t.Fatalf("unexpected jwt secret: %q", cfg.API.Auth.JWTSecret)
	}
}

func TestRelationalIsSQLite(t *testing.T) {
	cfg := &config.Config{Relational: config.RelationalConfig{Path: "/tmp/foo.db"}}
	if !cfg.RelationalIsSQLite() {
		t.Fatal("expected sqlite file path to be detected as sqlite")
	}
	cfg.Relational.Path = "user:pass@tcp(127.0.0.1:3306)/narrativecore"
	if cfg.RelationalIsSQLite() {
		t.Fatal("expected mysql DSN to not be detected as sqlite")
	}
}

func TestAppendAPIKey(t *testing.T) {
	home := withHome(t)
	path := config.ConfigPath(home)

	if err := config.AppendAPIKey(path, config.APIKeyEntry{Key: "k1", Description: "first"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := config.AppendAPIKey(path, config.APIKeyEntry{Key: "k2", Description: "second"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.API.Auth.Keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(cfg.API.Auth.Keys))
	}
}
