// Package config loads the core's configuration surface from the
// environment, following the teacher's HomeDir + YAML-overlay idiom:
// environment variables are authoritative for secrets and connection
// strings, while config.yaml under HomeDir carries operational
// tuning (log level, rate limits) an operator can hot-reload without
// touching the process environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TransportMode is TRANSPORT_MODE: how inbound Telegram updates are
// received.
type TransportMode string

const (
	TransportWebhook TransportMode = "webhook"
	TransportPolling TransportMode = "polling"
)

// TransportConfig groups the Telegram-style bot adapter settings.
type TransportConfig struct {
	Token         string
	Mode          TransportMode
	WebhookURL    string
	WebhookSecret string
}

// DocstoreConfig names the document-store connection (DOCSTORE_URI,
// DOCSTORE_DATABASE). The reference implementation backs this with a
// single-writer sqlite file (internal/docstore), so URI doubles as a
// filesystem path; a networked document store would parse it as a DSN.
type DocstoreConfig struct {
	URI      string
	Database string
}

// RelationalConfig is RELATIONAL_PATH: a DSN (MySQL in production) or
// a sqlite path in local/dev.
type RelationalConfig struct {
	Path string
}

// BusConfig groups BUS_URI / BUS_PASSWORD (the Redis transport C1
// publishes/subscribes over).
type BusConfig struct {
	URI      string
	Password string
}

// LocalQueueConfig groups LOCAL_QUEUE_PATH / LOCAL_QUEUE_CAPACITY (C2).
type LocalQueueConfig struct {
	Path     string
	Capacity int
}

// APIKeyEntry is one admin-API bearer credential accepted by
// AuthMiddleware, scoped to the operations it may invoke.
type APIKeyEntry struct {
	Key         string   `yaml:"key"`
	Description string   `yaml:"description"`
	Scopes      []string `yaml:"scopes"`
}

// AuthConfig configures gateway.AuthMiddleware: whether the admin API
// enforces a bearer credential at all, and the accepted key set.
// API_JWT_SECRET signs tokens minted for dashboards; operator-issued
// static keys (this list) remain valid for service-to-service calls.
type AuthConfig struct {
	Enabled   bool
	JWTSecret string
	Keys      []APIKeyEntry
}

// CORSConfig configures gateway.NewCORSMiddleware for the admin API.
type CORSConfig struct {
	Enabled        bool
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
}

// RateLimitConfig configures gateway.NewRateLimitMiddleware.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	BurstSize         int
}

// APIConfig groups API_BIND / API_PORT / API_JWT_SECRET, the internal
// HTTP contract's listen address plus the auth/CORS/rate-limit
// middleware stack in front of it.
type APIConfig struct {
	BindAddr  string
	JWTSecret string
	Auth      AuthConfig
	CORS      CORSConfig
	RateLimit RateLimitConfig
}

// ChannelsConfig groups CHANNEL_IDS_ALLOWED / REACTION_EMOJIS_ALLOWED,
// the scope ReactionGate (C10) validates inbound reactions against.
type ChannelsConfig struct {
	AllowedChannelIDs     []string
	AllowedReactionEmojis []string
}

// TelemetryConfig mirrors otel.Config's fields, loaded from the
// environment the same way the teacher wires its OpenTelemetry
// bootstrap.
type TelemetryConfig struct {
	Enabled        bool
	Exporter       string
	Endpoint       string
	ServiceName    string
	SampleRate     float64
	MetricsEnabled bool
}

// Config is the fully resolved configuration surface named in the
// specification's "Configuration surface (enumerated)" section.
type Config struct {
	HomeDir string

	LogLevel  string
	LogFormat string

	Transport  TransportConfig
	Docstore   DocstoreConfig
	Relational RelationalConfig
	Bus        BusConfig
	LocalQueue LocalQueueConfig
	API        APIConfig
	Channels   ChannelsConfig
	Telemetry  TelemetryConfig

	DrainTimeoutSeconds int
}

// fileOverlay is the subset of Config that config.yaml may override;
// env vars always take precedence for anything present there (checked
// in Load, not here).
type fileOverlay struct {
	LogLevel            string   `yaml:"log_level"`
	LogFormat           string   `yaml:"log_format"`
	APIBindAddr         string   `yaml:"api_bind_addr"`
	ChannelIDsAllowed   []string `yaml:"channel_ids_allowed"`
	ReactionEmojis      []string `yaml:"reaction_emojis_allowed"`
	DrainTimeoutSeconds int      `yaml:"drain_timeout_seconds"`
	RateLimit           struct {
		Enabled           bool `yaml:"enabled"`
		RequestsPerMinute int  `yaml:"requests_per_minute"`
		BurstSize         int  `yaml:"burst_size"`
	} `yaml:"rate_limit"`
	CORS struct {
		Enabled        bool     `yaml:"enabled"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
	AuthKeys []APIKeyEntry `yaml:"auth_keys"`
}

// DefaultHomeDir returns ~/.narrativecore, overridable via
// NARRATIVECORE_HOME.
func DefaultHomeDir() string {
	if h := strings.TrimSpace(os.Getenv("NARRATIVECORE_HOME")); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".narrativecore")
}

// ConfigPath returns the overlay config.yaml path under homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load resolves Config from the environment first, then applies
// config.yaml as an overlay for the fields it's allowed to carry
// (operational tuning, never secrets or connection strings).
func Load() (*Config, error) {
	homeDir := DefaultHomeDir()
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create home dir: %w", err)
	}

	cfg := &Config{
		HomeDir:   homeDir,
		LogLevel:  "info",
		LogFormat: "text",
		Transport: TransportConfig{
			Mode: TransportPolling,
		},
		Docstore: DocstoreConfig{
			URI:      filepath.Join(homeDir, "docstore.db"),
			Database: "narrativecore",
		},
		Relational: RelationalConfig{
			Path: filepath.Join(homeDir, "relational.db"),
		},
		LocalQueue: LocalQueueConfig{
			Path:     filepath.Join(homeDir, "local_replay_queue.db"),
			Capacity: 1000,
		},
		API: APIConfig{
			BindAddr: "127.0.0.1:8089",
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 60,
				BurstSize:         10,
			},
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization"},
				MaxAge:         3600,
			},
		},
		Telemetry: TelemetryConfig{
			ServiceName: "narrativecore",
			Exporter:    "none",
			SampleRate:  1.0,
		},
		DrainTimeoutSeconds: 5,
	}

	overlayPath := ConfigPath(homeDir)
	if b, err := os.ReadFile(overlayPath); err == nil && len(b) > 0 {
		var ov fileOverlay
		if err := yaml.Unmarshal(b, &ov); err != nil {
			return nil, fmt.Errorf("parse %s: %w", overlayPath, err)
		}
		applyOverlay(cfg, ov)
	} else if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", overlayPath, err)
	}

	applyEnv(cfg)

	if cfg.API.JWTSecret != "" {
		cfg.API.Auth.Enabled = true
		cfg.API.Auth.JWTSecret = cfg.API.JWTSecret
	}
	cfg.API.CORS.Enabled = len(cfg.API.CORS.AllowedOrigins) > 0

	return cfg, nil
}

func applyOverlay(cfg *Config, ov fileOverlay) {
	if ov.LogLevel != "" {
		cfg.LogLevel = ov.LogLevel
	}
	if ov.LogFormat != "" {
		cfg.LogFormat = ov.LogFormat
	}
	if ov.APIBindAddr != "" {
		cfg.API.BindAddr = ov.APIBindAddr
	}
	if len(ov.ChannelIDsAllowed) > 0 {
		cfg.Channels.AllowedChannelIDs = ov.ChannelIDsAllowed
	}
	if len(ov.ReactionEmojis) > 0 {
		cfg.Channels.AllowedReactionEmojis = ov.ReactionEmojis
	}
	if ov.DrainTimeoutSeconds > 0 {
		cfg.DrainTimeoutSeconds = ov.DrainTimeoutSeconds
	}
	if ov.RateLimit.RequestsPerMinute > 0 {
		cfg.API.RateLimit.RequestsPerMinute = ov.RateLimit.RequestsPerMinute
	}
	if ov.RateLimit.BurstSize > 0 {
		cfg.API.RateLimit.BurstSize = ov.RateLimit.BurstSize
	}
	cfg.API.RateLimit.Enabled = ov.RateLimit.Enabled || cfg.API.RateLimit.Enabled
	if len(ov.CORS.AllowedOrigins) > 0 {
		cfg.API.CORS.AllowedOrigins = ov.CORS.AllowedOrigins
	}
	if len(ov.AuthKeys) > 0 {
		cfg.API.Auth.Keys = ov.AuthKeys
		cfg.API.Auth.Enabled = true
	}
}

func applyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	strSlice := func(key string, dst *[]string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			parts := strings.Split(v, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					out = append(out, p)
				}
			}
			*dst = out
		}
	}
	intVal := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	boolVal := func(key string, dst *bool) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}

	str("TRANSPORT_TOKEN", &cfg.Transport.Token)
	if v := strings.TrimSpace(os.Getenv("TRANSPORT_MODE")); v != "" {
		cfg.Transport.Mode = TransportMode(v)
	}
	str("WEBHOOK_URL", &cfg.Transport.WebhookURL)
	str("WEBHOOK_SECRET", &cfg.Transport.WebhookSecret)

	str("DOCSTORE_URI", &cfg.Docstore.URI)
	str("DOCSTORE_DATABASE", &cfg.Docstore.Database)

	str("RELATIONAL_PATH", &cfg.Relational.Path)

	str("BUS_URI", &cfg.Bus.URI)
	str("BUS_PASSWORD", &cfg.Bus.Password)

	str("LOCAL_QUEUE_PATH", &cfg.LocalQueue.Path)
	intVal("LOCAL_QUEUE_CAPACITY", &cfg.LocalQueue.Capacity)

	bindAddr := ""
	str("API_BIND", &bindAddr)
	port := 0
	intVal("API_PORT", &port)
	if bindAddr != "" || port != 0 {
		host := bindAddr
		if host == "" {
			host = "127.0.0.1"
		}
		if port == 0 {
			if _, p, err := splitHostPort(cfg.API.BindAddr); err == nil {
				port = p
			}
		}
		if port != 0 {
			cfg.API.BindAddr = fmt.Sprintf("%s:%d", host, port)
		}
	}
	str("API_JWT_SECRET", &cfg.API.JWTSecret)

	strSlice("CHANNEL_IDS_ALLOWED", &cfg.Channels.AllowedChannelIDs)
	strSlice("REACTION_EMOJIS_ALLOWED", &cfg.Channels.AllowedReactionEmojis)

	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)

	boolVal("OTEL_ENABLED", &cfg.Telemetry.Enabled)
	str("OTEL_EXPORTER", &cfg.Telemetry.Exporter)
	str("OTEL_ENDPOINT", &cfg.Telemetry.Endpoint)
	boolVal("OTEL_METRICS_ENABLED", &cfg.Telemetry.MetricsEnabled)
}

func splitHostPort(addr string) (string, int, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("no port in %q", addr)
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return "", 0, err
	}
	return addr[:idx], port, nil
}

// RelationalIsSQLite reports whether Relational.Path should be opened
// via relstore.OpenSQLite rather than OpenMySQL: anything that isn't a
// MySQL DSN (no "@tcp(" or "@unix(" segment) is treated as a local
// sqlite file path, mirroring the teacher's dev/prod store switch.
func (c *Config) RelationalIsSQLite() bool {
	p := c.Relational.Path
	return !strings.Contains(p, "@tcp(") && !strings.Contains(p, "@unix(") && p != ""
}

// AppendAPIKey appends a bearer key entry to the config.yaml overlay,
// used by cmd/narrativecore's key-provisioning command.
func AppendAPIKey(path string, entry APIKeyEntry) error {
	raw := make(map[string]any)
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	var keys []APIKeyEntry
	if existing, ok := raw["auth_keys"]; ok {
		b, _ := yaml.Marshal(existing)
		_ = yaml.Unmarshal(b, &keys)
	}
	keys = append(keys, entry)
	raw["auth_keys"] = keys

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o644)
}

// defaultProbeTimeout bounds the per-dependency health probes wired
// into breaker.Registry in cmd/narrativecore.
const defaultProbeTimeout = 5 * time.Second

// ProbeTimeout exposes defaultProbeTimeout for callers outside this
// package that build breaker probes from Config.
func ProbeTimeout() time.Duration { return defaultProbeTimeout }
