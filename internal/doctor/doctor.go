// Package doctor implements the core's self-diagnostic checks: a
// read-only sweep over configuration, storage and transport
// reachability used by the "doctor" CLI command and the health
// endpoint's verbose mode.
package doctor

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kinkys/narrativecore/internal/config"
	"github.com/kinkys/narrativecore/internal/docstore"
	"github.com/kinkys/narrativecore/internal/relstore"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes every diagnostic check against cfg.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDocstore,
		checkRelational,
		checkBus,
		checkTransportToken,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "configuration not loaded"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("loaded from %s", cfg.HomeDir)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "config missing"}
	}

	testFile := fmt.Sprintf("%s/.write_test", cfg.HomeDir)
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "home directory writable"}
}

// checkDocstore opens the document store at its configured path. A
// successful open runs the store's own migration/pragma bootstrap, so
// this doubles as a schema check.
func checkDocstore(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Docstore", Status: "SKIP", Message: "config missing"}
	}

	path := cfg.Docstore.URI
	if path == "" {
		path = docstore.DefaultPath()
	}

	store, err := docstore.Open(path)
	if err != nil {
		return CheckResult{Name: "Docstore", Status: "FAIL", Message: fmt.Sprintf("open failed: %v", err)}
	}
	defer store.Close()

	if err := store.DB().Ping(); err != nil {
		return CheckResult{Name: "Docstore", Status: "FAIL", Message: fmt.Sprintf("ping failed: %v", err)}
	}

	return CheckResult{Name: "Docstore", Status: "PASS", Message: fmt.Sprintf("connection and schema valid at %s", path)}
}

// checkRelational opens the relational store using the dialect
// RelationalIsSQLite selects, mirroring the startup path in cmd.
func checkRelational(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Relational", Status: "SKIP", Message: "config missing"}
	}

	pool := relstore.DefaultPoolConfig()
	var (
		store *relstore.Store
		err   error
	)
	if cfg.RelationalIsSQLite() {
		store, err = relstore.OpenSQLite(cfg.Relational.Path, pool)
	} else {
		store, err = relstore.OpenMySQL(cfg.Relational.Path, pool)
	}
	if err != nil {
		return CheckResult{Name: "Relational", Status: "FAIL", Message: fmt.Sprintf("open failed: %v", err)}
	}
	defer store.Close()

	if err := store.Ping(); err != nil {
		return CheckResult{Name: "Relational", Status: "FAIL", Message: fmt.Sprintf("ping failed: %v", err)}
	}

	return CheckResult{Name: "Relational", Status: "PASS", Message: "connection and migrations valid"}
}

// checkBus pings the Redis transport the event bus publishes and
// subscribes over. A FAIL here is not fatal to the process (the bus
// falls back to the local replay queue), hence WARN rather than FAIL
// when unset or unreachable.
func checkBus(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Bus.URI == "" {
		return CheckResult{Name: "Bus", Status: "WARN", Message: "no BUS_URI configured, running on local replay queue only"}
	}

	opts, err := redis.ParseURL(cfg.Bus.URI)
	if err != nil {
		return CheckResult{Name: "Bus", Status: "FAIL", Message: fmt.Sprintf("invalid BUS_URI: %v", err)}
	}
	if cfg.Bus.Password != "" {
		opts.Password = cfg.Bus.Password
	}

	client := redis.NewClient(opts)
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(ctx, config.ProbeTimeout())
	defer cancel()

	start := time.Now()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return CheckResult{Name: "Bus", Status: "FAIL", Message: fmt.Sprintf("redis ping failed: %v", err)}
	}
	latency := time.Since(start)

	return CheckResult{
		Name:    "Bus",
		Status:  "PASS",
		Message: fmt.Sprintf("redis reachable (%dms)", latency.Milliseconds()),
	}
}

// checkTransportToken reports whether a bot token is configured and,
// for webhook mode, that a public URL is present to register against.
func checkTransportToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Transport", Status: "SKIP", Message: "config missing"}
	}
	if cfg.Transport.Token == "" {
		return CheckResult{Name: "Transport", Status: "WARN", Message: "TRANSPORT_TOKEN not set"}
	}
	if cfg.Transport.Mode == config.TransportWebhook && cfg.Transport.WebhookURL == "" {
		return CheckResult{Name: "Transport", Status: "FAIL", Message: "webhook mode requires WEBHOOK_URL"}
	}
	return CheckResult{Name: "Transport", Status: "PASS", Message: fmt.Sprintf("token set, mode=%s", cfg.Transport.Mode)}
}
