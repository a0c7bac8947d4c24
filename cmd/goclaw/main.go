package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"

	"github.com/kinkys/narrativecore/internal/access"
	"github.com/kinkys/narrativecore/internal/audit"
	"github.com/kinkys/narrativecore/internal/breaker"
	"github.com/kinkys/narrativecore/internal/bus"
	"github.com/kinkys/narrativecore/internal/channels"
	"github.com/kinkys/narrativecore/internal/config"
	"github.com/kinkys/narrativecore/internal/coordinator"
	"github.com/kinkys/narrativecore/internal/cron"
	"github.com/kinkys/narrativecore/internal/currency"
	"github.com/kinkys/narrativecore/internal/docstore"
	"github.com/kinkys/narrativecore/internal/envelope"
	"github.com/kinkys/narrativecore/internal/eventbus"
	"github.com/kinkys/narrativecore/internal/gateway"
	"github.com/kinkys/narrativecore/internal/menu"
	"github.com/kinkys/narrativecore/internal/missions"
	"github.com/kinkys/narrativecore/internal/narrative"
	otelPkg "github.com/kinkys/narrativecore/internal/otel"
	"github.com/kinkys/narrativecore/internal/reactions"
	"github.com/kinkys/narrativecore/internal/relstore"
	"github.com/kinkys/narrativecore/internal/shop"
	"github.com/kinkys/narrativecore/internal/telemetry"
	"github.com/kinkys/narrativecore/internal/users"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v1.0-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the narrative core daemon

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s doctor [-json]           Run diagnostic checks
                              Flags: -json for JSON output

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  NARRATIVECORE_HOME      Data directory (default: ~/.narrativecore)
  TRANSPORT_TOKEN         Telegram bot token

EXAMPLES:
  Start the daemon:       %s
  Check daemon health:    %s status
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Initialize audit before the logger so a logger-init failure is
	// itself audited. Audit only needs homeDir, not the logger.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	logger.Info("startup phase", "phase", "config_loaded")

	if _, err := loadAuthToken(cfg.HomeDir); err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN", err)
	}

	metricsEnabled := cfg.Telemetry.MetricsEnabled
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: &metricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	docs, err := docstore.Open(cfg.Docstore.URI)
	if err != nil {
		fatalStartup(logger, "E_DOCSTORE_OPEN", err)
	}
	defer docs.Close()
	logger.Info("startup phase", "phase", "docstore_opened")

	pool := relstore.DefaultPoolConfig()
	var rel *relstore.Store
	if cfg.RelationalIsSQLite() {
		rel, err = relstore.OpenSQLite(cfg.Relational.Path, pool)
	} else {
		rel, err = relstore.OpenMySQL(cfg.Relational.Path, pool)
	}
	if err != nil {
		fatalStartup(logger, "E_RELATIONAL_OPEN", err)
	}
	defer rel.Close()
	audit.SetDB(docs.DB())
	logger.Info("startup phase", "phase", "relational_opened")

	var redisClient *redis.Client
	if cfg.Bus.URI != "" {
		opts, err := redis.ParseURL(cfg.Bus.URI)
		if err != nil {
			fatalStartup(logger, "E_BUS_URL", err)
		}
		if cfg.Bus.Password != "" {
			opts.Password = cfg.Bus.Password
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	} else {
		logger.Warn("bus_uri_unset_running_local_replay_only")
	}

	eventBus := eventbus.New(redisClient, docs, logger, cfg.LocalQueue.Capacity)
	if redisClient != nil {
		go func() {
			if err := eventBus.Listen(ctx); err != nil && ctx.Err() == nil {
				logger.Error("event_bus_listen_stopped", "error", err)
			}
		}()
	}

	policy, err := access.Open()
	if err != nil {
		fatalStartup(logger, "E_POLICY_OPEN", err)
	}

	ledger := currency.New(docs, eventBus, logger)
	userRegistry := users.New(docs, rel, eventBus, logger)
	narrativeEngine := narrative.New(docs, ledger, policy, eventBus, logger)
	shopService := shop.New(docs, ledger, eventBus, logger)
	missionTracker := missions.New(docs, ledger, eventBus, logger, defaultMissionTemplates())
	missionTracker.RegisterHandlers()
	reactionGate := reactions.New(eventBus, logger, cfg.Channels.AllowedChannelIDs, cfg.Channels.AllowedReactionEmojis)

	coord := coordinator.New(logger)
	journal := coordinator.NewJournal(docs)
	eventBus.Subscribe(bus.TopicUserRegistered, coord.Wrap("onboarding_workflow", journal, onboardingHandler(missionTracker, logger)))
	logger.Info("startup phase", "phase", "domain_components_wired")

	registry := breaker.NewRegistry(logger)
	registry.Register("docstore", func(ctx context.Context) error { return docs.DB().PingContext(ctx) }, 3, 30*time.Second)
	registry.Register("relational", func(ctx context.Context) error { return rel.Ping() }, 3, 30*time.Second)
	if redisClient != nil {
		registry.Register("bus", func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }, 3, 30*time.Second)
	}
	registry.OnTransition(func(ctx context.Context, name string, from, to breaker.State) {
		logger.Warn("breaker_transition", "dependency", name, "from", from.String(), "to", to.String())
		metrics.BreakerTrips.Add(ctx, 1, metric.WithAttributes(otelPkg.StringAttr("dependency", name)))
		// Transport reconnection is exactly the trigger named in the
		// LocalReplayQueue contract: drain as soon as the bus breaker
		// leaves OPEN, rather than waiting for the next publish.
		if name == "bus" && to != breaker.StateOpen {
			drained, err := eventBus.DrainReplayQueue(ctx, 50)
			if err != nil {
				logger.Warn("replay_queue_drain_failed", "error", err)
			} else if drained > 0 {
				logger.Info("replay_queue_drained", "count", drained)
			}
		}
	})
	healthCheck := breaker.NewHealthCheck(registry, logger, breaker.DefaultProbeSpec)
	healthCheck.Start(ctx)

	sweepScheduler := cron.NewScheduler(cron.Config{
		Subscriptions: rel,
		Missions:      missionTracker,
		Logger:        logger,
	})
	sweepScheduler.Start(ctx)

	telegramChannel := channels.NewTelegramChannel(cfg.Transport.Token, cfg.Channels.AllowedChannelIDs, channels.Services{
		Users:     userRegistry,
		Narrative: narrativeEngine,
		Shop:      shopService,
		Reactions: reactionGate,
		Policy:    policy,
	}, nil, logger)
	menuManager := menu.New(telegramChannel, docs, logger)
	telegramChannel.SetMenu(menuManager)
	menuManager.StartCleanup(ctx)

	channelErr := make(chan error, 1)
	if cfg.Transport.Token != "" {
		go func() {
			if err := telegramChannel.Start(ctx); err != nil && ctx.Err() == nil {
				channelErr <- err
			}
		}()
	} else {
		logger.Warn("transport_token_unset_telegram_channel_disabled")
	}

	router := chi.NewRouter()
	authMW := gateway.NewAuthMiddleware(cfg.API.Auth)
	corsMW := gateway.NewCORSMiddleware(cfg.API.CORS)
	rateMW := gateway.NewRateLimitMiddleware(cfg.API.RateLimit)
	rateMW.StartEviction(ctx, time.Minute, 10*time.Minute)

	router.Use(corsMW)
	router.Use(rateMW.Wrap)
	router.Use(authMW.Wrap)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		results := registry.Probe(r.Context())
		status := http.StatusOK
		for _, res := range results {
			if res.Err != nil {
				status = http.StatusServiceUnavailable
				break
			}
		}
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"status":%d}`, status)
	})

	server := &http.Server{Addr: cfg.API.BindAddr, Handler: router}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("admin_api_listening", "addr", cfg.API.BindAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("admin_api_server_error", "error", err)
	case err := <-channelErr:
		logger.Error("telegram_channel_error", "error", err)
	}

	// Graceful shutdown phases: stop intake, drain in-flight work, then
	// let the deferred store closes run.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	sweepScheduler.Stop()
	healthCheck.Stop()

	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	time.Sleep(minDuration(drainTimeout, 2*time.Second))

	logger.Info("shutdown complete")
}

// onboardingHandler assigns a starter mission to every newly registered
// user. Wrapped in coordinator.Wrap by the caller so concurrent
// registrations never race each other's mission assignment for the
// same user and a crash mid-assignment is visible via Journal.Incomplete.
func onboardingHandler(tracker *missions.Tracker, logger interface {
	Warn(msg string, args ...any)
}) eventbus.Handler {
	return func(ctx context.Context, env *envelope.Envelope) error {
		var payload struct {
			UserID string `json:"user_id"`
		}
		if err := env.Decode(&payload); err != nil {
			return fmt.Errorf("decode user_registered payload: %w", err)
		}
		if payload.UserID == "" {
			return nil
		}
		if _, err := tracker.Assign(ctx, payload.UserID, "make_three_choices"); err != nil {
			logger.Warn("onboarding_mission_assign_failed", "user_id", payload.UserID, "error", err)
			return err
		}
		return nil
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// defaultMissionTemplates seeds the small, fixed set of mission
// archetypes the daemon ships with; operators extend this by editing
// the source, not via runtime config, since missions are a product
// surface rather than an operational tuning knob.
func defaultMissionTemplates() []missions.Template {
	return []missions.Template{
		{TemplateID: "react_five_times", TargetType: "reaction_observed", Target: 5, Reward: 50},
		{TemplateID: "make_three_choices", TargetType: "narrative_choice_made", Target: 3, Reward: 75},
	}
}

func fatalStartup(logger interface {
	Error(msg string, args ...any)
}, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv populates the process environment from a simple KEY=VALUE
// file, skipping blanks, comments and keys already set. A missing file
// is silently ignored -- .env is an optional local-dev convenience.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// loadAuthToken resolves the admin bearer token used for service-to-
// service calls against the admin API: environment first, then a
// persisted file under homeDir, generating and persisting a fresh uuid
// on first run.
func loadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("NARRATIVECORE_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	return token, nil
}
