package breaker

import (
	"context"
	"log/slog"

	cronlib "github.com/robfig/cron/v3"
)

// DefaultProbeSpec runs the health check every ten seconds, per
// spec's fixed 10s probe interval.
const DefaultProbeSpec = "@every 10s"

// HealthCheck runs a Registry's probes on a schedule, the same
// robfig/cron-backed idiom the sweep scheduler uses.
type HealthCheck struct {
	registry *Registry
	logger   *slog.Logger
	cr       *cronlib.Cron
}

// NewHealthCheck builds a HealthCheck for registry. spec is a
// robfig/cron schedule expression; empty defaults to DefaultProbeSpec.
func NewHealthCheck(registry *Registry, logger *slog.Logger, spec string) *HealthCheck {
	if logger == nil {
		logger = slog.Default()
	}
	if spec == "" {
		spec = DefaultProbeSpec
	}
	h := &HealthCheck{registry: registry, logger: logger, cr: cronlib.New()}
	if _, err := h.cr.AddFunc(spec, h.runOnce); err != nil {
		logger.Error("healthcheck: invalid schedule, falling back to default", "spec", spec, "error", err)
		_, _ = h.cr.AddFunc(DefaultProbeSpec, h.runOnce)
	}
	return h
}

func (h *HealthCheck) runOnce() {
	results := h.registry.Probe(context.Background())
	for _, r := range results {
		if r.Err != nil {
			h.logger.Warn("dependency_probe_failed",
				slog.String("dependency", r.Name),
				slog.String("state", r.State.String()),
				slog.Any("error", r.Err),
			)
		}
	}
}

// Start runs an immediate probe pass and then begins the cron
// schedule. Stop via ctx cancellation.
func (h *HealthCheck) Start(ctx context.Context) {
	h.runOnce()
	h.cr.Start()
	go func() {
		<-ctx.Done()
		h.Stop()
	}()
}

// Stop halts the schedule, waiting for any in-flight probe pass.
func (h *HealthCheck) Stop() {
	stopCtx := h.cr.Stop()
	<-stopCtx.Done()
}
