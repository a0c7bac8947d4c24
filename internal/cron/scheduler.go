// Package cron runs the periodic sweeps that the event-driven core
// cannot trigger from an inbound event: subscription expiry and
// mission deadline expiry. Built directly on robfig/cron/v3, the same
// way the teacher schedules its own periodic work, rather than a
// hand-rolled ticker loop.
package cron

import (
	"context"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/kinkys/narrativecore/internal/missions"
	"github.com/kinkys/narrativecore/internal/relstore"
)

// DefaultSweepSpec runs the sweep every ten seconds, matching the
// breaker health-probe cadence.
const DefaultSweepSpec = "@every 10s"

// Config holds the dependencies for the sweep scheduler.
type Config struct {
	Subscriptions *relstore.Store
	Missions      *missions.Tracker
	Logger        *slog.Logger
	// Spec is a robfig/cron schedule expression; defaults to
	// DefaultSweepSpec.
	Spec string
}

// Scheduler periodically expires due subscriptions and missions.
type Scheduler struct {
	subs     *relstore.Store
	missions *missions.Tracker
	logger   *slog.Logger
	cr       *cronlib.Cron
	entryID  cronlib.EntryID
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	spec := cfg.Spec
	if spec == "" {
		spec = DefaultSweepSpec
	}
	s := &Scheduler{
		subs:     cfg.Subscriptions,
		missions: cfg.Missions,
		logger:   logger,
		cr:       cronlib.New(cronlib.WithParser(cronlib.NewParser(cronlib.Second | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor))),
	}
	id, err := s.cr.AddFunc(spec, s.tick)
	if err != nil {
		logger.Error("sweep: invalid schedule, falling back to default", "spec", spec, "error", err)
		id, _ = s.cr.AddFunc(DefaultSweepSpec, s.tick)
	}
	s.entryID = id
	return s
}

// Start begins the scheduler. robfig/cron runs its own goroutine
// internally; ctx is accepted for symmetry with the rest of the
// core's lifecycle-managed components and is not otherwise used,
// since cron.Cron has no context-aware Start.
func (s *Scheduler) Start(ctx context.Context) {
	s.tick() // run once immediately, same as the teacher's fire-on-startup idiom
	s.cr.Start()
	s.logger.Info("sweep scheduler started", "entry_id", s.entryID)
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cr.Stop()
	<-stopCtx.Done()
	s.logger.Info("sweep scheduler stopped")
}

// tick runs both sweeps. A failure in one does not block the other.
func (s *Scheduler) tick() {
	now := time.Now().UTC()

	if s.subs != nil {
		users, err := s.subs.ExpireDue(now)
		if err != nil {
			s.logger.Error("sweep: subscription expiry failed", "error", err)
		} else if len(users) > 0 {
			s.logger.Info("sweep: subscriptions expired", "count", len(users))
		}
	}

	if s.missions != nil {
		users, err := s.missions.ExpireDue(context.Background(), now)
		if err != nil {
			s.logger.Error("sweep: mission expiry failed", "error", err)
		} else if len(users) > 0 {
			s.logger.Info("sweep: missions expired", "count", len(users))
		}
	}
}
