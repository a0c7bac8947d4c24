package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Prober performs one liveness check against a dependency.
type Prober func(ctx context.Context) error

// dependency pairs a breaker with the probe that feeds it.
type dependency struct {
	breaker *Breaker
	probe   Prober
}

// Result is one dependency's outcome from a single probe pass,
// mirroring the teacher's doctor.CheckResult shape generalized with a
// breaker State instead of a PASS/FAIL/WARN/SKIP string.
type Result struct {
	Name      string
	State     State
	Err       error
	CheckedAt time.Time
}

// TransitionFunc is notified whenever a breaker changes state. It is
// used to wire side effects like draining the local replay queue when
// the transport breaker leaves OPEN.
type TransitionFunc func(ctx context.Context, name string, from, to State)

// Registry owns one Breaker per named dependency and runs their
// probes on demand or on a schedule via HealthCheck.
type Registry struct {
	mu    sync.Mutex
	deps  map[string]*dependency
	order []string

	logger     *slog.Logger
	onTransition TransitionFunc
}

// NewRegistry builds an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{deps: make(map[string]*dependency), logger: logger}
}

// OnTransition installs a callback fired after every breaker state
// change observed by Probe.
func (r *Registry) OnTransition(fn TransitionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTransition = fn
}

// Register adds a dependency with a custom breaker tuning. probe is
// called on every health-check pass; its error (if any) feeds the
// breaker.
func (r *Registry) Register(name string, probe Prober, failureThreshold int, resetTimeout time.Duration) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := NewWithThresholds(name, failureThreshold, resetTimeout)
	r.deps[name] = &dependency{breaker: b, probe: probe}
	r.order = append(r.order, name)
	return b
}

// Breaker returns the named dependency's breaker, if registered.
func (r *Registry) Breaker(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deps[name]
	if !ok {
		return nil, false
	}
	return d.breaker, true
}

// Probe runs every registered dependency's probe once, in
// registration order, and returns a Result per dependency. A
// dependency whose breaker is OPEN and not yet due for a HALF_OPEN
// probe is reported without invoking its probe function.
func (r *Registry) Probe(ctx context.Context) []Result {
	r.mu.Lock()
	names := append([]string(nil), r.order...)
	deps := make(map[string]*dependency, len(r.deps))
	for k, v := range r.deps {
		deps[k] = v
	}
	onTransition := r.onTransition
	r.mu.Unlock()

	results := make([]Result, 0, len(names))
	for _, name := range names {
		d := deps[name]
		before := d.breaker.State()

		var probeErr error
		if d.breaker.Allow() {
			probeErr = d.probe(ctx)
			if probeErr != nil {
				d.breaker.RecordFailure()
			} else {
				d.breaker.RecordSuccess()
			}
		}
		after := d.breaker.State()

		if before != after {
			r.logger.Info("breaker_transition",
				slog.String("dependency", name),
				slog.String("from", before.String()),
				slog.String("to", after.String()),
			)
			if onTransition != nil {
				onTransition(ctx, name, before, after)
			}
		}

		results = append(results, Result{
			Name:      name,
			State:     after,
			Err:       probeErr,
			CheckedAt: time.Now().UTC(),
		})
	}
	return results
}
