package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds every metric instrument the core publishes.
type Metrics struct {
	EventPublishDuration  metric.Float64Histogram
	EventsPublishedTotal  metric.Int64Counter
	EventsDeadLetteredTotal metric.Int64Counter
	ReplayQueueDepth      metric.Int64UpDownCounter
	BreakerState          metric.Int64Gauge
	BreakerTrips          metric.Int64Counter
	WorkflowDuration       metric.Float64Histogram
	WorkflowJobsActive     metric.Int64UpDownCounter
	CurrencyContentionRetries metric.Int64Counter
	MenuEditDuration       metric.Float64Histogram
	MenuEditsFailed        metric.Int64Counter
	RateLimitRejects       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventPublishDuration, err = meter.Float64Histogram("narrativecore.event.publish.duration",
		metric.WithDescription("Event bus publish duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsPublishedTotal, err = meter.Int64Counter("narrativecore.event.published.total",
		metric.WithDescription("Total events published, by event type"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDeadLetteredTotal, err = meter.Int64Counter("narrativecore.event.dead_lettered.total",
		metric.WithDescription("Total events routed to the dead letter table"),
	)
	if err != nil {
		return nil, err
	}

	m.ReplayQueueDepth, err = meter.Int64UpDownCounter("narrativecore.event.replay_queue.depth",
		metric.WithDescription("Current depth of the local replay queue"),
	)
	if err != nil {
		return nil, err
	}

	m.BreakerState, err = meter.Int64Gauge("narrativecore.breaker.state",
		metric.WithDescription("Circuit breaker state: 0=closed, 1=half_open, 2=open"),
	)
	if err != nil {
		return nil, err
	}

	m.BreakerTrips, err = meter.Int64Counter("narrativecore.breaker.trips.total",
		metric.WithDescription("Total circuit breaker trips into the open state"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkflowDuration, err = meter.Float64Histogram("narrativecore.workflow.duration",
		metric.WithDescription("Workflow coordinator job duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkflowJobsActive, err = meter.Int64UpDownCounter("narrativecore.workflow.jobs.active",
		metric.WithDescription("Number of workflow jobs currently held in a per-user mailbox"),
	)
	if err != nil {
		return nil, err
	}

	m.CurrencyContentionRetries, err = meter.Int64Counter("narrativecore.currency.contention_retries.total",
		metric.WithDescription("Optimistic concurrency retries against the currency ledger"),
	)
	if err != nil {
		return nil, err
	}

	m.MenuEditDuration, err = meter.Float64Histogram("narrativecore.menu.edit.duration",
		metric.WithDescription("Main menu surface edit/replace duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.MenuEditsFailed, err = meter.Int64Counter("narrativecore.menu.edits_failed.total",
		metric.WithDescription("Menu edits that fell back to delete+resend after a failed in-place edit"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("narrativecore.ratelimit.rejects.total",
		metric.WithDescription("Requests or actions rejected by a token bucket limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
