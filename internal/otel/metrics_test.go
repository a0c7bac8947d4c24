package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.EventPublishDuration == nil {
		t.Error("EventPublishDuration is nil")
	}
	if m.EventsPublishedTotal == nil {
		t.Error("EventsPublishedTotal is nil")
	}
	if m.EventsDeadLetteredTotal == nil {
		t.Error("EventsDeadLetteredTotal is nil")
	}
	if m.ReplayQueueDepth == nil {
		t.Error("ReplayQueueDepth is nil")
	}
	if m.BreakerState == nil {
		t.Error("BreakerState is nil")
	}
	if m.BreakerTrips == nil {
		t.Error("BreakerTrips is nil")
	}
	if m.WorkflowDuration == nil {
		t.Error("WorkflowDuration is nil")
	}
	if m.WorkflowJobsActive == nil {
		t.Error("WorkflowJobsActive is nil")
	}
	if m.CurrencyContentionRetries == nil {
		t.Error("CurrencyContentionRetries is nil")
	}
	if m.MenuEditDuration == nil {
		t.Error("MenuEditDuration is nil")
	}
	if m.MenuEditsFailed == nil {
		t.Error("MenuEditsFailed is nil")
	}
	if m.RateLimitRejects == nil {
		t.Error("RateLimitRejects is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
