package breaker_test

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kinkys/narrativecore/internal/breaker"
)

func TestHealthCheck_ProbesOnSchedule(t *testing.T) {
	r := breaker.NewRegistry(slog.Default())
	var calls atomic.Int32
	r.Register("document_store", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, 5, 30*time.Second)

	hc := breaker.NewHealthCheck(r, slog.Default(), "@every 20ms")
	ctx, cancel := context.WithCancel(context.Background())
	hc.Start(ctx)
	defer cancel()

	require.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
}
