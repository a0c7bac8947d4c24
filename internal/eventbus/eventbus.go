// Package eventbus is the publish/subscribe transport described in
// the core's event-driven design: a Redis channel per event_type (plus
// a wildcard pattern subscription) backed by a durable local replay
// queue for when Redis is unreachable. Local in-process fan-out is
// delegated to the bus package so every handler registered through
// Subscribe also observes events published by this same process
// without a Redis round trip.
package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kinkys/narrativecore/internal/bus"
	"github.com/kinkys/narrativecore/internal/docstore"
	"github.com/kinkys/narrativecore/internal/envelope"
	"github.com/kinkys/narrativecore/internal/shared"
)

const (
	retryAttempts  = 3
	retryBaseDelay = 100 * time.Millisecond
	retryFactor    = 2

	redisChannelPrefix = "narrativecore.events."
	redisWildcard      = "narrativecore.events.*"

	dlqMaxAttempts = 3
)

// Handler processes one envelope. Returning an error causes the
// dispatch table to retry the handler with backoff before routing to
// the dead-letter table after dlqMaxAttempts.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// Bus composes local fan-out, a Redis transport and a durable replay
// queue behind the two operations the core contract names: Publish and
// Subscribe.
type Bus struct {
	local  *bus.Bus
	redis  *redis.Client
	store  *docstore.Store
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler

	capacity int
}

// New wires a Bus around an existing Redis client and document store.
// capacity is the LocalReplayQueue bound (default 1000 per the
// configuration surface's LOCAL_QUEUE_CAPACITY).
func New(redisClient *redis.Client, store *docstore.Store, logger *slog.Logger, capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		local:    bus.NewWithLogger(logger),
		redis:    redisClient,
		store:    store,
		logger:   logger,
		handlers: make(map[string][]Handler),
		capacity: capacity,
	}
}

// Subscribe registers handler in the startup dispatch table for
// eventType. Populated once at wiring time; there is no dynamic
// subscribe/unsubscribe path for remote delivery (local ad-hoc taps
// should use the bus package directly).
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Publish assigns envelope metadata, tries the Redis transport with
// bounded retry, and falls back to the LocalReplayQueue on exhaustion.
// It returns success in both cases: the contract only promises the
// event was accepted by the transport or durably enqueued.
func (b *Bus) Publish(ctx context.Context, eventType, userID, source string, payload any) error {
	env, err := envelope.New(eventType, shared.TraceID(ctx), userID, source, payload)
	if err != nil {
		return fmt.Errorf("build envelope: %w", err)
	}
	return b.publishEnvelope(ctx, env)
}

func (b *Bus) publishEnvelope(ctx context.Context, env *envelope.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	b.local.Publish(env.EventType, env)

	if b.redis != nil {
		if err := b.publishWithRetry(ctx, env.EventType, raw); err == nil {
			// Dispatch-table handlers are driven by this same
			// process's own Listen loop receiving the message back
			// over PSubscribe, so there is exactly one dispatch per
			// publish even though every subscribing process
			// (including this one) observes it independently.
			return nil
		}
	} else {
		// No remote transport configured (single-process deployment,
		// or a test fixture): there is no self-echo to drive dispatch,
		// so run the dispatch table synchronously here instead.
		b.dispatch(ctx, env)
		return nil
	}

	return b.enqueueLocal(ctx, raw)
}

// publishWithRetry attempts the Redis PUBLISH R(=3) times with
// exponential backoff and +/-25% jitter, per the transport retry
// policy.
func (b *Bus) publishWithRetry(ctx context.Context, eventType string, raw []byte) error {
	channel := redisChannelPrefix + eventType
	delay := retryBaseDelay
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jitter(delay)):
			}
			delay *= retryFactor
		}
		if err := b.redis.Publish(ctx, channel, raw).Err(); err != nil {
			lastErr = err
			b.logger.Warn("eventbus_redis_publish_failed",
				slog.String("event_type", eventType),
				slog.Int("attempt", attempt+1),
				slog.Any("error", err),
			)
			continue
		}
		return nil
	}
	return fmt.Errorf("publish to redis after %d attempts: %w", retryAttempts, lastErr)
}

func jitter(d time.Duration) time.Duration {
	spread := d / 4
	if spread <= 0 {
		return d
	}
	offset := time.Duration(rand.Int64N(int64(spread)*2)) - spread
	return d + offset
}

// enqueueLocal appends raw to the local_replay_queue table, trimming
// the oldest row if capacity is exceeded (newest-wins overflow).
func (b *Bus) enqueueLocal(ctx context.Context, raw []byte) error {
	err := b.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, e := docstore.AppendRecord(ctx, tx, "local_replay_queue", "", raw)
		return e
	})
	if err != nil {
		return fmt.Errorf("enqueue local replay: %w", err)
	}
	if dropped, trimErr := b.store.TrimOldest(ctx, "local_replay_queue", b.capacity); trimErr == nil && dropped > 0 {
		b.logger.Warn("local_replay_queue_overflow", slog.Int64("dropped", dropped))
	}
	return nil
}
