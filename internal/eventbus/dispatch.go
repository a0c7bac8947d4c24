package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kinkys/narrativecore/internal/docstore"
	"github.com/kinkys/narrativecore/internal/envelope"
)

// Listen subscribes to the wildcard Redis pattern and feeds every
// received envelope through dispatch. It reconnects with exponential
// backoff on transport failure, mirroring the teacher's polling
// reconnect loop generalized from Telegram long-poll to Redis PSubscribe.
func (b *Bus) Listen(ctx context.Context) error {
	if b.redis == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := b.listenOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		b.logger.Warn("eventbus_redis_disconnected", slog.Any("error", err), slog.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (b *Bus) listenOnce(ctx context.Context) error {
	pubsub := b.redis.PSubscribe(ctx, redisWildcard)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe: %w", err)
	}
	b.logger.Info("eventbus_redis_subscribed", slog.String("pattern", redisWildcard))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis pubsub channel closed")
			}
			var env envelope.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("eventbus_malformed_payload", slog.Any("error", err))
				continue
			}
			b.dispatch(ctx, &env)
		}
	}
}

// dispatch runs every registered handler for env.EventType, retrying a
// failing handler up to dlqMaxAttempts before writing it to the
// dead_letters table. Unknown event types (no registered handler) are
// routed straight to the DLQ per the "unknown schema" escalation rule.
func (b *Bus) dispatch(ctx context.Context, env *envelope.Envelope) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[env.EventType]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.deadLetter(ctx, env, fmt.Errorf("no handler registered for event_type %q", env.EventType))
		return
	}

	for _, h := range handlers {
		var err error
		for attempt := 1; attempt <= dlqMaxAttempts; attempt++ {
			if err = h(ctx, env); err == nil {
				break
			}
			b.logger.Warn("eventbus_handler_failed",
				slog.String("event_type", env.EventType),
				slog.String("event_id", env.EventID),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			if attempt < dlqMaxAttempts {
				time.Sleep(jitter(retryBaseDelay << uint(attempt)))
			}
		}
		if err != nil {
			b.deadLetter(ctx, env, err)
		}
	}
}

func (b *Bus) deadLetter(ctx context.Context, env *envelope.Envelope, cause error) {
	record := struct {
		Envelope *envelope.Envelope `json:"envelope"`
		Error    string             `json:"error"`
		Attempts int                `json:"attempts"`
	}{Envelope: env, Error: cause.Error(), Attempts: dlqMaxAttempts}

	raw, err := json.Marshal(record)
	if err != nil {
		b.logger.Error("eventbus_dlq_marshal_failed", slog.Any("error", err))
		return
	}
	werr := b.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, e := docstore.AppendRecord(ctx, tx, "dead_letters", env.EventID, raw)
		return e
	})
	if werr != nil {
		b.logger.Error("eventbus_dlq_write_failed", slog.String("event_id", env.EventID), slog.Any("error", werr))
	}
}

// DrainReplayQueue reads the local replay queue FIFO and republishes
// each entry to Redis, stopping at the first failure so the remaining
// queue stays intact for the next health-probe-triggered drain. It is
// meant to be invoked by the circuit breaker's health prober when the
// transport breaker transitions back to CLOSED/HALF_OPEN.
func (b *Bus) DrainReplayQueue(ctx context.Context, batchSize int) (int, error) {
	if b.redis == nil {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	records, err := b.store.OldestRecords(ctx, "local_replay_queue", batchSize)
	if err != nil {
		return 0, fmt.Errorf("list replay queue: %w", err)
	}

	drained := 0
	for _, rec := range records {
		var env envelope.Envelope
		if err := json.Unmarshal(rec.Body, &env); err != nil {
			b.logger.Warn("eventbus_replay_malformed", slog.Any("error", err))
			if delErr := b.store.DeleteRecord(ctx, "local_replay_queue", rec.ID); delErr != nil {
				return drained, delErr
			}
			continue
		}
		channel := redisChannelPrefix + env.EventType
		if err := b.redis.Publish(ctx, channel, rec.Body).Err(); err != nil {
			return drained, fmt.Errorf("drain publish: %w", err)
		}
		if err := b.store.DeleteRecord(ctx, "local_replay_queue", rec.ID); err != nil {
			return drained, fmt.Errorf("drain delete: %w", err)
		}
		drained++
	}
	return drained, nil
}
