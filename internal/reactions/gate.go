// Package reactions implements ReactionGate (C10): it takes whatever
// raw reaction payload the transport layer hands it, filters by the
// configured channel/emoji allow-lists, and emits the normalized
// reaction_observed event the rest of the core depends on. Invalid
// reactions are dropped silently save for a counter, the same way the
// teacher's channel adapter swallows updates from ids outside its own
// allow-list rather than erroring.
package reactions

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/kinkys/narrativecore/internal/eventbus"
)

// RawReaction is the transport-agnostic shape a reaction adapter
// normalizes its inbound update into before handing it to the gate.
type RawReaction struct {
	UserID          string
	ChannelID       string
	Emoji           string
	SourceMessageID string
}

// Gate filters raw reactions against the configured allow-lists.
type Gate struct {
	bus    *eventbus.Bus
	logger *slog.Logger

	allowedChannels map[string]struct{}
	allowedEmojis   map[string]struct{}

	dropped atomic.Int64
}

// New builds a Gate from the CHANNEL_IDS_ALLOWED / REACTION_EMOJIS_ALLOWED
// configuration surface.
func New(bus *eventbus.Bus, logger *slog.Logger, allowedChannels, allowedEmojis []string) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		bus:             bus,
		logger:          logger,
		allowedChannels: toSet(allowedChannels),
		allowedEmojis:   toSet(allowedEmojis),
	}
	return g
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, i := range items {
		set[i] = struct{}{}
	}
	return set
}

// Observe validates r against the allow-lists and, if it passes,
// publishes reaction_observed. Invalid reactions are dropped with a
// counter increment and a nil error — a malformed or out-of-scope
// reaction is not itself a failure of the gate.
func (g *Gate) Observe(ctx context.Context, r RawReaction) error {
	if !g.allowed(r) {
		g.dropped.Add(1)
		g.logger.Debug("reaction_dropped",
			slog.String("channel_id", r.ChannelID),
			slog.String("emoji", r.Emoji),
		)
		return nil
	}
	return g.bus.Publish(ctx, "reaction_observed", r.UserID, "reactions", map[string]any{
		"user_id":           r.UserID,
		"channel_id":        r.ChannelID,
		"emoji":             r.Emoji,
		"source_message_id": r.SourceMessageID,
	})
}

func (g *Gate) allowed(r RawReaction) bool {
	if r.UserID == "" || r.ChannelID == "" || r.Emoji == "" {
		return false
	}
	if len(g.allowedChannels) > 0 {
		if _, ok := g.allowedChannels[r.ChannelID]; !ok {
			return false
		}
	}
	if len(g.allowedEmojis) > 0 {
		if _, ok := g.allowedEmojis[r.Emoji]; !ok {
			return false
		}
	}
	return true
}

// DroppedCount reports how many reactions have been filtered out since
// startup, exported as an otel gauge by the wiring layer.
func (g *Gate) DroppedCount() int64 {
	return g.dropped.Load()
}
