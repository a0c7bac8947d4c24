package reactions_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kinkys/narrativecore/internal/envelope"
	"github.com/kinkys/narrativecore/internal/eventbus"
	"github.com/kinkys/narrativecore/internal/reactions"
)

func TestGate_ObservePublishesAllowedReaction(t *testing.T) {
	bus := eventbus.New(nil, nil, nil, 10)
	gate := reactions.New(bus, nil, []string{"chan1"}, []string{"👍"})

	var received bool
	bus.Subscribe("reaction_observed", func(ctx context.Context, env *envelope.Envelope) error {
		received = true
		return nil
	})

	err := gate.Observe(context.Background(), reactions.RawReaction{
		UserID: "u1", ChannelID: "chan1", Emoji: "👍", SourceMessageID: "m1",
	})
	require.NoError(t, err)
	require.True(t, received)
	require.Equal(t, int64(0), gate.DroppedCount())
}

func TestGate_ObserveDropsDisallowedChannel(t *testing.T) {
	bus := eventbus.New(nil, nil, nil, 10)
	gate := reactions.New(bus, nil, []string{"chan1"}, nil)

	err := gate.Observe(context.Background(), reactions.RawReaction{
		UserID: "u1", ChannelID: "other", Emoji: "👍",
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), gate.DroppedCount())
}

func TestGate_ObserveDropsMissingFields(t *testing.T) {
	bus := eventbus.New(nil, nil, nil, 10)
	gate := reactions.New(bus, nil, nil, nil)

	err := gate.Observe(context.Background(), reactions.RawReaction{ChannelID: "c", Emoji: "e"})
	require.NoError(t, err)
	require.Equal(t, int64(1), gate.DroppedCount())
}
