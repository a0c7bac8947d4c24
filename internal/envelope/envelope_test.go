package envelope_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kinkys/narrativecore/internal/envelope"
)

func TestNew_StampsMetadataAndMarshalsPayload(t *testing.T) {
	env, err := envelope.New("narrative_choice_made", "corr1", "u1", "narrative", map[string]any{
		"fragment_id": "f1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, env.EventID)
	require.Equal(t, "narrative_choice_made", env.EventType)
	require.Equal(t, "corr1", env.CorrelationID)
	require.Equal(t, "u1", env.UserID)
	require.False(t, env.Timestamp.IsZero())

	var decoded map[string]string
	require.NoError(t, env.Decode(&decoded))
	require.Equal(t, "f1", decoded["fragment_id"])
}

func TestNew_RejectsUnmarshalablePayload(t *testing.T) {
	_, err := envelope.New("x", "", "", "source", make(chan int))
	require.Error(t, err)
}
