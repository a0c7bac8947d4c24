package relstore_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kinkys/narrativecore/internal/corekit"
	"github.com/kinkys/narrativecore/internal/relstore"
)

func openTestStore(t *testing.T) *relstore.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := relstore.OpenSQLite(filepath.Join(dir, "relstore.db"), relstore.DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateProfile_RejectsDuplicateExternalID(t *testing.T) {
	store := openTestStore(t)

	_, err := store.CreateProfile(1, "Ada", "en")
	require.NoError(t, err)

	_, err = store.CreateProfile(1, "Ada2", "en")
	require.Error(t, err)
	kind, ok := corekit.AsKind(err)
	require.True(t, ok)
	require.Equal(t, corekit.KindAlreadyExists, kind)
}

func TestGetProfileByExternalID(t *testing.T) {
	store := openTestStore(t)

	created, err := store.CreateProfile(42, "Bob", "en")
	require.NoError(t, err)

	got, err := store.GetProfileByExternalID(42)
	require.NoError(t, err)
	require.Equal(t, created.InternalID, got.InternalID)
}

func TestDeleteProfile_NotFound(t *testing.T) {
	store := openTestStore(t)
	err := store.DeleteProfile("missing")
	require.Error(t, err)
	kind, ok := corekit.AsKind(err)
	require.True(t, ok)
	require.Equal(t, corekit.KindNotFound, kind)
}

func TestActivate_DeactivatesPriorSubscription(t *testing.T) {
	store := openTestStore(t)
	profile, err := store.CreateProfile(1, "Ada", "en")
	require.NoError(t, err)

	first, err := store.Activate(profile.InternalID, relstore.PlanPremium, nil)
	require.NoError(t, err)

	second, err := store.Activate(profile.InternalID, relstore.PlanVIP, nil)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	active, err := store.ActiveSubscription(profile.InternalID)
	require.NoError(t, err)
	require.Equal(t, second.ID, active.ID)
}

func TestTransition_RejectsInvalidTransition(t *testing.T) {
	store := openTestStore(t)
	profile, err := store.CreateProfile(1, "Ada", "en")
	require.NoError(t, err)

	sub, err := store.Activate(profile.InternalID, relstore.PlanPremium, nil)
	require.NoError(t, err)

	err = store.Transition(sub.ID, relstore.SubscriptionInactive)
	require.Error(t, err)

	require.NoError(t, store.Transition(sub.ID, relstore.SubscriptionCancelled))
}

func TestExpireDue_TransitionsPastDeadline(t *testing.T) {
	store := openTestStore(t)
	profile, err := store.CreateProfile(1, "Ada", "en")
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	_, err = store.Activate(profile.InternalID, relstore.PlanPremium, &past)
	require.NoError(t, err)

	userIDs, err := store.ExpireDue(time.Now())
	require.NoError(t, err)
	require.Equal(t, []string{profile.InternalID}, userIDs)

	active, err := store.ActiveSubscription(profile.InternalID)
	require.NoError(t, err)
	require.Nil(t, active)
}
