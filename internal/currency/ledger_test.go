package currency_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kinkys/narrativecore/internal/currency"
	"github.com/kinkys/narrativecore/internal/docstore"
	"github.com/kinkys/narrativecore/internal/eventbus"
	"github.com/kinkys/narrativecore/internal/users"
)

func openTestDocs(t *testing.T) *docstore.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := docstore.Open(filepath.Join(dir, "docstore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedUser(t *testing.T, docs *docstore.Store, userID string) {
	t.Helper()
	state := users.StateDocument{
		InternalID:         userID,
		NarrativeLevel:     1,
		CompletedFragments: []string{},
		ChoicesLog:         []users.ChoiceLogItem{},
		UnlockedHints:      []string{},
	}
	body, err := json.Marshal(state)
	require.NoError(t, err)
	err = docs.WithTx(context.Background(), func(tx *sql.Tx) error {
		return docstore.PutDocument(context.Background(), tx, "users", userID, body)
	})
	require.NoError(t, err)
}

func TestLedger_CreditIncreasesBalance(t *testing.T) {
	docs := openTestDocs(t)
	seedUser(t, docs, "u1")
	bus := eventbus.New(nil, docs, nil, 10)
	ledger := currency.New(docs, bus, nil)

	res, err := ledger.Credit(context.Background(), "u1", 10, "reward", "k1", "corr1")
	require.NoError(t, err)
	require.Equal(t, int64(10), res.BalanceAfter)
	require.False(t, res.Replayed)
}

func TestLedger_CreditIsIdempotent(t *testing.T) {
	docs := openTestDocs(t)
	seedUser(t, docs, "u1")
	bus := eventbus.New(nil, docs, nil, 10)
	ledger := currency.New(docs, bus, nil)

	first, err := ledger.Credit(context.Background(), "u1", 10, "reward", "k1", "corr1")
	require.NoError(t, err)

	second, err := ledger.Credit(context.Background(), "u1", 10, "reward", "k1", "corr1")
	require.NoError(t, err)
	require.Equal(t, first.BalanceAfter, second.BalanceAfter)
	require.True(t, second.Replayed)
}

func TestLedger_DebitFailsOnInsufficientFunds(t *testing.T) {
	docs := openTestDocs(t)
	seedUser(t, docs, "u1")
	bus := eventbus.New(nil, docs, nil, 10)
	ledger := currency.New(docs, bus, nil)

	_, err := ledger.Debit(context.Background(), "u1", 5, "purchase", "k1", "")
	require.Error(t, err)
}

func TestLedger_DebitThenDistinctCreditLeavesExpectedBalance(t *testing.T) {
	docs := openTestDocs(t)
	seedUser(t, docs, "u1")
	bus := eventbus.New(nil, docs, nil, 10)
	ledger := currency.New(docs, bus, nil)

	_, err := ledger.Credit(context.Background(), "u1", 20, "reward", "k1", "")
	require.NoError(t, err)

	_, err = ledger.Debit(context.Background(), "u1", 5, "purchase", "k2", "")
	require.NoError(t, err)

	res, err := ledger.Credit(context.Background(), "u1", 5, "reward2", "k3", "")
	require.NoError(t, err)
	require.Equal(t, int64(20), res.BalanceAfter)
}
