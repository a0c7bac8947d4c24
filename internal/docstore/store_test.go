package docstore_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kinkys/narrativecore/internal/docstore"
)

func openTestDocs(t *testing.T) *docstore.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := docstore.Open(filepath.Join(dir, "docstore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutGetUpdateDocument(t *testing.T) {
	docs := openTestDocs(t)
	ctx := context.Background()

	err := docs.WithTx(ctx, func(tx *sql.Tx) error {
		return docstore.PutDocument(ctx, tx, "users", "u1", []byte(`{"balance":0}`))
	})
	require.NoError(t, err)

	doc, err := docs.GetDocument(ctx, "users", "u1")
	require.NoError(t, err)
	require.Equal(t, int64(1), doc.Version)

	err = docs.WithTx(ctx, func(tx *sql.Tx) error {
		return docstore.UpdateDocument(ctx, tx, "users", "u1", doc.Version, []byte(`{"balance":10}`))
	})
	require.NoError(t, err)

	updated, err := docs.GetDocument(ctx, "users", "u1")
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Version)
	require.JSONEq(t, `{"balance":10}`, string(updated.Body))
}

func TestUpdateDocument_FailsOnVersionConflict(t *testing.T) {
	docs := openTestDocs(t)
	ctx := context.Background()

	require.NoError(t, docs.WithTx(ctx, func(tx *sql.Tx) error {
		return docstore.PutDocument(ctx, tx, "users", "u1", []byte(`{}`))
	}))

	err := docs.WithTx(ctx, func(tx *sql.Tx) error {
		return docstore.UpdateDocument(ctx, tx, "users", "u1", 99, []byte(`{}`))
	})
	require.ErrorIs(t, err, docstore.ErrVersionConflict)
}

func TestPutDocument_FailsOnDuplicateID(t *testing.T) {
	docs := openTestDocs(t)
	ctx := context.Background()

	require.NoError(t, docs.WithTx(ctx, func(tx *sql.Tx) error {
		return docstore.PutDocument(ctx, tx, "users", "u1", []byte(`{}`))
	}))

	err := docs.WithTx(ctx, func(tx *sql.Tx) error {
		return docstore.PutDocument(ctx, tx, "users", "u1", []byte(`{}`))
	})
	require.ErrorIs(t, err, docstore.ErrVersionConflict)
}

func TestGetDocument_NotFound(t *testing.T) {
	docs := openTestDocs(t)
	_, err := docs.GetDocument(context.Background(), "users", "missing")
	require.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestDeleteDocument(t *testing.T) {
	docs := openTestDocs(t)
	ctx := context.Background()

	require.NoError(t, docs.WithTx(ctx, func(tx *sql.Tx) error {
		return docstore.PutDocument(ctx, tx, "users", "u1", []byte(`{}`))
	}))
	require.NoError(t, docs.WithTx(ctx, func(tx *sql.Tx) error {
		return docstore.DeleteDocument(ctx, tx, "users", "u1")
	}))

	_, err := docs.GetDocument(ctx, "users", "u1")
	require.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestAppendRecordAndFindByKey(t *testing.T) {
	docs := openTestDocs(t)
	ctx := context.Background()

	require.NoError(t, docs.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := docstore.AppendRecord(ctx, tx, "currency_transactions", "k1", []byte(`{"delta":10}`))
		return err
	}))

	doc, err := docs.FindByKey(ctx, "currency_transactions", "k1")
	require.NoError(t, err)
	require.JSONEq(t, `{"delta":10}`, string(doc.Body))

	_, err = docs.FindByKey(ctx, "currency_transactions", "missing")
	require.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestAppendRecord_RejectsDuplicateKey(t *testing.T) {
	docs := openTestDocs(t)
	ctx := context.Background()

	require.NoError(t, docs.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := docstore.AppendRecord(ctx, tx, "currency_transactions", "k1", []byte(`{}`))
		return err
	}))

	err := docs.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := docstore.AppendRecord(ctx, tx, "currency_transactions", "k1", []byte(`{}`))
		return err
	})
	require.ErrorIs(t, err, docstore.ErrVersionConflict)
}

func TestTrimOldest_KeepsOnlyNewestRows(t *testing.T) {
	docs := openTestDocs(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, docs.WithTx(ctx, func(tx *sql.Tx) error {
			_, err := docstore.AppendRecord(ctx, tx, "local_replay_queue", "", []byte(`{}`))
			return err
		}))
	}

	dropped, err := docs.TrimOldest(ctx, "local_replay_queue", 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), dropped)

	remaining, err := docs.OldestRecords(ctx, "local_replay_queue", 10)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
}
