package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Document is a single versioned JSON row as read back from a
// collection.
type Document struct {
	ID      string
	Body    []byte
	Version int64
}

// WithTx runs fn inside a BeginTx/Commit pair, retrying on sqlite
// BUSY/LOCKED per the store's retry policy. fn must not call Commit or
// Rollback itself.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// PutDocument inserts a brand-new document at version 1. Returns
// ErrVersionConflict (via the unique id constraint) if id already
// exists in the collection.
func PutDocument(ctx context.Context, tx *sql.Tx, collection, id string, body []byte) error {
	q := fmt.Sprintf(`INSERT INTO %s (id, body, version) VALUES (?, ?, 1);`, collection)
	if _, err := tx.ExecContext(ctx, q, id, string(body)); err != nil {
		if isUniqueViolation(err) {
			return ErrVersionConflict
		}
		return fmt.Errorf("put document %s/%s: %w", collection, id, err)
	}
	return nil
}

// GetDocument reads a single document outside any transaction.
func (s *Store) GetDocument(ctx context.Context, collection, id string) (*Document, error) {
	return getDocument(ctx, s.db, collection, id)
}

// GetDocumentTx reads a single document within tx, used when the
// caller needs a consistent read-modify-write within one transaction.
func GetDocumentTx(ctx context.Context, tx *sql.Tx, collection, id string) (*Document, error) {
	return getDocument(ctx, tx, collection, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDocument(ctx context.Context, q queryRower, collection, id string) (*Document, error) {
	query := fmt.Sprintf(`SELECT body, version FROM %s WHERE id = ?;`, collection)
	row := q.QueryRowContext(ctx, query, id)
	var body string
	var version int64
	if err := row.Scan(&body, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get document %s/%s: %w", collection, id, err)
	}
	return &Document{ID: id, Body: []byte(body), Version: version}, nil
}

// UpdateDocument performs an optimistic-concurrency compare-and-swap:
// the write only applies if the row's current version equals
// expectedVersion, and bumps version by one.
func UpdateDocument(ctx context.Context, tx *sql.Tx, collection, id string, expectedVersion int64, body []byte) error {
	q := fmt.Sprintf(`UPDATE %s SET body = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?;`, collection)
	res, err := tx.ExecContext(ctx, q, string(body), id, expectedVersion)
	if err != nil {
		return fmt.Errorf("update document %s/%s: %w", collection, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document %s/%s: %w", collection, id, err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// DeleteDocument removes a document unconditionally.
func DeleteDocument(ctx context.Context, tx *sql.Tx, collection, id string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = ?;`, collection)
	res, err := tx.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("delete document %s/%s: %w", collection, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document %s/%s: %w", collection, id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendRecord writes one row to an append-only log collection
// (currency_transactions, events_audit, admin_logs, local_replay_queue,
// dead_letters). recordKey is an optional idempotency/dedup key
// (unique only on currency_transactions); pass "" where not
// applicable.
func AppendRecord(ctx context.Context, tx *sql.Tx, table, recordKey string, body []byte) (int64, error) {
	q := fmt.Sprintf(`INSERT INTO %s (record_key, body) VALUES (?, ?);`, table)
	res, err := tx.ExecContext(ctx, q, nullableKey(recordKey), string(body))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrVersionConflict
		}
		return 0, fmt.Errorf("append record %s: %w", table, err)
	}
	return res.LastInsertId()
}

// FindByKey looks up an append-log row by its record_key (used for
// idempotency_key lookups on currency_transactions).
func (s *Store) FindByKey(ctx context.Context, table, recordKey string) (*Document, error) {
	query := fmt.Sprintf(`SELECT seq, body FROM %s WHERE record_key = ?;`, table)
	row := s.db.QueryRowContext(ctx, query, recordKey)
	var seq int64
	var body string
	if err := row.Scan(&seq, &body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find by key %s/%s: %w", table, recordKey, err)
	}
	return &Document{ID: fmt.Sprintf("%d", seq), Body: []byte(body), Version: seq}, nil
}

// OldestRecords returns up to limit rows in FIFO order, used by the
// LocalReplayQueue drain loop and DLQ inspection.
func (s *Store) OldestRecords(ctx context.Context, table string, limit int) ([]Document, error) {
	query := fmt.Sprintf(`SELECT seq, body FROM %s ORDER BY seq ASC LIMIT ?;`, table)
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list oldest %s: %w", table, err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var seq int64
		var body string
		if err := rows.Scan(&seq, &body); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		out = append(out, Document{ID: fmt.Sprintf("%d", seq), Body: []byte(body), Version: seq})
	}
	return out, rows.Err()
}

// DeleteRecord removes a single append-log row by its seq (encoded in
// Document.ID), used after a successful drain/DLQ replay.
func (s *Store) DeleteRecord(ctx context.Context, table, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE seq = ?;`, table)
	_, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete record %s/%s: %w", table, id, err)
	}
	return nil
}

// TrimOldest deletes rows past capacity, keeping the newest `capacity`
// rows. Used by LocalReplayQueue's newest-wins overflow policy. Returns
// the number of rows dropped.
func (s *Store) TrimOldest(ctx context.Context, table string, capacity int) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE seq IN (
		SELECT seq FROM %s ORDER BY seq DESC LIMIT -1 OFFSET ?
	);`, table, table)
	res, err := s.db.ExecContext(ctx, query, capacity)
	if err != nil {
		return 0, fmt.Errorf("trim %s: %w", table, err)
	}
	return res.RowsAffected()
}

func nullableKey(k string) any {
	if k == "" {
		return nil
	}
	return k
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed")
}
