// Package currency implements CurrencyLedger (C5): idempotent,
// optimistic-concurrency credit/debit of a user's virtual-currency
// balance, modeled on the teacher's task-lease retry idiom applied
// here to a read-modify-write on the user state document instead of a
// task row.
package currency

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kinkys/narrativecore/internal/corekit"
	"github.com/kinkys/narrativecore/internal/docstore"
	"github.com/kinkys/narrativecore/internal/eventbus"
	"github.com/kinkys/narrativecore/internal/users"
)

const maxContentionRetries = 5

// Transaction is one append-only row in currency_transactions.
type Transaction struct {
	TxnID         string `json:"txn_id"`
	UserID        string `json:"user_id"`
	Delta         int64  `json:"delta"`
	Reason        string `json:"reason"`
	CorrelationID string `json:"correlation_id"`
	BalanceAfter  int64  `json:"balance_after"`
	CreatedAt     time.Time `json:"created_at"`
}

// Result is returned by Credit/Debit.
type Result struct {
	BalanceAfter int64
	Replayed     bool // true if this call returned a prior commit's outcome
}

// Ledger wraps the document store backing both the users collection
// and the currency_transactions append log.
type Ledger struct {
	docs   *docstore.Store
	bus    *eventbus.Bus
	logger *slog.Logger
}

func New(docs *docstore.Store, bus *eventbus.Bus, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{docs: docs, bus: bus, logger: logger}
}

// Credit increases the user's balance by amount.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, reason, idempotencyKey, correlationID string) (*Result, error) {
	return l.apply(ctx, userID, amount, reason, idempotencyKey, correlationID, "currency_credited")
}

// Debit decreases the user's balance by amount, failing with
// InsufficientFunds if the balance would go negative.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64, reason, idempotencyKey, correlationID string) (*Result, error) {
	return l.apply(ctx, userID, -amount, reason, idempotencyKey, correlationID, "currency_debited")
}

func (l *Ledger) apply(ctx context.Context, userID string, delta int64, reason, idempotencyKey, correlationID, eventType string) (*Result, error) {
	if existing, err := l.docs.FindByKey(ctx, "currency_transactions", idempotencyKey); err == nil {
		var txn Transaction
		if uerr := json.Unmarshal(existing.Body, &txn); uerr != nil {
			return nil, corekit.Wrap(corekit.KindInternal, "unmarshal_prior_transaction", uerr)
		}
		return &Result{BalanceAfter: txn.BalanceAfter, Replayed: true}, nil
	} else if err != docstore.ErrNotFound {
		return nil, corekit.Wrap(corekit.KindInternal, "lookup_idempotency_key", err)
	}

	var result *Result
	var commitErr error
	for attempt := 0; attempt < maxContentionRetries; attempt++ {
		result, commitErr = l.attemptOnce(ctx, userID, delta, reason, idempotencyKey, correlationID)
		if commitErr == nil {
			break
		}
		if commitErr != docstore.ErrVersionConflict {
			return nil, commitErr
		}
		l.logger.Warn("currency_ledger_contention", slog.String("user_id", userID), slog.Int("attempt", attempt+1))
	}
	if commitErr != nil {
		return nil, corekit.New(corekit.KindContentionExceeded, "currency_ledger_contention", "try again shortly")
	}

	if l.bus != nil {
		if perr := l.bus.Publish(ctx, eventType, userID, "currency", map[string]any{
			"user_id":         userID,
			"amount":          delta,
			"balance_after":   result.BalanceAfter,
			"reason":          reason,
			"idempotency_key": idempotencyKey,
		}); perr != nil {
			l.logger.Warn("currency_event_publish_failed", slog.Any("error", perr))
		}
	}
	return result, nil
}

// attemptOnce performs one read-modify-write cycle under the user
// document's optimistic version token. Returns docstore.ErrVersionConflict
// if the version changed between read and write, which the caller
// retries.
func (l *Ledger) attemptOnce(ctx context.Context, userID string, delta int64, reason, idempotencyKey, correlationID string) (*Result, error) {
	var result Result
	err := l.docs.WithTx(ctx, func(tx *sql.Tx) error {
		doc, err := docstore.GetDocumentTx(ctx, tx, "users", userID)
		if err != nil {
			return corekit.Wrap(corekit.KindNotFound, "user_not_found", err)
		}
		var state users.StateDocument
		if err := json.Unmarshal(doc.Body, &state); err != nil {
			return corekit.Wrap(corekit.KindInternal, "unmarshal_state_document", err)
		}

		newBalance := state.Balance + delta
		if newBalance < 0 {
			return corekit.New(corekit.KindInsufficientFunds, "insufficient_funds", "")
		}

		txn := Transaction{
			TxnID:         idempotencyKey,
			UserID:        userID,
			Delta:         delta,
			Reason:        reason,
			CorrelationID: correlationID,
			BalanceAfter:  newBalance,
			CreatedAt:     time.Now().UTC(),
		}
		txnBody, err := json.Marshal(txn)
		if err != nil {
			return fmt.Errorf("marshal transaction: %w", err)
		}
		if _, err := docstore.AppendRecord(ctx, tx, "currency_transactions", idempotencyKey, txnBody); err != nil {
			return err
		}

		state.Balance = newBalance
		stateBody, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshal state document: %w", err)
		}
		if err := docstore.UpdateDocument(ctx, tx, "users", userID, doc.Version, stateBody); err != nil {
			return err
		}

		result = Result{BalanceAfter: newBalance}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}
