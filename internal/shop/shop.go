// Package shop implements PistaShop (C8): the atomic
// "debit currency -> unlock hint -> maybe promote level -> compensate
// on failure" purchase workflow. The sequence is a fixed four-step
// chain rather than a dynamic DAG, so it is expressed directly as
// sequential steps with an explicit compensation path instead of
// routing through the coordinator's general-purpose plan executor
// (see DESIGN.md).
package shop

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/kinkys/narrativecore/internal/corekit"
	"github.com/kinkys/narrativecore/internal/currency"
	"github.com/kinkys/narrativecore/internal/docstore"
	"github.com/kinkys/narrativecore/internal/eventbus"
	"github.com/kinkys/narrativecore/internal/users"
)

// Hint (Pista) is a purchasable unlock.
type Hint struct {
	HintID  string     `json:"hint_id"`
	Title   string     `json:"title"`
	Cost    int64      `json:"cost_currency"`
	Unlocks HintUnlock `json:"unlocks"`
}

// HintUnlock names what a Hint grants on purchase.
type HintUnlock struct {
	FragmentIDs     []string `json:"fragment_ids,omitempty"`
	LevelPromotion  int      `json:"level_promotion,omitempty"`
}

// Shop ties the document store and currency ledger together to
// implement purchase.
type Shop struct {
	docs   *docstore.Store
	ledger *currency.Ledger
	bus    *eventbus.Bus
	logger *slog.Logger
}

func New(docs *docstore.Store, ledger *currency.Ledger, bus *eventbus.Bus, logger *slog.Logger) *Shop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Shop{docs: docs, ledger: ledger, bus: bus, logger: logger}
}

func (s *Shop) getHint(ctx context.Context, hintID string) (*Hint, error) {
	doc, err := s.docs.GetDocument(ctx, "hints", hintID)
	if err != nil {
		if err == docstore.ErrNotFound {
			return nil, corekit.New(corekit.KindNotFound, "hint_not_found", "")
		}
		return nil, fmt.Errorf("get hint: %w", err)
	}
	var hint Hint
	if err := json.Unmarshal(doc.Body, &hint); err != nil {
		return nil, fmt.Errorf("unmarshal hint: %w", err)
	}
	return &hint, nil
}

// Purchase runs the five-step contract: read hint, debit currency,
// apply the unlock, publish events, and — if the unlock step fails
// after a successful debit — compensate with a credit keyed so retries
// never double-refund.
func (s *Shop) Purchase(ctx context.Context, userID, hintID string) error {
	hint, err := s.getHint(ctx, hintID)
	if err != nil {
		return err
	}

	debitKey := idempotencyKey(userID, hintID, "v1")
	if _, err := s.ledger.Debit(ctx, userID, hint.Cost, "pista_purchase", debitKey, ""); err != nil {
		return err
	}

	oldLevel, newLevel, applyErr := s.applyUnlock(ctx, userID, hint)
	if applyErr != nil {
		compensateKey := idempotencyKey(debitKey, "compensate")
		if _, cErr := s.ledger.Credit(ctx, userID, hint.Cost, "pista_purchase_compensation", compensateKey, ""); cErr != nil {
			s.writeAdminLog(ctx, userID, "compensation_failed",
				fmt.Sprintf("unlock failed (%v) and compensating credit also failed (%v)", applyErr, cErr))
			return corekit.New(corekit.KindPartialFailure, "compensation_failed", "contact support")
		}
		s.writeAdminLog(ctx, userID, "purchase_compensated", fmt.Sprintf("unlock failed: %v", applyErr))
		return corekit.New(corekit.KindPartialFailure, "purchase_compensated", "your currency was refunded")
	}

	if s.bus != nil {
		_ = s.bus.Publish(ctx, "hint_unlocked", userID, "shop", map[string]any{"user_id": userID, "hint_id": hintID})
		if oldLevel != newLevel {
			_ = s.bus.Publish(ctx, "narrative_level_changed", userID, "shop", map[string]any{
				"user_id": userID, "old_level": oldLevel, "new_level": newLevel, "trigger": "hint",
			})
		}
	}
	return nil
}

// applyUnlock adds hintID to the user's unlocked_hints and, if the
// hint promotes a level beyond the user's current one, raises
// narrative_level. Runs in a single document-store transaction.
func (s *Shop) applyUnlock(ctx context.Context, userID string, hint *Hint) (oldLevel, newLevel int, err error) {
	txErr := s.docs.WithTx(ctx, func(tx *sql.Tx) error {
		doc, gerr := docstore.GetDocumentTx(ctx, tx, "users", userID)
		if gerr != nil {
			return corekit.Wrap(corekit.KindNotFound, "user_not_found", gerr)
		}
		var state users.StateDocument
		if uerr := json.Unmarshal(doc.Body, &state); uerr != nil {
			return fmt.Errorf("unmarshal state document: %w", uerr)
		}

		oldLevel = state.NarrativeLevel
		newLevel = state.NarrativeLevel
		state.UnlockedHints = appendUnique(state.UnlockedHints, hint.HintID)
		if hint.Unlocks.LevelPromotion > 0 && state.NarrativeLevel < hint.Unlocks.LevelPromotion {
			state.NarrativeLevel = hint.Unlocks.LevelPromotion
			newLevel = hint.Unlocks.LevelPromotion
		}

		body, merr := json.Marshal(state)
		if merr != nil {
			return fmt.Errorf("marshal state document: %w", merr)
		}
		return docstore.UpdateDocument(ctx, tx, "users", userID, doc.Version, body)
	})
	return oldLevel, newLevel, txErr
}

func appendUnique(list []string, item string) []string {
	for _, v := range list {
		if v == item {
			return list
		}
	}
	return append(list, item)
}

func idempotencyKey(parts ...string) string {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Shop) writeAdminLog(ctx context.Context, userID, event, detail string) {
	entry := map[string]any{
		"event":      event,
		"user_id":    userID,
		"detail":     detail,
		"created_at": time.Now().UTC(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		s.logger.Error("admin_log_marshal_failed", slog.Any("error", err))
		return
	}
	werr := s.docs.WithTx(ctx, func(tx *sql.Tx) error {
		_, e := docstore.AppendRecord(ctx, tx, "admin_logs", "", raw)
		return e
	})
	if werr != nil {
		s.logger.Error("admin_log_write_failed", slog.Any("error", werr))
	}
}
