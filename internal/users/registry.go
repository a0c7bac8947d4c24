// Package users implements UserRegistry (C4): atomic user creation
// and deletion spanning the relational profile and document state
// store, plus a unified read that merges both sides and reports
// Partial when only one side is present.
package users

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
	"github.com/kinkys/narrativecore/internal/relstore"
)

// StateDocument is the mutable half of a User, stored in the
// "users" collection keyed by internal_id.
type StateDocument struct {
	InternalID         string          `json:"internal_id"`
	NarrativeLevel     int             `json:"narrative_level"`
	Balance            int64           `json:"balance"`
	CurrentFragmentID  string          `json:"current_fragment_id,omitempty"`
	CompletedFragments []string        `json:"completed_fragments"`
	ChoicesLog         []ChoiceLogItem `json:"choices_log"`
	UnlockedHints      []string        `json:"unlocked_hints"`
	Inventory          []string        `json:"inventory"`
	MenuContext        string          `json:"menu_context,omitempty"`
	Scratchpad         map[string]any  `json:"scratchpad,omitempty"`
	WorthinessScore    float64         `json:"worthiness_score"`
}

// ChoiceLogItem records one committed narrative choice.
type ChoiceLogItem struct {
	FragmentID string `json:"fragment_id"`
	ChoiceID   string `json:"choice_id"`
}

// View is the unified read value returned by Get, merging the profile
// and state document. Partial is true when one side was missing at
// read time (the other side's fields are zero-valued).
type View struct {
	Profile  *relstore.UserProfile
	State    *StateDocument
	Partial  bool
}

// Registry owns the two stores and the event bus used to publish
// lifecycle events. It implements UserRegistry.create/get/delete
// exactly as described for C4.
type Registry struct {
	docs   *docstore.Store
	rel    *relstore.Store
	bus    *eventbus.Bus
	logger *slog.Logger
}

func New(docs *docstore.Store, rel *relstore.Store, bus *eventbus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{docs: docs, rel: rel, bus: bus, logger: logger}
}

// Create runs the five-step contract: allocate id, insert the
// relational profile, insert the document state, compensate on
// document-side failure, then publish user_registered.
func (r *Registry) Create(ctx context.Context, externalID int64, displayName, language string) (*View, error) {
	profile, err := r.rel.CreateProfile(externalID, displayName, language)
	if err != nil {
		return nil, err
	}

	state := &StateDocument{
		InternalID:         profile.InternalID,
		NarrativeLevel:     1,
		Balance:            0,
		CompletedFragments: []string{},
		ChoicesLog:         []ChoiceLogItem{},
		UnlockedHints:      []string{},
		Inventory:          []string{},
	}
	body, err := json.Marshal(state)
	if err != nil {
		return nil, corekit.Wrap(corekit.KindInternal, "marshal_state_document", err)
	}

	werr := r.docs.WithTx(ctx, func(tx *sql.Tx) error {
		return docstore.PutDocument(ctx, tx, "users", profile.InternalID, body)
	})
	if werr != nil {
		// Step 4: compensate the relational insert. StoreInconsistency
		// is only surfaced if the compensation itself fails.
		if delErr := r.rel.DeleteProfile(profile.InternalID); delErr != nil {
			r.writeAdminLog(ctx, profile.InternalID, "reconcile_required",
				fmt.Sprintf("document insert failed (%v) and compensating delete also failed (%v)", werr, delErr))
			return nil, corekit.New(corekit.KindConflict, "store_inconsistency",
				"user registration left stores inconsistent; reconciliation queued")
		}
		return nil, corekit.Wrap(corekit.KindInternal, "create_state_document", werr)
	}

	if r.bus != nil {
		if perr := r.bus.Publish(ctx, "user_registered", profile.InternalID, "users", map[string]any{
			"user_id": profile.InternalID,
		}); perr != nil {
			r.logger.Warn("user_registered_publish_failed", slog.Any("error", perr))
		}
	}

	return &View{Profile: profile, State: state}, nil
}

// Get reads both sides and merges them. A missing side is reported as
// Partial rather than NotFound when the other side exists, per the
// unified-read contract.
func (r *Registry) Get(ctx context.Context, internalID string) (*View, error) {
	profile, profErr := r.rel.GetProfile(internalID)
	doc, docErr := r.docs.GetDocument(ctx, "users", internalID)

	profileMissing := profErr != nil
	docMissing := docErr != nil

	if profileMissing && docMissing {
		return nil, corekit.New(corekit.KindNotFound, "user_not_found", "")
	}

	view := &View{Partial: profileMissing != docMissing}
	if !profileMissing {
		view.Profile = profile
	}
	if !docMissing {
		var state StateDocument
		if err := json.Unmarshal(doc.Body, &state); err != nil {
			return nil, corekit.Wrap(corekit.KindInternal, "unmarshal_state_document", err)
		}
		view.State = &state
	}
	if view.Partial {
		r.logger.Warn("user_partial_read", slog.String("user_id", internalID))
	}
	return view, nil
}

// GetByExternalID resolves a channel-side identifier (the Telegram
// user id) to the unified View, for adapters that only ever see the
// external id and need the internal one to drive every other
// component. Returns corekit.KindNotFound when no profile is on file
// yet, same as Get.
func (r *Registry) GetByExternalID(ctx context.Context, externalID int64) (*View, error) {
	profile, err := r.rel.GetProfileByExternalID(externalID)
	if err != nil {
		return nil, corekit.New(corekit.KindNotFound, "user_not_found", "")
	}
	return r.Get(ctx, profile.InternalID)
}

// Delete publishes the user_deleted tombstone first, then removes
// document state, then the relational profile — the ordering named in
// the contract so concurrent readers never observe a relational
// profile without a document state.
func (r *Registry) Delete(ctx context.Context, internalID string) error {
	if r.bus != nil {
		if err := r.bus.Publish(ctx, "user_deleted", internalID, "users", map[string]any{"user_id": internalID}); err != nil {
			r.logger.Warn("user_deleted_publish_failed", slog.Any("error", err))
		}
	}

	err := r.docs.WithTx(ctx, func(tx *sql.Tx) error {
		return docstore.DeleteDocument(ctx, tx, "users", internalID)
	})
	if err != nil && err != docstore.ErrNotFound {
		return corekit.Wrap(corekit.KindInternal, "delete_state_document", err)
	}

	if err := r.rel.DeleteProfile(internalID); err != nil {
		if kind, ok := corekit.AsKind(err); ok && kind == corekit.KindNotFound {
			return nil
		}
		return err
	}
	return nil
}

func (r *Registry) writeAdminLog(ctx context.Context, userID, event, detail string) {
	entry := map[string]any{
		"event":      event,
		"user_id":    userID,
		"detail":     detail,
		"created_at": time.Now().UTC(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		r.logger.Error("admin_log_marshal_failed", slog.Any("error", err))
		return
	}
	werr := r.docs.WithTx(ctx, func(tx *sql.Tx) error {
		_, e := docstore.AppendRecord(ctx, tx, "admin_logs", "", raw)
		return e
	})
	if werr != nil {
		r.logger.Error("admin_log_write_failed", slog.Any("error", werr))
	}
}
