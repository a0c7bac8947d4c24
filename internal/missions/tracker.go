// Package missions implements MissionTracker (C9): assignment from
// named templates, progress updates driven by the event bus dispatch
// table, and idempotent reward dispatch through the currency ledger.
package missions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kinkys/narrativecore/internal/corekit"
	"github.com/kinkys/narrativecore/internal/currency"
	"github.com/kinkys/narrativecore/internal/docstore"
	"github.com/kinkys/narrativecore/internal/envelope"
	"github.com/kinkys/narrativecore/internal/eventbus"
)

// Status is the mission lifecycle state (invariant M1: completion
// transitions status exactly once).
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Template describes a mission type: the reaction/event pattern it
// tracks and the reward it pays on completion.
type Template struct {
	TemplateID string `json:"template_id"`
	TargetType string `json:"target_type"` // e.g. "reaction_observed"
	Target     int    `json:"target"`      // progress count required to complete
	Reward     int64  `json:"reward"`
}

// Mission is a per-user assignment of a Template.
type Mission struct {
	MissionID  string    `json:"mission_id"`
	UserID     string    `json:"user_id"`
	TemplateID string    `json:"template_id"`
	Progress   int       `json:"progress"`
	Status     Status    `json:"status"`
	AssignedAt time.Time `json:"assigned_at"`
	Deadline   *time.Time `json:"deadline,omitempty"`
}

// Tracker owns mission documents and reacts to the events named in
// the mission-reward contract.
type Tracker struct {
	docs      *docstore.Store
	ledger    *currency.Ledger
	bus       *eventbus.Bus
	logger    *slog.Logger
	templates map[string]Template
}

func New(docs *docstore.Store, ledger *currency.Ledger, bus *eventbus.Bus, logger *slog.Logger, templates []Template) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	byID := make(map[string]Template, len(templates))
	for _, t := range templates {
		byID[t.TemplateID] = t
	}
	return &Tracker{docs: docs, ledger: ledger, bus: bus, logger: logger, templates: byID}
}

// RegisterHandlers wires the tracker's progress/completion dispatch
// into the bus's startup dispatch table.
func (t *Tracker) RegisterHandlers() {
	t.bus.Subscribe("reaction_observed", t.handleProgressEvent)
	t.bus.Subscribe("narrative_choice_made", t.handleProgressEvent)
}

// Assign creates a new active mission for userID from templateID.
func (t *Tracker) Assign(ctx context.Context, userID, templateID string) (*Mission, error) {
	tmpl, ok := t.templates[templateID]
	if !ok {
		return nil, corekit.New(corekit.KindNotFound, "template_not_found", "")
	}
	m := Mission{
		MissionID:  uuid.NewString(),
		UserID:     userID,
		TemplateID: templateID,
		Progress:   0,
		Status:     StatusActive,
		AssignedAt: time.Now().UTC(),
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal mission: %w", err)
	}
	err = t.docs.WithTx(ctx, func(tx *sql.Tx) error {
		return docstore.PutDocument(ctx, tx, "missions", m.MissionID, body)
	})
	if err != nil {
		return nil, fmt.Errorf("assign mission: %w", err)
	}
	if t.bus != nil {
		_ = t.bus.Publish(ctx, "mission_assigned", userID, "missions", map[string]any{
			"user_id": userID, "mission_id": m.MissionID,
		})
	}
	return &m, nil
}

func (t *Tracker) handleProgressEvent(ctx context.Context, env *envelope.Envelope) error {
	if env.UserID == "" {
		return nil
	}
	active, err := t.activeMissionsFor(ctx, env.UserID, env.EventType)
	if err != nil {
		return err
	}
	for _, m := range active {
		if err := t.advance(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) activeMissionsFor(ctx context.Context, userID, targetType string) ([]Mission, error) {
	rows, err := t.docs.DB().QueryContext(ctx, `SELECT body FROM missions`)
	if err != nil {
		return nil, fmt.Errorf("list missions: %w", err)
	}
	defer rows.Close()

	var out []Mission
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan mission: %w", err)
		}
		var m Mission
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			continue
		}
		if m.UserID != userID || m.Status != StatusActive {
			continue
		}
		if tmpl, ok := t.templates[m.TemplateID]; ok && tmpl.TargetType == targetType {
			out = append(out, m)
		}
	}
	return out, rows.Err()
}

// advance bumps a mission's progress by one and, if the template's
// target is reached, completes it and dispatches the reward.
func (t *Tracker) advance(ctx context.Context, m Mission) error {
	tmpl := t.templates[m.TemplateID]

	var completed bool
	err := t.docs.WithTx(ctx, func(tx *sql.Tx) error {
		doc, err := docstore.GetDocumentTx(ctx, tx, "missions", m.MissionID)
		if err != nil {
			return err
		}
		var cur Mission
		if err := json.Unmarshal(doc.Body, &cur); err != nil {
			return fmt.Errorf("unmarshal mission: %w", err)
		}
		if cur.Status != StatusActive {
			return nil
		}
		cur.Progress++
		if cur.Progress >= tmpl.Target {
			cur.Status = StatusCompleted
			completed = true
		}
		body, err := json.Marshal(cur)
		if err != nil {
			return fmt.Errorf("marshal mission: %w", err)
		}
		return docstore.UpdateDocument(ctx, tx, "missions", m.MissionID, doc.Version, body)
	})
	if err != nil {
		return err
	}

	if t.bus != nil {
		_ = t.bus.Publish(ctx, "mission_progress", m.UserID, "missions", map[string]any{
			"user_id": m.UserID, "mission_id": m.MissionID, "progress": m.Progress + 1,
		})
	}

	if completed {
		return t.complete(ctx, m, tmpl)
	}
	return nil
}

func (t *Tracker) complete(ctx context.Context, m Mission, tmpl Template) error {
	if t.bus != nil {
		_ = t.bus.Publish(ctx, "mission_completed", m.UserID, "missions", map[string]any{
			"user_id": m.UserID, "mission_id": m.MissionID, "reward": tmpl.Reward,
		})
	}
	key := missionRewardKey(m.MissionID)
	_, err := t.ledger.Credit(ctx, m.UserID, tmpl.Reward, "mission_reward", key, "")
	return err
}

// ExpireDue transitions every active mission past its deadline to
// expired, returning the affected user ids. Invoked by the periodic
// cron sweep alongside relstore.Store.ExpireDue for subscriptions.
func (t *Tracker) ExpireDue(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := t.docs.DB().QueryContext(ctx, `SELECT id, body, version FROM missions`)
	if err != nil {
		return nil, fmt.Errorf("list missions: %w", err)
	}
	type due struct {
		id      string
		version int64
		m       Mission
	}
	var expired []due
	for rows.Next() {
		var id, body string
		var version int64
		if err := rows.Scan(&id, &body, &version); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan mission: %w", err)
		}
		var m Mission
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			continue
		}
		if m.Status == StatusActive && m.Deadline != nil && !m.Deadline.After(now) {
			expired = append(expired, due{id: id, version: version, m: m})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var userIDs []string
	for _, d := range expired {
		d.m.Status = StatusExpired
		body, err := json.Marshal(d.m)
		if err != nil {
			return userIDs, fmt.Errorf("marshal mission: %w", err)
		}
		txErr := t.docs.WithTx(ctx, func(tx *sql.Tx) error {
			return docstore.UpdateDocument(ctx, tx, "missions", d.id, d.version, body)
		})
		if txErr != nil {
			t.logger.Warn("mission_expire_failed", slog.String("mission_id", d.id), slog.Any("error", txErr))
			continue
		}
		userIDs = append(userIDs, d.m.UserID)
		if t.bus != nil {
			_ = t.bus.Publish(ctx, "mission_expired", d.m.UserID, "missions", map[string]any{
				"user_id": d.m.UserID, "mission_id": d.m.MissionID,
			})
		}
	}
	return userIDs, nil
}

func missionRewardKey(missionID string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(missionID))
	return fmt.Sprintf("%x", h.Sum64())
}
