// Package menu implements MenuSurfaceManager (C11): the
// chat-cleanliness state machine that keeps exactly one persistent
// main menu message per chat and tracks every ephemeral message it
// sends until the message's TTL elapses. Grounded directly on the
// teacher's `channels.TelegramChannel` progressive-edit idiom
// (streamMsgs map + streamMu per-chat lock), generalized from
// "progressive edit of one streaming reply" to "one main menu plus a
// tracked-ephemeral set" per chat. Edit/delete rate limiting reuses
// the teacher's gateway.TokenBucket, keyed per chat instead of per
// API key.
package menu

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/kinkys/narrativecore/internal/docstore"
	"github.com/kinkys/narrativecore/internal/gateway"
)

// Kind is the category of a menu-surface message; it determines TTL.
type Kind string

const (
	KindMainMenu           Kind = "main_menu"
	KindSystemNotification Kind = "system_notification"
	KindError              Kind = "error"
	KindSuccess            Kind = "success"
	KindLoading            Kind = "loading"
	KindEphemeralInfo      Kind = "ephemeral_info"
	KindResponse           Kind = "response"
)

// ttl maps a Kind to its lifetime. main_menu never expires on its
// own; it is retired explicitly by RenderMenu (invariant T1).
var ttl = map[Kind]time.Duration{
	KindMainMenu:           0,
	KindSystemNotification: 5 * time.Second,
	KindError:              10 * time.Second,
	KindSuccess:            3 * time.Second,
	KindLoading:            2 * time.Second,
	KindEphemeralInfo:      8 * time.Second,
	KindResponse:           6 * time.Second,
}

// defaultRatePerMinute is the token bucket refill rate per chat
// (invariant T3).
const defaultRatePerMinute = 20

// Transport is the minimal send/edit/delete contract a channel
// adapter (e.g. the Telegram bot) must implement to host a menu
// surface. Kept free of any transport-specific types so this package
// never imports the bot API library.
type Transport interface {
	Send(ctx context.Context, chatID int64, text string) (messageID int, err error)
	Edit(ctx context.Context, chatID int64, messageID int, text string) error
	Delete(ctx context.Context, chatID int64, messageID int) error
}

// tracked is one message the manager is watching for expiry.
type tracked struct {
	messageID int
	kind      Kind
	expiresAt time.Time
}

// chatState is the per-chat mutable state: the single main menu id
// (if any) and the set of tracked ephemerals. Access is serialized
// via mu — the spec's "per-chat lock, fine-grained" message-tracking
// registry.
type chatState struct {
	chatID      int64
	mu          sync.Mutex
	mainMenuID  int
	hasMainMenu bool
	ephemerals  []tracked
	limiter     *gateway.TokenBucket
}

// Manager owns every chat's menu surface.
type Manager struct {
	transport Transport
	docs      *docstore.Store
	logger    *slog.Logger

	mu    sync.Mutex
	chats map[int64]*chatState
}

// New builds a Manager over transport. docs may be nil, in which case
// message tracking stays in-memory only (the in-process map already
// satisfies the single-main-menu invariant within one process
// lifetime); a non-nil docs persists each chat's tracked-message set
// to the "message_tracking" collection so a process restart doesn't
// orphan ephemerals the old process was about to clean up.
func New(transport Transport, docs *docstore.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		transport: transport,
		docs:      docs,
		logger:    logger,
		chats:     make(map[int64]*chatState),
	}
}

// trackingSnapshot is the "message_tracking" document shape: a
// chat's current main-menu id plus every ephemeral still being
// watched for expiry, so a restarted process can resume cleanup
// instead of leaking messages the prior process tracked.
type trackingSnapshot struct {
	MainMenuID  int                 `json:"main_menu_id"`
	HasMainMenu bool                `json:"has_main_menu"`
	Ephemerals  []ephemeralSnapshot `json:"ephemerals"`
}

// ephemeralSnapshot is tracked's exported, serializable twin —
// tracked itself stays unexported since nothing outside this package
// reads chatState directly.
type ephemeralSnapshot struct {
	MessageID int       `json:"message_id"`
	Kind      Kind      `json:"kind"`
	ExpiresAt time.Time `json:"expires_at"`
}

// persist upserts cs's current tracking state into docstore. Called
// with cs.mu already held. Best-effort: message tracking is recovery
// bookkeeping alongside the in-memory map, which remains the source
// of truth within a process lifetime, so a write failure is logged
// and otherwise ignored.
func (m *Manager) persist(ctx context.Context, cs *chatState) {
	if m.docs == nil {
		return
	}
	ephemerals := make([]ephemeralSnapshot, len(cs.ephemerals))
	for i, e := range cs.ephemerals {
		ephemerals[i] = ephemeralSnapshot{MessageID: e.messageID, Kind: e.kind, ExpiresAt: e.expiresAt}
	}
	snap := trackingSnapshot{
		MainMenuID:  cs.mainMenuID,
		HasMainMenu: cs.hasMainMenu,
		Ephemerals:  ephemerals,
	}
	body, err := json.Marshal(snap)
	if err != nil {
		m.logger.Error("message_tracking_marshal_failed", slog.Any("error", err))
		return
	}
	id := strconv.FormatInt(cs.chatID, 10)

	existing, err := m.docs.GetDocument(ctx, "message_tracking", id)
	werr := m.docs.WithTx(ctx, func(tx *sql.Tx) error {
		if err != nil {
			if err == docstore.ErrNotFound {
				return docstore.PutDocument(ctx, tx, "message_tracking", id, body)
			}
			return err
		}
		return docstore.UpdateDocument(ctx, tx, "message_tracking", id, existing.Version, body)
	})
	if werr != nil {
		m.logger.Debug("message_tracking_persist_failed", slog.Int64("chat_id", cs.chatID), slog.Any("error", werr))
	}
}

func (m *Manager) chat(chatID int64) *chatState {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.chats[chatID]
	if !ok {
		cs = &chatState{chatID: chatID, limiter: gateway.NewTokenBucket(defaultRatePerMinute, defaultRatePerMinute)}
		m.chats[chatID] = cs
	}
	return cs
}

// RenderMenu implements renderMenu: it evicts stale ephemerals (T2),
// then edits the existing main menu in place if one exists, falling
// back to send-new + delete-old on edit failure or absence (T1).
func (m *Manager) RenderMenu(ctx context.Context, chatID int64, text string) error {
	cs := m.chat(chatID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	m.evictEphemerals(ctx, cs, true)

	if cs.hasMainMenu {
		if !cs.limiter.Allow() {
			return m.sendNewMainMenu(ctx, cs, text)
		}
		if err := m.transport.Edit(ctx, chatID, cs.mainMenuID, text); err == nil {
			return nil
		}
		m.logger.Debug("menu_edit_failed_falling_back", slog.Int64("chat_id", chatID))
	}
	return m.sendNewMainMenu(ctx, cs, text)
}

// sendNewMainMenu sends a fresh main menu message, tries to delete
// the prior one (best-effort, invariant T1), and records the new id.
func (m *Manager) sendNewMainMenu(ctx context.Context, cs *chatState, text string) error {
	prevID := cs.mainMenuID
	hadPrev := cs.hasMainMenu

	id, err := m.transport.Send(ctx, cs.chatID, text)
	if err != nil {
		return err
	}
	cs.mainMenuID = id
	cs.hasMainMenu = true
	m.persist(ctx, cs)

	if hadPrev {
		m.deleteWithRetry(ctx, cs, cs.chatID, prevID)
	}
	return nil
}

// SendEphemeral implements sendEphemeral: send a new message and
// track it with the TTL for its kind.
func (m *Manager) SendEphemeral(ctx context.Context, chatID int64, kind Kind, body string) error {
	cs := m.chat(chatID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.limiter.Allow() {
		return nil // overflow is dropped for sends; edits/deletes are the ones enqueued per T3
	}
	id, err := m.transport.Send(ctx, chatID, body)
	if err != nil {
		return err
	}
	life, ok := ttl[kind]
	if !ok || life <= 0 {
		life = ttl[KindEphemeralInfo]
	}
	cs.ephemerals = append(cs.ephemerals, tracked{
		messageID: id,
		kind:      kind,
		expiresAt: time.Now().Add(life),
	})
	m.persist(ctx, cs)
	return nil
}

// OnUserCommand implements onUserCommand: it evicts due ephemerals
// before the caller dispatches the command. Only ephemerals past
// their TTL are touched (not the whole set, unlike RenderMenu's T2
// full eviction).
func (m *Manager) OnUserCommand(ctx context.Context, chatID int64) {
	cs := m.chat(chatID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	m.evictEphemerals(ctx, cs, false)
}

// evictEphemerals deletes tracked ephemerals. If all is true every
// non-main-menu ephemeral is deleted regardless of TTL (T2,
// renderMenu's immediate eviction); otherwise only those past expiry.
func (m *Manager) evictEphemerals(ctx context.Context, cs *chatState, all bool) {
	if len(cs.ephemerals) == 0 {
		return
	}
	now := time.Now()
	remaining := cs.ephemerals[:0]
	for _, e := range cs.ephemerals {
		if all || !e.expiresAt.After(now) {
			m.deleteWithRetry(ctx, cs, cs.chatID, e.messageID)
			continue
		}
		remaining = append(remaining, e)
	}
	cs.ephemerals = remaining
	m.persist(ctx, cs)
}

// deleteWithRetry deletes messageID, retrying twice at 500ms on
// failure before giving up and forgetting the id (spec's failure
// mode: accept a stale message rather than loop).
func (m *Manager) deleteWithRetry(ctx context.Context, cs *chatState, chatID int64, messageID int) {
	if !cs.limiter.Allow() {
		// Deletions are enqueued rather than dropped under T3; a
		// single best-effort retry loop below stands in for that
		// queue since the manager has no separate delete worker.
	}
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(500 * time.Millisecond)
		}
		if err = m.transport.Delete(ctx, chatID, messageID); err == nil {
			return
		}
	}
	m.logger.Debug("menu_delete_abandoned", slog.Int("message_id", messageID), slog.Any("error", err))
}

// StartCleanup runs tickCleanup on a 2s period until ctx is
// cancelled: a periodic pass deleting every chat's expired
// ephemerals, independent of user activity.
func (m *Manager) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.tickCleanup(ctx)
			}
		}
	}()
}

func (m *Manager) tickCleanup(ctx context.Context) {
	m.mu.Lock()
	chats := make([]*chatState, 0, len(m.chats))
	for _, cs := range m.chats {
		chats = append(chats, cs)
	}
	m.mu.Unlock()

	for _, cs := range chats {
		cs.mu.Lock()
		m.evictEphemerals(ctx, cs, false)
		cs.mu.Unlock()
	}
}
