package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kinkys/narrativecore/internal/access"
	"github.com/kinkys/narrativecore/internal/menu"
	"github.com/kinkys/narrativecore/internal/narrative"
	"github.com/kinkys/narrativecore/internal/reactions"
	"github.com/kinkys/narrativecore/internal/shop"
	"github.com/kinkys/narrativecore/internal/users"
)

// Services groups the domain components a Telegram update gets routed
// into. Kept as one struct rather than five constructor parameters to
// match the teacher's channel-constructor idiom once the parameter
// count grows past a handful.
type Services struct {
	Users     *users.Registry
	Narrative *narrative.Engine
	Shop      *shop.Shop
	Reactions *reactions.Gate
	Policy    *access.Policy
}

// TelegramChannel implements both menu.Transport (so MenuSurfaceManager
// can host its chat-cleanliness state machine over this bot) and
// Channel (so the daemon can Start it like any other transport). The
// reconnect-with-backoff long-poll loop is carried over from the
// teacher's own TelegramChannel almost unchanged; everything the loop
// dispatches into is new.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	svc        Services
	menu       *menu.Manager
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
}

// NewTelegramChannel builds a channel over token. allowedChatIDs is the
// CHANNEL_IDS_ALLOWED configuration surface (decimal chat/channel ids);
// an empty list means every chat is accepted, matching ReactionGate's
// own "empty allow-list admits everything" convention.
func NewTelegramChannel(token string, allowedChatIDs []string, svc Services, mgr *menu.Manager, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]struct{}, len(allowedChatIDs))
	for _, raw := range allowedChatIDs {
		if id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil {
			allowed[id] = struct{}{}
		}
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		svc:        svc,
		menu:       mgr,
		logger:     logger,
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

// SetMenu attaches the menu surface manager after construction, which
// breaks the constructor cycle between TelegramChannel (a menu.Transport)
// and *menu.Manager (which needs a Transport to be built): build the
// channel first with a nil manager, build the manager around the
// channel, then wire it back in before Start is called.
func (t *TelegramChannel) SetMenu(mgr *menu.Manager) {
	t.menu = mgr
}

// Send, Edit and Delete implement menu.Transport directly against the
// bot API, so MenuSurfaceManager never has to know it is talking to
// Telegram.
func (t *TelegramChannel) Send(ctx context.Context, chatID int64, text string) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	sent, err := t.bot.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("telegram send: %w", err)
	}
	return sent.MessageID, nil
}

func (t *TelegramChannel) Edit(ctx context.Context, chatID int64, messageID int, text string) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := t.bot.Send(edit); err != nil {
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}

func (t *TelegramChannel) Delete(ctx context.Context, chatID int64, messageID int) error {
	del := tgbotapi.NewDeleteMessage(chatID, messageID)
	if _, err := t.bot.Request(del); err != nil {
		return fmt.Errorf("telegram delete: %w", err)
	}
	return nil
}

// Start connects to Telegram and polls updates until ctx is cancelled,
// reconnecting with exponential backoff on transport failure -- the
// same stall-detection long-poll loop the teacher's channel uses,
// generalized from task replies to narrative/shop/reaction dispatch.
func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram bot started", slog.String("user", t.bot.Self.UserName))

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		u.AllowedUpdates = []string{"message", "callback_query", "message_reaction"}
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting",
				slog.Any("error", pollErr), slog.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates drains updates until ctx is done, the channel closes, or
// no update has arrived within 2.5x the long-poll timeout (stall
// detection, since the library blocks on a dead socket rather than
// closing the channel).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)
			t.dispatch(ctx, update)
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) dispatch(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		if !t.chatAllowed(update.Message.Chat.ID) {
			return
		}
		t.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		if !t.chatAllowed(update.CallbackQuery.Message.Chat.ID) {
			return
		}
		t.handleCallbackQuery(ctx, update.CallbackQuery)
	case update.MessageReaction != nil:
		t.handleReaction(ctx, update.MessageReaction)
	}
}

func (t *TelegramChannel) chatAllowed(chatID int64) bool {
	if len(t.allowedIDs) == 0 {
		return true
	}
	_, ok := t.allowedIDs[chatID]
	return ok
}

// handleMessage handles inbound text messages: "/start" resolves or
// creates the user and renders the main menu; anything else re-renders
// the menu so OnUserCommand's TTL eviction keeps firing even on chat
// noise.
func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	t.menu.OnUserCommand(ctx, chatID)

	view, err := t.svc.Users.GetByExternalID(ctx, msg.From.ID)
	if err != nil {
		name := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if name == "" {
			name = msg.From.UserName
		}
		view, err = t.svc.Users.Create(ctx, msg.From.ID, name, msg.From.LanguageCode)
		if err != nil {
			t.logger.Error("telegram_user_create_failed", slog.Any("error", err))
			_ = t.menu.SendEphemeral(ctx, chatID, menu.KindError, "something went wrong, please try again")
			return
		}
	}

	text := strings.TrimSpace(msg.Text)
	switch {
	case text == "/shop":
		_ = t.menu.RenderMenu(ctx, chatID, "Shop: tap a hint below, or reply /buy <hint_id>.")
	default:
		_ = t.menu.RenderMenu(ctx, chatID, mainMenuText(view))
	}
}

func mainMenuText(view *users.View) string {
	if view == nil || view.State == nil {
		return "Welcome. Your story is about to begin."
	}
	return fmt.Sprintf("Level %d · Balance %d\nFragment: %s",
		view.State.NarrativeLevel, view.State.Balance, view.State.CurrentFragmentID)
}

// handleCallbackQuery parses inline-button presses. The callback data
// format is "<verb>:<arg1>:<arg2>", mirroring the teacher's own
// colon-delimited callback encoding (there, "hitl:requestID:action").
func (t *TelegramChannel) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery) {
	ack := tgbotapi.NewCallback(query.ID, "")
	defer func() { _, _ = t.bot.Request(ack) }()

	parts := strings.SplitN(query.Data, ":", 3)
	if len(parts) == 0 {
		return
	}
	chatID := query.Message.Chat.ID

	view, err := t.svc.Users.GetByExternalID(ctx, query.From.ID)
	if err != nil {
		_ = t.menu.SendEphemeral(ctx, chatID, menu.KindError, "please send /start first")
		return
	}
	userID := view.Profile.InternalID
	subject := access.Subject{
		Role:           string(view.Profile.Role),
		VIPActive:      view.Profile.Role == "vip",
		NarrativeLevel: view.State.NarrativeLevel,
		Balance:        view.State.Balance,
	}

	switch parts[0] {
	case "choice":
		if len(parts) != 3 {
			return
		}
		if err := t.svc.Narrative.ProcessChoice(ctx, userID, parts[1], parts[2], subject); err != nil {
			_ = t.menu.SendEphemeral(ctx, chatID, menu.KindError, "that choice couldn't be applied: "+err.Error())
			return
		}
		_ = t.menu.SendEphemeral(ctx, chatID, menu.KindSuccess, "choice recorded")
	case "buy":
		if len(parts) != 2 {
			return
		}
		if err := t.svc.Shop.Purchase(ctx, userID, parts[1]); err != nil {
			_ = t.menu.SendEphemeral(ctx, chatID, menu.KindError, "purchase failed: "+err.Error())
			return
		}
		_ = t.menu.SendEphemeral(ctx, chatID, menu.KindSuccess, "hint unlocked")
	}
}

// handleReaction normalizes a Telegram message-reaction update into
// reactions.RawReaction and forwards it to the gate. Only the first
// newly-added reaction is observed per update; Telegram can report
// several simultaneous reaction changes, but the narrative economy
// only credits one reaction event per user action.
func (t *TelegramChannel) handleReaction(ctx context.Context, r *tgbotapi.MessageReactionUpdated) {
	if len(r.NewReaction) == 0 {
		return
	}
	emoji := r.NewReaction[0].Emoji
	if emoji == "" {
		return
	}
	var externalID int64
	if r.User != nil {
		externalID = r.User.ID
	}
	view, err := t.svc.Users.GetByExternalID(ctx, externalID)
	if err != nil {
		return
	}
	raw := reactions.RawReaction{
		UserID:          view.Profile.InternalID,
		ChannelID:       strconv.FormatInt(r.Chat.ID, 10),
		Emoji:           emoji,
		SourceMessageID: strconv.Itoa(r.MessageID),
	}
	if err := t.svc.Reactions.Observe(ctx, raw); err != nil {
		t.logger.Warn("reaction_observe_failed", slog.Any("error", err))
	}
}
