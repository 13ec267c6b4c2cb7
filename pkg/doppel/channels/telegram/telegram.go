// Package telegram implements the Doppel gateway on the Telegram Bot API.
//
// The Bot API exposes a narrower surface than a real user session: it never
// reports remote typing state, cannot send read receipts, and this client
// library predates message reactions. Those calls degrade gracefully —
// presence stays silent (the agent proceeds without waiting), MarkRead is a
// no-op, and SendReaction reports ErrReactionsUnsupported so the engine
// falls back to a short text acknowledgment.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/mstolyar/doppel/pkg/doppel/channels"
)

// Config holds Telegram gateway configuration.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string `yaml:"token"`

	// OwnerID is the Telegram user id of the account owner. Messages from
	// this user are treated as owner speech (commands / manual replies).
	OwnerID int64 `yaml:"owner_id"`

	// PollTimeout is the long-poll timeout in seconds.
	PollTimeout int `yaml:"poll_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{PollTimeout: 30}
}

// Telegram implements channels.Gateway using long polling.
type Telegram struct {
	cfg    Config
	bot    *tgbotapi.BotAPI
	logger *slog.Logger

	messages chan *channels.IncomingMessage
	presence chan *channels.PresenceEvent

	connected atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Telegram gateway instance.
func New(cfg Config, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30
	}
	return &Telegram{
		cfg:      cfg,
		logger:   logger.With("component", "telegram"),
		messages: make(chan *channels.IncomingMessage, 256),
		presence: make(chan *channels.PresenceEvent, 8),
	}
}

// Name returns "telegram".
func (t *Telegram) Name() string { return "telegram" }

// Connect authenticates the bot and starts the update polling loop.
func (t *Telegram) Connect(ctx context.Context) error {
	t.ctx, t.cancel = context.WithCancel(ctx)

	bot, err := tgbotapi.NewBotAPI(t.cfg.Token)
	if err != nil {
		return fmt.Errorf("creating bot: %w", err)
	}
	t.bot = bot
	t.connected.Store(true)
	t.logger.Info("telegram: connected", "username", bot.Self.UserName)

	go t.pollUpdates()
	return nil
}

// Disconnect stops polling and closes the gateway channels.
func (t *Telegram) Disconnect() error {
	if !t.connected.CompareAndSwap(true, false) {
		return nil
	}
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	close(t.messages)
	close(t.presence)
	t.logger.Info("telegram: disconnected")
	return nil
}

// Receive returns the observed-messages channel.
func (t *Telegram) Receive() <-chan *channels.IncomingMessage {
	return t.messages
}

// Presence returns the (always silent) presence channel.
func (t *Telegram) Presence() <-chan *channels.PresenceEvent {
	return t.presence
}

// IsConnected returns true if the bot is polling.
func (t *Telegram) IsConnected() bool {
	return t.connected.Load()
}

// SendText sends a text message and returns the message id.
func (t *Telegram) SendText(ctx context.Context, party, text string) (string, error) {
	if !t.connected.Load() {
		return "", channels.ErrGatewayDisconnected
	}
	chatID, err := parseChatID(party)
	if err != nil {
		return "", err
	}

	sent, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// EditText replaces the text of a previously sent message.
func (t *Telegram) EditText(ctx context.Context, party, messageID, text string) error {
	if !t.connected.Load() {
		return channels.ErrGatewayDisconnected
	}
	chatID, err := parseChatID(party)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid message id %q: %w", messageID, err)
	}

	if _, err := t.bot.Send(tgbotapi.NewEditMessageText(chatID, msgID, text)); err != nil {
		return fmt.Errorf("editing message: %w", err)
	}
	return nil
}

// SendTyping shows a typing chat action.
func (t *Telegram) SendTyping(ctx context.Context, party string) error {
	if !t.connected.Load() {
		return nil
	}
	chatID, err := parseChatID(party)
	if err != nil {
		return err
	}
	_, err = t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	return err
}

// MarkRead is not supported by the Bot API.
func (t *Telegram) MarkRead(ctx context.Context, party string, messageIDs []string) error {
	return nil
}

// SendReaction is not supported by this client library.
func (t *Telegram) SendReaction(ctx context.Context, party, messageID, emoji string) error {
	return channels.ErrReactionsUnsupported
}

// ---------- Internal ----------

// pollUpdates consumes the long-poll update stream until the context ends.
func (t *Telegram) pollUpdates() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.cfg.PollTimeout

	updates := t.bot.GetUpdatesChan(u)
	for {
		select {
		case <-t.ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil {
				continue
			}
			t.handleMessage(update.Message)
		}
	}
}

// handleMessage converts one Telegram message to the unified type.
func (t *Telegram) handleMessage(m *tgbotapi.Message) {
	if m.Chat == nil || !m.Chat.IsPrivate() {
		return
	}

	msg := &channels.IncomingMessage{
		ID:        strconv.Itoa(m.MessageID),
		Party:     strconv.FormatInt(m.Chat.ID, 10),
		Text:      m.Text,
		Timestamp: time.Unix(int64(m.Date), 0),
	}
	if m.From != nil {
		msg.Handle = m.From.UserName
		msg.PartyName = m.From.FirstName
		msg.IsOutgoing = m.From.ID == t.cfg.OwnerID
	}
	if m.Caption != "" {
		msg.Text = m.Caption
	}
	if len(m.Photo) > 0 {
		// Telegram sends several resolutions; the last one is the largest.
		if img := t.downloadPhoto(m.Photo[len(m.Photo)-1]); img != nil {
			msg.Image = img
		}
	}
	if msg.Text == "" && msg.Image == nil {
		return
	}

	select {
	case t.messages <- msg:
	case <-t.ctx.Done():
	default:
		t.logger.Warn("telegram: message channel full, dropping message", "party", msg.Party)
	}
}

// downloadPhoto fetches one photo size; failures degrade to caption-only.
func (t *Telegram) downloadPhoto(p tgbotapi.PhotoSize) *channels.ImageAttachment {
	url, err := t.bot.GetFileDirectURL(p.FileID)
	if err != nil {
		t.logger.Warn("telegram: photo URL lookup failed", "error", err)
		return nil
	}
	resp, err := http.Get(url)
	if err != nil {
		t.logger.Warn("telegram: photo download failed", "error", err)
		return nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.logger.Warn("telegram: photo read failed", "status", resp.StatusCode, "error", err)
		return nil
	}
	return &channels.ImageAttachment{Data: data, MimeType: "image/jpeg"}
}

// parseChatID converts the party id back to a Telegram chat id.
func parseChatID(party string) (int64, error) {
	id, err := strconv.ParseInt(party, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q: %w", party, err)
	}
	return id, nil
}
