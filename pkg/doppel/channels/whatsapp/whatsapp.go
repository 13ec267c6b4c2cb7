// Package whatsapp implements the Doppel gateway for WhatsApp using
// whatsmeow — a native Go WhatsApp Web API library.
//
// Features:
//   - QR code login with persistent session (SQLite)
//   - Send/receive text and photos in direct chats
//   - Message edits (for typo self-correction)
//   - Reactions (emoji acknowledgments)
//   - Typing indicators and read receipts
//   - Remote-party composing/paused presence events
//   - Automatic reconnection with backoff
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mstolyar/doppel/pkg/doppel/channels"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.
)

// Config holds WhatsApp gateway configuration.
type Config struct {
	// SessionDir is the directory for session persistence (SQLite).
	// Ignored if DatabasePath is set.
	SessionDir string `yaml:"session_dir"`

	// DatabasePath is the path to the SQLite database file for session
	// storage. If set, the whatsmeow_ tables live alongside other doppel
	// data. If empty, defaults to {SessionDir}/whatsapp.db.
	DatabasePath string `yaml:"database_path"`

	// DeviceName is shown in the WhatsApp linked-devices list.
	DeviceName string `yaml:"device_name"`

	// ReconnectBackoff is the initial backoff duration for reconnection.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectAttempts is the maximum number of reconnection attempts
	// (0 = unlimited).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionDir:           "./sessions/whatsapp",
		DeviceName:           "Doppel",
		ReconnectBackoff:     5 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// WhatsApp implements channels.Gateway on top of whatsmeow.
type WhatsApp struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger

	// messages is the channel for observed messages (incoming and own).
	messages chan *channels.IncomingMessage

	// presence is the channel for remote composing events.
	presence chan *channels.PresenceEvent

	// connected tracks connection state.
	connected atomic.Bool

	// channelsClosed guards against sending to closed channels.
	channelsClosed atomic.Bool

	// reconnectGuard prevents concurrent reconnection attempts.
	reconnectGuard atomic.Bool

	// reconnectAttempts tracks reconnection tries.
	reconnectAttempts atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new WhatsApp gateway instance.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "Doppel"
	}

	return &WhatsApp{
		cfg:      cfg,
		logger:   logger.With("component", "whatsapp"),
		messages: make(chan *channels.IncomingMessage, 256),
		presence: make(chan *channels.PresenceEvent, 256),
	}
}

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// Connect establishes the WhatsApp Web connection via whatsmeow.
// If no existing session is found, the QR login process runs in the
// background (non-blocking); the code is written to the log for scanning.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	dbPath := w.cfg.DatabasePath
	if dbPath == "" {
		dbPath = w.cfg.SessionDir + "/whatsapp.db"
	}
	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", dbPath),
		waLog.Noop)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := w.getDevice(w.ctx, container)
	if err != nil {
		return fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo(w.cfg.DeviceName, [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true
	w.client.InitialAutoReconnect = true

	if w.client.Store.ID == nil {
		w.logger.Info("whatsapp: no existing session, QR code required")
		go func() {
			if err := w.loginWithQR(w.ctx); err != nil {
				w.logger.Warn("whatsapp: QR login pending", "error", err)
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	w.connected.Store(true)
	w.logger.Info("whatsapp: connected (existing session)", "jid", w.clientJID())
	return nil
}

// Disconnect gracefully closes the WhatsApp connection.
func (w *WhatsApp) Disconnect() error {
	w.connected.Store(false)
	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	if w.channelsClosed.CompareAndSwap(false, true) {
		close(w.messages)
		close(w.presence)
	}
	w.logger.Info("whatsapp: disconnected")
	return nil
}

// Receive returns the observed-messages channel.
func (w *WhatsApp) Receive() <-chan *channels.IncomingMessage {
	return w.messages
}

// Presence returns the remote composing-events channel.
func (w *WhatsApp) Presence() <-chan *channels.PresenceEvent {
	return w.presence
}

// IsConnected returns true if WhatsApp is connected.
func (w *WhatsApp) IsConnected() bool {
	return w.connected.Load()
}

// SendText sends a text message to the party and returns the message id.
func (w *WhatsApp) SendText(ctx context.Context, party, text string) (string, error) {
	if !w.connected.Load() {
		return "", channels.ErrGatewayDisconnected
	}
	jid, err := parseJID(party)
	if err != nil {
		return "", fmt.Errorf("invalid JID %q: %w", party, err)
	}

	resp, err := w.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}
	return string(resp.ID), nil
}

// EditText replaces the text of a previously sent message.
func (w *WhatsApp) EditText(ctx context.Context, party, messageID, text string) error {
	if !w.connected.Load() {
		return channels.ErrGatewayDisconnected
	}
	jid, err := parseJID(party)
	if err != nil {
		return err
	}

	edit := w.client.BuildEdit(jid, types.MessageID(messageID), &waE2E.Message{
		Conversation: proto.String(text),
	})
	if _, err := w.client.SendMessage(ctx, jid, edit); err != nil {
		return fmt.Errorf("editing message: %w", err)
	}
	return nil
}

// SendTyping shows a composing indicator to the party.
func (w *WhatsApp) SendTyping(ctx context.Context, party string) error {
	if !w.connected.Load() {
		return nil
	}
	jid, err := parseJID(party)
	if err != nil {
		return err
	}
	return w.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// MarkRead sends read receipts for the given messages.
func (w *WhatsApp) MarkRead(ctx context.Context, party string, messageIDs []string) error {
	if !w.connected.Load() {
		return nil
	}
	jid, err := parseJID(party)
	if err != nil {
		return err
	}

	ids := make([]types.MessageID, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = types.MessageID(id)
	}
	return w.client.MarkRead(ctx, ids, time.Now(), jid, jid)
}

// SendReaction sets an emoji reaction on a message from the party.
func (w *WhatsApp) SendReaction(ctx context.Context, party, messageID, emoji string) error {
	if !w.connected.Load() {
		return channels.ErrGatewayDisconnected
	}
	jid, err := parseJID(party)
	if err != nil {
		return err
	}

	reaction := w.client.BuildReaction(jid, jid, types.MessageID(messageID), emoji)
	if _, err := w.client.SendMessage(ctx, jid, reaction); err != nil {
		return fmt.Errorf("sending reaction: %w", err)
	}
	return nil
}

// ---------- Internal ----------

// clientJID returns the current client JID if connected.
func (w *WhatsApp) clientJID() string {
	if w.client != nil && w.client.Store.ID != nil {
		return w.client.Store.ID.String()
	}
	return ""
}

// getDevice retrieves an existing device or creates a new one.
func (w *WhatsApp) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR handles the QR code login flow. The code is logged so it can
// be rendered by whatever is watching the process output.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}
			switch evt.Event {
			case "code":
				w.logger.Info("whatsapp: scan QR code to link device", "code", evt.Code)
			case "success":
				w.connected.Store(true)
				w.reconnectAttempts.Store(0)
				w.logger.Info("whatsapp: login successful")
				return nil
			case "timeout":
				return fmt.Errorf("QR code timeout")
			default:
				if evt.Error != nil {
					return fmt.Errorf("QR login error: %v", evt.Error)
				}
			}
		}
	}
}

// attemptReconnect tries to reconnect with linear backoff. Guarded so only
// one reconnection loop runs at a time.
func (w *WhatsApp) attemptReconnect() {
	if !w.reconnectGuard.CompareAndSwap(false, true) {
		return
	}
	defer w.reconnectGuard.Store(false)

	for {
		if w.ctx.Err() != nil {
			return
		}

		attempts := w.reconnectAttempts.Add(1)
		if w.cfg.MaxReconnectAttempts > 0 && attempts > int32(w.cfg.MaxReconnectAttempts) {
			w.logger.Error("whatsapp: max reconnect attempts reached", "attempts", attempts)
			return
		}

		backoff := min(w.cfg.ReconnectBackoff*time.Duration(attempts), 5*time.Minute)
		w.logger.Info("whatsapp: attempting reconnect", "attempt", attempts, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-w.ctx.Done():
			return
		}

		if w.client == nil {
			return
		}
		// Clear any stale websocket state before reconnecting.
		if w.client.IsConnected() {
			w.client.Disconnect()
			time.Sleep(100 * time.Millisecond)
		}

		if err := w.client.Connect(); err != nil {
			w.logger.Warn("whatsapp: reconnect attempt failed, will retry",
				"attempt", attempts, "error", err)
			continue
		}
		return
	}
}

// emitMessage sends a message to the observed-messages channel without
// blocking the whatsmeow event loop.
func (w *WhatsApp) emitMessage(msg *channels.IncomingMessage) {
	if w.channelsClosed.Load() {
		return
	}
	select {
	case w.messages <- msg:
	case <-w.ctx.Done():
	default:
		w.logger.Warn("whatsapp: message channel full, dropping message", "party", msg.Party)
	}
}

// emitPresence sends a presence event, dropping it if the consumer lags.
func (w *WhatsApp) emitPresence(evt *channels.PresenceEvent) {
	if w.channelsClosed.Load() {
		return
	}
	select {
	case w.presence <- evt:
	case <-w.ctx.Done():
	default:
	}
}

// parseJID converts a string JID to types.JID.
// Accepts "5511999999999" or "5511999999999@s.whatsapp.net".
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}

	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}

	return types.NewJID(digits, types.DefaultUserServer), nil
}
