// Package whatsapp – events.go converts incoming whatsmeow events into the
// unified Doppel gateway types.
package whatsapp

import (
	"time"

	"github.com/mstolyar/doppel/pkg/doppel/channels"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// handleEvent is the main whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)

	case *events.ChatPresence:
		w.handleChatPresence(evt)

	case *events.Connected:
		w.connected.Store(true)
		w.reconnectAttempts.Store(0)
		w.logger.Info("whatsapp: connected", "jid", w.clientJID())

	case *events.Disconnected:
		wasConnected := w.connected.Load()
		w.connected.Store(false)
		w.logger.Warn("whatsapp: disconnected", "was_connected", wasConnected)
		if wasConnected && w.ctx.Err() == nil {
			go w.attemptReconnect()
		}

	case *events.StreamReplaced:
		w.connected.Store(false)
		w.logger.Error("whatsapp: stream replaced - another device connected")

	case *events.LoggedOut:
		w.connected.Store(false)
		w.logger.Error("whatsapp: logged out, QR scan required", "reason", evt.Reason.String())

	case *events.KeepAliveTimeout:
		w.logger.Warn("whatsapp: keep-alive timeout", "error_count", evt.ErrorCount)
		// Half-open connections look connected but are dead. Force a
		// reconnect after repeated keepalive failures.
		if evt.ErrorCount >= 3 && w.connected.Load() {
			w.connected.Store(false)
			go w.attemptReconnect()
		}

	case *events.ConnectFailure:
		w.connected.Store(false)
		w.logger.Error("whatsapp: connect failure", "reason", evt.Reason.String(), "message", evt.Message)
		if evt.PermanentDisconnectDescription() == "" && w.ctx.Err() == nil {
			go w.attemptReconnect()
		}
	}
}

// handleChatPresence translates composing/paused updates for direct chats.
func (w *WhatsApp) handleChatPresence(evt *events.ChatPresence) {
	if evt.Chat.Server == types.GroupServer {
		return
	}
	w.emitPresence(&channels.PresenceEvent{
		Party:     evt.Chat.String(),
		Composing: evt.State == types.ChatPresenceComposing,
		At:        time.Now(),
	})
}

// handleMessageEvt processes one observed WhatsApp message. Messages sent
// by the account owner (from any linked device) are emitted with
// IsOutgoing=true; the agent uses those to detect manual replies.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	// Skip status broadcasts.
	if evt.Info.Chat.Server == "broadcast" {
		return
	}

	msg := &channels.IncomingMessage{
		ID:         string(evt.Info.ID),
		Party:      evt.Info.Chat.String(),
		PartyName:  evt.Info.PushName,
		IsOutgoing: evt.Info.IsFromMe,
		IsGroup:    evt.Info.IsGroup,
		Timestamp:  evt.Info.Timestamp,
	}

	// Resolve LID chats to phone JIDs so one party maps to one identity.
	if evt.Info.Chat.Server == "lid" && w.client != nil && w.client.Store != nil {
		if altJID, err := w.client.Store.GetAltJID(w.ctx, evt.Info.Chat); err == nil && !altJID.IsEmpty() {
			msg.Party = altJID.String()
		}
	}

	w.extractContent(evt.Message, msg)
	if msg.Text == "" && msg.Image == nil {
		// Reactions, stickers, calls etc. carry nothing the agent replies to.
		return
	}

	w.emitMessage(msg)
}

// extractContent pulls text and an optional single photo out of a message.
func (w *WhatsApp) extractContent(waMsg *waE2E.Message, msg *channels.IncomingMessage) {
	if waMsg == nil {
		return
	}

	if waMsg.Conversation != nil {
		msg.Text = waMsg.GetConversation()
		return
	}
	if ext := waMsg.ExtendedTextMessage; ext != nil {
		msg.Text = ext.GetText()
		return
	}
	if img := waMsg.ImageMessage; img != nil {
		msg.Text = img.GetCaption()
		data, err := w.client.Download(w.ctx, img)
		if err != nil {
			// A photo that fails to download degrades to its caption.
			w.logger.Warn("whatsapp: photo download failed", "party", msg.Party, "error", err)
			return
		}
		msg.Image = &channels.ImageAttachment{
			Data:     data,
			MimeType: img.GetMimetype(),
		}
		return
	}
}
