// Package channels defines the interfaces and types for Doppel messaging
// gateways. Each gateway (WhatsApp, Telegram) implements the Gateway
// interface so the core agent never touches transport-specific types.
package channels

import (
	"context"
	"fmt"
	"time"
)

// Gateway is the private-messaging transport the agent sits on.
// Implementations own one long-lived connection to a single account.
type Gateway interface {
	// Name returns the gateway identifier (e.g. "whatsapp", "telegram").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Receive returns a Go channel that emits incoming and own-outgoing
	// messages observed on the account.
	Receive() <-chan *IncomingMessage

	// Presence returns a Go channel that emits remote-party composing events.
	Presence() <-chan *PresenceEvent

	// SendText sends a text message and returns the platform message id.
	SendText(ctx context.Context, party, text string) (string, error)

	// EditText replaces the text of a previously sent message.
	EditText(ctx context.Context, party, messageID, text string) error

	// SendTyping shows a "typing..." indicator to the party.
	SendTyping(ctx context.Context, party string) error

	// MarkRead sends read receipts for the given messages.
	MarkRead(ctx context.Context, party string, messageIDs []string) error

	// SendReaction sets an emoji reaction on a specific message.
	SendReaction(ctx context.Context, party, messageID, emoji string) error

	// IsConnected returns true if the gateway is connected.
	IsConnected() bool
}

// IncomingMessage is one message observed on the account, unified across
// gateways. Own outgoing messages (sent by the account owner from any
// device) are emitted with IsOutgoing=true so the agent can detect manual
// replies and owner commands.
type IncomingMessage struct {
	// ID is the unique message identifier on the platform.
	ID string

	// Party is the remote-party identifier of the conversation.
	Party string

	// PartyName is the party display name, if the platform exposes one.
	PartyName string

	// Handle is the party username/handle, if any.
	Handle string

	// Text is the message text (may be empty for a bare photo).
	Text string

	// Image is the single inline photo attached to the message, if any.
	Image *ImageAttachment

	// IsOutgoing marks messages written by the account owner.
	IsOutgoing bool

	// IsGroup marks group-chat messages (ignored by the agent).
	IsGroup bool

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// ImageAttachment holds a downloaded inline photo.
type ImageAttachment struct {
	Data     []byte
	MimeType string
}

// PresenceEvent signals that a remote party started or stopped composing.
type PresenceEvent struct {
	Party     string
	Composing bool
	At        time.Time
}

// Errors shared by gateway implementations.
var (
	ErrGatewayDisconnected  = fmt.Errorf("gateway is not connected")
	ErrReactionsUnsupported = fmt.Errorf("reactions not supported by this gateway")
)
