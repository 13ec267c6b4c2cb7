// Package store implements Doppel's SQLite persistence: remote parties,
// conversations, turns, pending messages, and long-term facts.
package store

import (
	"time"
)

// Party is the remote individual on the other end of a private conversation.
// Created on first observed message; handle and display name are refreshed
// on each observation.
type Party struct {
	ID          int64
	RemoteID    string
	Handle      string
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Conversation is one logical thread per party: at most one conversation is
// current per party at any time (the most recently active one).
type Conversation struct {
	ID            int64
	PartyID       int64
	Summary       string
	CustomContext string
	Ignored       bool
	LastActivity  time.Time
}

// Turn roles.
const (
	RoleHuman     = "human"
	RoleAssistant = "assistant"
	RoleOwner     = "owner"
)

// Turn is one stored utterance in a conversation's history. Append-only;
// compacted into the conversation summary once the count crosses a
// threshold.
type Turn struct {
	ID              int64
	ConversationID  int64
	Role            string
	Text            string
	Image           []byte
	ImageMime       string
	SourceMessageID string
	CreatedAt       time.Time
}

// PendingMessage is one buffered inbound unit awaiting a processing pass.
type PendingMessage struct {
	ID              int64
	PartyID         int64
	Text            string
	Image           []byte
	ImageMime       string
	SourceMessageID string
	ScheduledAt     time.Time
	ClaimedByOwner  bool
	Processed       bool
	CreatedAt       time.Time
}

// Fact is a durable (category, value) pair about a party; at most one live
// value per category.
type Fact struct {
	ID        int64
	PartyID   int64
	Category  string
	Value     string
	UpdatedAt time.Time
}

// PartyStats are the counters surfaced by the owner `stats` command.
type PartyStats struct {
	HumanTurns     int
	AssistantTurns int
	PendingOpen    int
	Facts          int
}
