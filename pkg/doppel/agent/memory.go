// Package agent – memory.go assembles conversational context and runs the
// summary compaction and long-term fact store.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mstolyar/doppel/pkg/doppel/store"
)

// Memory maintains the rolling summary and per-party fact store.
type Memory struct {
	store       *store.Store
	completions Completions
	cfg         MemoryConfig
	logger      *slog.Logger
}

// NewMemory creates a Memory manager.
func NewMemory(st *store.Store, completions Completions, cfg MemoryConfig, logger *slog.Logger) *Memory {
	if cfg.RecentTurns <= 0 {
		cfg.RecentTurns = 20
	}
	if cfg.CompactionThreshold <= 0 {
		cfg.CompactionThreshold = 60
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		store:       st,
		completions: completions,
		cfg:         cfg,
		logger:      logger.With("component", "memory"),
	}
}

// Context returns the completion context for a conversation, in
// chronological order: an optional system turn carrying the rolling
// summary and owner instructions, an optional system turn carrying the
// party's facts, then the most recent stored turns.
func (m *Memory) Context(conv *store.Conversation) ([]ContextTurn, error) {
	var turns []ContextTurn

	if preamble := buildPreamble(conv); preamble != "" {
		turns = append(turns, ContextTurn{Role: "system", Text: preamble})
	}

	facts, err := m.store.FactsForParty(conv.PartyID)
	if err != nil {
		return nil, fmt.Errorf("loading facts: %w", err)
	}
	if factsText := formatFacts(facts); factsText != "" {
		turns = append(turns, ContextTurn{Role: "system", Text: factsText})
	}

	recent, err := m.store.RecentTurns(conv.ID, m.cfg.RecentTurns)
	if err != nil {
		return nil, fmt.Errorf("loading recent turns: %w", err)
	}
	for _, t := range recent {
		turns = append(turns, ContextTurn{
			Role:      t.Role,
			Text:      t.Text,
			Image:     t.Image,
			ImageMime: t.ImageMime,
		})
	}
	return turns, nil
}

// CompactIfNeeded summarizes away older turns once the stored count
// crosses the threshold. Summary write and turn deletion commit together
// or not at all.
func (m *Memory) CompactIfNeeded(ctx context.Context, conv *store.Conversation) error {
	count, err := m.store.TurnCount(conv.ID)
	if err != nil {
		return fmt.Errorf("counting turns: %w", err)
	}
	if count <= m.cfg.CompactionThreshold {
		return nil
	}

	older, err := m.store.TurnsBefore(conv.ID, m.cfg.RecentTurns)
	if err != nil {
		return fmt.Errorf("loading compaction window: %w", err)
	}
	if len(older) == 0 {
		return nil
	}

	window := make([]ContextTurn, 0, len(older))
	for _, t := range older {
		window = append(window, ContextTurn{Role: t.Role, Text: t.Text})
	}

	summary, err := m.completions.Summarize(ctx, window, conv.Summary)
	if err != nil {
		return fmt.Errorf("summarizing: %w", err)
	}

	if err := m.store.CompactConversation(conv.ID, summary, m.cfg.RecentTurns); err != nil {
		return fmt.Errorf("compacting: %w", err)
	}

	m.logger.Info("conversation compacted",
		"conversation_id", conv.ID,
		"summarized_turns", len(older),
	)
	return nil
}

// RecordFacts extracts durable facts from the window and upserts them.
// Best-effort: failures are logged by the caller, never block a reply.
func (m *Memory) RecordFacts(ctx context.Context, partyID int64, window []ContextTurn) error {
	facts, err := m.completions.ExtractFacts(ctx, window)
	if err != nil {
		return fmt.Errorf("extracting facts: %w", err)
	}
	for _, f := range facts {
		if f.Category == "" || f.Value == "" {
			continue
		}
		if err := m.store.UpsertFact(partyID, f.Category, f.Value); err != nil {
			return fmt.Errorf("storing fact %q: %w", f.Category, err)
		}
	}
	return nil
}

// buildPreamble merges the rolling summary and owner-provided custom
// context into one system turn.
func buildPreamble(conv *store.Conversation) string {
	var parts []string
	if conv.Summary != "" {
		parts = append(parts, "Earlier in this conversation: "+conv.Summary)
	}
	if conv.CustomContext != "" {
		parts = append(parts, "Owner instructions for this chat: "+conv.CustomContext)
	}
	return strings.Join(parts, "\n")
}

// formatFacts renders the fact store as one context line per fact.
func formatFacts(facts []store.Fact) string {
	if len(facts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Known about this person:")
	for _, f := range facts {
		b.WriteString("\n- ")
		b.WriteString(f.Category)
		b.WriteString(": ")
		b.WriteString(f.Value)
	}
	return b.String()
}
