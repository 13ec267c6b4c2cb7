// Package agent – pipeline.go runs one processing pass for one party:
// gather the pending buffer, wait for the party to stop typing, reconcile
// against owner interventions, generate, and deliver.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mstolyar/doppel/pkg/doppel/presence"
	"github.com/mstolyar/doppel/pkg/doppel/store"
)

// Pipeline executes the response-generation state machine. Every run
// re-reads the pending buffer rather than trusting captured state, so
// coalesced duplicate tasks collapse into no-op drains and owner
// interventions are always observed.
type Pipeline struct {
	store       *store.Store
	presence    *presence.Tracker
	completions Completions
	deliverer   *Deliverer
	memory      *Memory
	cfg         DebounceConfig
	logger      *slog.Logger
}

// NewPipeline wires the pipeline's collaborators.
func NewPipeline(st *store.Store, tracker *presence.Tracker, completions Completions,
	deliverer *Deliverer, memory *Memory, cfg DebounceConfig, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:       st,
		presence:    tracker,
		completions: completions,
		deliverer:   deliverer,
		memory:      memory,
		cfg:         cfg,
		logger:      logger.With("component", "pipeline"),
	}
}

// Run processes one party's backlog. A returned error leaves the backlog
// unprocessed so the queue's retry (or the next inbound message) picks it
// up again.
func (p *Pipeline) Run(ctx context.Context, party *store.Party) error {
	logger := p.logger.With("party", party.RemoteID)

	conv, err := p.store.CurrentConversation(party.ID)
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}

	// Gathering.
	batch, err := p.store.ListUnprocessedPending(party.ID)
	if err != nil {
		return fmt.Errorf("reading pending buffer: %w", err)
	}
	if len(batch) == 0 {
		// A coalesced duplicate ran after the first pass drained the buffer.
		logger.Debug("empty buffer, nothing to do")
		return nil
	}

	if conv.Ignored {
		// Drain without reply.
		if err := p.store.MarkPendingProcessed(pendingIDs(batch)); err != nil {
			return fmt.Errorf("draining ignored conversation: %w", err)
		}
		logger.Info("conversation ignored, drained", "messages", len(batch))
		return nil
	}

	// AwaitingQuiet. A timeout is non-fatal; proceed regardless.
	if !p.presence.AwaitQuiet(ctx, party.RemoteID, p.cfg.QuietPeriod, p.cfg.MaxQuietWait) {
		logger.Debug("quiet wait timed out, proceeding")
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Reconciling: only ids still unprocessed after the wait are ours.
	survivors, err := p.reconcile(party.ID, batch)
	if err != nil {
		return err
	}
	if len(survivors) == 0 {
		logger.Info("batch claimed during wait, no reply")
		return nil
	}

	// Generating.
	contextTurns, err := p.memory.Context(conv)
	if err != nil {
		return fmt.Errorf("assembling context: %w", err)
	}
	reply, err := p.completions.GenerateReply(ctx, contextTurns, party.DisplayName)
	if err != nil {
		return fmt.Errorf("generating reply: %w", err)
	}
	if reply == nil || (reply.Kind == ReplyText && strings.TrimSpace(reply.Text) == "") {
		return fmt.Errorf("empty reply from completion service")
	}

	// Generation is slow; check survivors once more immediately before
	// sending anything.
	survivors, err = p.reconcile(party.ID, survivors)
	if err != nil {
		return err
	}
	if len(survivors) == 0 {
		logger.Info("batch claimed during generation, discarding reply")
		return nil
	}

	// Delivering.
	turnText, deliverErr := p.deliver(ctx, party, survivors, reply)
	if turnText != "" {
		if _, err := p.store.AppendTurn(conv.ID, store.RoleAssistant, turnText, nil, "", ""); err != nil {
			logger.Error("persisting assistant turn failed", "error", err)
		}
		if err := p.store.TouchConversation(conv.ID); err != nil {
			logger.Warn("touching conversation failed", "error", err)
		}
	}
	if deliverErr != nil {
		if turnText == "" {
			// Nothing reached the party; leave the batch for a retry.
			return fmt.Errorf("delivering reply: %w", deliverErr)
		}
		// Partial replies are an accepted degraded outcome; the sent prefix
		// above is what history keeps. The batch still counts as processed.
		logger.Error("delivery incomplete", "error", deliverErr)
	}

	// Finalizing.
	if err := p.store.MarkPendingProcessed(pendingIDs(survivors)); err != nil {
		return fmt.Errorf("marking batch processed: %w", err)
	}
	if err := p.memory.CompactIfNeeded(ctx, conv); err != nil {
		logger.Warn("compaction failed", "error", err)
	}
	go p.extractFacts(party, batch, turnText)

	logger.Info("reply delivered",
		"messages", len(survivors),
		"kind", reply.Kind,
	)
	return nil
}

// reconcile re-reads the unprocessed buffer and intersects it with the
// prior batch. Ids that disappeared were claimed externally (the owner
// answered manually) and must not be answered again.
func (p *Pipeline) reconcile(partyID int64, prior []store.PendingMessage) ([]store.PendingMessage, error) {
	current, err := p.store.ListUnprocessedPending(partyID)
	if err != nil {
		return nil, fmt.Errorf("re-reading pending buffer: %w", err)
	}
	open := make(map[int64]bool, len(current))
	for _, m := range current {
		open[m.ID] = true
	}
	var survivors []store.PendingMessage
	for _, m := range prior {
		if open[m.ID] {
			survivors = append(survivors, m)
		}
	}
	return survivors, nil
}

// deliver hands the reply to the delivery engine and returns the text to
// persist as the assistant turn ("" when nothing was sent).
func (p *Pipeline) deliver(ctx context.Context, party *store.Party, survivors []store.PendingMessage, reply *Reply) (string, error) {
	if reply.Kind == ReplyAck {
		// React to the newest surviving message.
		target := survivors[len(survivors)-1].SourceMessageID
		if err := p.deliverer.DeliverAck(ctx, party.RemoteID, target, reply.Symbol); err != nil {
			return "", err
		}
		return reply.Symbol, nil
	}

	sent, err := p.deliverer.Deliver(ctx, party.RemoteID, reply.Text)
	return strings.Join(sent, "\n"), err
}

// extractFacts runs fact extraction in the background after a reply.
// Fire-and-forget: failures are logged only.
func (p *Pipeline) extractFacts(party *store.Party, batch []store.PendingMessage, replyText string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	window := make([]ContextTurn, 0, len(batch)+1)
	for _, m := range batch {
		window = append(window, ContextTurn{
			Role:      store.RoleHuman,
			Text:      m.Text,
			Image:     m.Image,
			ImageMime: m.ImageMime,
		})
	}
	if replyText != "" {
		window = append(window, ContextTurn{Role: store.RoleAssistant, Text: replyText})
	}

	if err := p.memory.RecordFacts(ctx, party.ID, window); err != nil {
		p.logger.Warn("fact extraction failed", "party", party.RemoteID, "error", err)
	}
}

// pendingIDs projects a batch onto its ids.
func pendingIDs(batch []store.PendingMessage) []int64 {
	ids := make([]int64, len(batch))
	for i, m := range batch {
		ids[i] = m.ID
	}
	return ids
}
