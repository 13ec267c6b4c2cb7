// Package agent implements the Doppel orchestrator: it sits on one
// private messaging account, batches incoming messages per party, and
// answers them in the owner's voice with human timing.
// Message flow: receive → group filter → owner detection → rate gate →
// persist turn + pending → delayed read receipt → debounce schedule →
// pipeline.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mstolyar/doppel/pkg/doppel/channels"
	"github.com/mstolyar/doppel/pkg/doppel/presence"
	"github.com/mstolyar/doppel/pkg/doppel/ratelimit"
	"github.com/mstolyar/doppel/pkg/doppel/store"
)

// rateWarningText is the one intentional canned message: sent once per
// breached rate window, never on subsequent suppressed messages.
const rateWarningText = "ты мне слишком много пишешь, отвечу позже 🙃"

// Assistant is the top-level orchestrator.
type Assistant struct {
	config *Config

	gateway     channels.Gateway
	store       *store.Store
	tracker     *presence.Tracker
	governor    *ratelimit.Governor
	completions Completions
	deliverer   *Deliverer
	memory      *Memory
	pipeline    *Pipeline
	queue       *TaskQueue
	maintenance *Maintenance

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	loops  *errgroup.Group
}

// New creates an Assistant with all dependencies wired.
func New(cfg *Config, gateway channels.Gateway, logger *slog.Logger) (*Assistant, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	tracker := presence.New(cfg.Debounce.ComposingTTL, logger)
	governor := ratelimit.New(cfg.RateLimit, nil, logger)
	completions := NewCompletionClient(cfg, logger)
	deliverer := NewDeliverer(gateway, cfg.Delivery, nil, logger)
	memory := NewMemory(st, completions, cfg.Memory, logger)
	pipeline := NewPipeline(st, tracker, completions, deliverer, memory, cfg.Debounce, logger)

	a := &Assistant{
		config:      cfg,
		gateway:     gateway,
		store:       st,
		tracker:     tracker,
		governor:    governor,
		completions: completions,
		deliverer:   deliverer,
		memory:      memory,
		pipeline:    pipeline,
		logger:      logger,
	}

	a.queue = NewTaskQueue(a.runTask, logger)
	a.maintenance = NewMaintenance(st, tracker, cfg.Maintenance, logger)
	return a, nil
}

// Start connects the gateway and starts the event loops.
func (a *Assistant) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.logger.Info("starting doppel",
		"name", a.config.Name,
		"model", a.config.Model,
		"gateway", a.gateway.Name(),
	)

	a.queue.Start(a.ctx)

	if err := a.gateway.Connect(a.ctx); err != nil {
		return fmt.Errorf("connecting gateway: %w", err)
	}

	if err := a.maintenance.Start(); err != nil {
		a.logger.Error("maintenance job failed to start", "error", err)
	}

	a.loops, _ = errgroup.WithContext(a.ctx)
	a.loops.Go(a.receiveLoop)
	a.loops.Go(a.presenceLoop)

	a.logger.Info("doppel started")
	return nil
}

// Stop shuts everything down in reverse order.
func (a *Assistant) Stop() {
	a.logger.Info("stopping doppel...")

	if a.cancel != nil {
		a.cancel()
	}
	a.maintenance.Stop()
	a.queue.Stop()
	if a.loops != nil {
		_ = a.loops.Wait()
	}
	if err := a.gateway.Disconnect(); err != nil {
		a.logger.Warn("gateway disconnect failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", "error", err)
	}

	a.logger.Info("doppel stopped")
}

// runTask is the queue's task func: one debounced pass for one party.
func (a *Assistant) runTask(ctx context.Context, task *Task) error {
	party, err := a.store.PartyByRemoteID(task.Party)
	if err != nil {
		return fmt.Errorf("loading party: %w", err)
	}
	return a.pipeline.Run(ctx, party)
}

// receiveLoop consumes messages from the gateway.
func (a *Assistant) receiveLoop() error {
	for {
		select {
		case msg, ok := <-a.gateway.Receive():
			if !ok {
				return nil
			}
			a.handleMessage(msg)
		case <-a.ctx.Done():
			return nil
		}
	}
}

// presenceLoop feeds gateway composing events into the tracker.
func (a *Assistant) presenceLoop() error {
	for {
		select {
		case evt, ok := <-a.gateway.Presence():
			if !ok {
				return nil
			}
			if evt.Composing {
				a.tracker.MarkComposing(evt.Party)
			} else {
				a.tracker.MarkIdle(evt.Party)
			}
		case <-a.ctx.Done():
			return nil
		}
	}
}

// handleMessage routes one observed message.
func (a *Assistant) handleMessage(msg *channels.IncomingMessage) {
	if msg.IsGroup {
		return
	}
	if msg.IsOutgoing {
		a.handleOutgoing(msg)
		return
	}
	a.handleInbound(msg)
}

// handleInbound stages one incoming message and schedules a debounced pass.
func (a *Assistant) handleInbound(msg *channels.IncomingMessage) {
	logger := a.logger.With("party", msg.Party, "msg_id", msg.ID)

	party, err := a.store.UpsertParty(msg.Party, msg.Handle, msg.PartyName)
	if err != nil {
		logger.Error("upserting party failed", "error", err)
		return
	}

	admitted, shouldWarn := a.governor.Check(msg.Party)
	if !admitted {
		if shouldWarn {
			if _, err := a.gateway.SendText(a.ctx, msg.Party, rateWarningText); err != nil {
				logger.Warn("rate warning send failed", "error", err)
			}
			logger.Info("rate limit crossed, warning sent")
		} else {
			logger.Debug("rate limited, message dropped")
		}
		return
	}
	a.governor.Admit(msg.Party)

	conv, err := a.store.CurrentConversation(party.ID)
	if err != nil {
		logger.Error("loading conversation failed", "error", err)
		return
	}

	var image []byte
	var imageMime string
	if msg.Image != nil {
		image = msg.Image.Data
		imageMime = msg.Image.MimeType
	}

	// Persist the human turn at ingest so the reply context always covers
	// the whole batch.
	if _, err := a.store.AppendTurn(conv.ID, store.RoleHuman, msg.Text, image, imageMime, msg.ID); err != nil {
		logger.Error("persisting human turn failed", "error", err)
		return
	}
	if err := a.store.TouchConversation(conv.ID); err != nil {
		logger.Warn("touching conversation failed", "error", err)
	}

	scheduledAt := time.Now().Add(a.config.Debounce.MinimumDelay)
	if _, err := a.store.AppendPending(party.ID, msg.Text, image, imageMime, msg.ID, scheduledAt); err != nil {
		logger.Error("staging pending message failed", "error", err)
		return
	}

	// A human opens the chat before reading; the receipt lands a beat late.
	go a.markReadLater(msg.Party, msg.ID)

	taskID := a.queue.Schedule(msg.Party, a.config.Debounce.MinimumDelay)
	logger.Debug("message staged", "task_id", taskID)
}

// markReadLater sends the read receipt after a short delay.
func (a *Assistant) markReadLater(party, messageID string) {
	select {
	case <-a.ctx.Done():
		return
	case <-time.After(a.config.Debounce.ReadReceiptDelay):
	}
	if err := a.gateway.MarkRead(a.ctx, party, []string{messageID}); err != nil {
		a.logger.Debug("read receipt failed", "party", party, "error", err)
	}
}

// handleOutgoing processes the owner's own messages: wake-word commands,
// or manual replies that claim the party's pending backlog.
func (a *Assistant) handleOutgoing(msg *channels.IncomingMessage) {
	logger := a.logger.With("party", msg.Party)

	parsed := ParseOutgoing(msg.Text, a.config.WakeWord)
	if parsed.Kind == OutgoingCommand {
		reply, err := a.executeCommand(msg.Party, parsed)
		if err != nil {
			logger.Error("command failed", "command", parsed.Command, "error", err)
			return
		}
		if reply != "" {
			if _, err := a.gateway.SendText(a.ctx, msg.Party, reply); err != nil {
				logger.Warn("command reply send failed", "error", err)
			}
		}
		logger.Info("owner command processed", "command", parsed.Command)
		return
	}

	// Manual reply (or wake-word text that matched no command): the owner
	// has taken over — retire the party's open backlog and record the turn
	// so future replies know the owner said this.
	party, err := a.store.UpsertParty(msg.Party, msg.Handle, msg.PartyName)
	if err != nil {
		logger.Error("upserting party failed", "error", err)
		return
	}

	claimed, err := a.store.ClaimPendingByOwner(party.ID)
	if err != nil {
		logger.Error("claiming pending failed", "error", err)
	} else if claimed > 0 {
		logger.Info("owner answered manually, backlog claimed", "messages", claimed)
	}

	conv, err := a.store.CurrentConversation(party.ID)
	if err != nil {
		logger.Error("loading conversation failed", "error", err)
		return
	}
	if _, err := a.store.AppendTurn(conv.ID, store.RoleOwner, msg.Text, nil, "", msg.ID); err != nil {
		logger.Error("persisting owner turn failed", "error", err)
	}
	if err := a.store.TouchConversation(conv.ID); err != nil {
		logger.Warn("touching conversation failed", "error", err)
	}
}

// executeCommand runs one recognized owner command in the context of the
// chat it was typed into.
func (a *Assistant) executeCommand(remoteID string, cmd Outgoing) (string, error) {
	party, err := a.store.UpsertParty(remoteID, "", "")
	if err != nil {
		return "", fmt.Errorf("loading party: %w", err)
	}
	conv, err := a.store.CurrentConversation(party.ID)
	if err != nil {
		return "", fmt.Errorf("loading conversation: %w", err)
	}

	switch cmd.Command {
	case CmdWhoAmI:
		return fmt.Sprintf("chat: %s (party #%d)", party.RemoteID, party.ID), nil

	case CmdProfile:
		facts, err := a.store.FactsForParty(party.ID)
		if err != nil {
			return "", err
		}
		if len(facts) == 0 {
			return "no stored facts for this chat", nil
		}
		var b strings.Builder
		for _, f := range facts {
			fmt.Fprintf(&b, "%s: %s\n", f.Category, f.Value)
		}
		return strings.TrimRight(b.String(), "\n"), nil

	case CmdStats:
		st, err := a.store.StatsForParty(party.ID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("turns: %d theirs / %d mine, pending: %d, facts: %d",
			st.HumanTurns, st.AssistantTurns, st.PendingOpen, st.Facts), nil

	case CmdContextSet:
		if err := a.store.SetCustomContext(conv.ID, cmd.Args); err != nil {
			return "", err
		}
		return "context saved for this chat", nil

	case CmdContextClear:
		if err := a.store.SetCustomContext(conv.ID, ""); err != nil {
			return "", err
		}
		return "context cleared", nil

	case CmdListIgnored:
		ids, err := a.store.ListIgnored()
		if err != nil {
			return "", err
		}
		if len(ids) == 0 {
			return "no ignored chats", nil
		}
		return "ignored: " + strings.Join(ids, ", "), nil

	case CmdIgnore:
		if err := a.store.SetIgnored(conv.ID, true); err != nil {
			return "", err
		}
		return "auto-reply off for this chat", nil

	case CmdUnignore:
		if err := a.store.SetIgnored(conv.ID, false); err != nil {
			return "", err
		}
		return "auto-reply on for this chat", nil

	case CmdHelp:
		return HelpText(a.config.WakeWord), nil
	}

	return "", fmt.Errorf("unknown command %q", cmd.Command)
}
