package agent

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mstolyar/doppel/pkg/doppel/channels"
	"github.com/mstolyar/doppel/pkg/doppel/store"
)

func newTestAssistant(t *testing.T, mutate func(*Config)) (*Assistant, *fakeGateway) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "test.db")
	// Keep the debounce task far in the future so tests observe staged
	// state without the pipeline firing.
	cfg.Debounce.MinimumDelay = time.Hour
	cfg.Debounce.ReadReceiptDelay = time.Millisecond
	cfg.Maintenance.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	gateway := newFakeGateway()
	a, err := New(cfg, gateway, nil)
	if err != nil {
		t.Fatalf("new assistant: %v", err)
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.queue.Start(a.ctx)
	t.Cleanup(func() {
		a.cancel()
		a.queue.Stop()
		a.store.Close()
	})
	return a, gateway
}

func inbound(text string) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		ID:        "m-" + text,
		Party:     "79001112233",
		PartyName: "Alice",
		Text:      text,
		Timestamp: time.Now(),
	}
}

func outgoing(text string) *channels.IncomingMessage {
	msg := inbound(text)
	msg.IsOutgoing = true
	return msg
}

func TestHandleInbound(t *testing.T) {
	t.Run("stages turn and pending message", func(t *testing.T) {
		a, _ := newTestAssistant(t, nil)

		a.handleMessage(inbound("привет"))

		party, err := a.store.PartyByRemoteID("79001112233")
		if err != nil {
			t.Fatalf("party not created: %v", err)
		}
		open, err := a.store.ListUnprocessedPending(party.ID)
		if err != nil {
			t.Fatalf("list pending: %v", err)
		}
		if len(open) != 1 || open[0].Text != "привет" {
			t.Fatalf("pending = %+v", open)
		}

		conv, err := a.store.CurrentConversation(party.ID)
		if err != nil {
			t.Fatalf("conversation: %v", err)
		}
		turns, err := a.store.RecentTurns(conv.ID, 10)
		if err != nil {
			t.Fatalf("turns: %v", err)
		}
		if len(turns) != 1 || turns[0].Role != store.RoleHuman {
			t.Fatalf("turns = %+v", turns)
		}
	})

	t.Run("group messages are skipped", func(t *testing.T) {
		a, _ := newTestAssistant(t, nil)

		msg := inbound("привет")
		msg.IsGroup = true
		a.handleMessage(msg)

		if _, err := a.store.PartyByRemoteID("79001112233"); err == nil {
			t.Fatal("group message created a party")
		}
	})

	t.Run("rate limit warns once then stays silent", func(t *testing.T) {
		a, gateway := newTestAssistant(t, func(cfg *Config) {
			cfg.RateLimit.MaxPerWindow = 1
			cfg.RateLimit.Window = time.Hour
		})

		a.handleMessage(inbound("раз"))
		a.handleMessage(inbound("два"))
		a.handleMessage(inbound("три"))

		sent := gateway.sentTexts()
		if len(sent) != 1 || sent[0] != rateWarningText {
			t.Fatalf("sent = %v, want the single canned warning", sent)
		}

		party, err := a.store.PartyByRemoteID("79001112233")
		if err != nil {
			t.Fatalf("party: %v", err)
		}
		open, err := a.store.ListUnprocessedPending(party.ID)
		if err != nil {
			t.Fatalf("list pending: %v", err)
		}
		if len(open) != 1 {
			t.Fatalf("suppressed messages were staged: %d open", len(open))
		}
	})
}

func TestHandleOutgoing(t *testing.T) {
	t.Run("manual reply claims the backlog", func(t *testing.T) {
		a, _ := newTestAssistant(t, nil)

		a.handleMessage(inbound("привет"))
		a.handleMessage(inbound("ты тут?"))
		a.handleMessage(outgoing("да, тут, просто занят"))

		party, err := a.store.PartyByRemoteID("79001112233")
		if err != nil {
			t.Fatalf("party: %v", err)
		}
		open, err := a.store.ListUnprocessedPending(party.ID)
		if err != nil {
			t.Fatalf("list pending: %v", err)
		}
		if len(open) != 0 {
			t.Fatalf("backlog not claimed: %d open", len(open))
		}

		conv, err := a.store.CurrentConversation(party.ID)
		if err != nil {
			t.Fatalf("conversation: %v", err)
		}
		turns, err := a.store.RecentTurns(conv.ID, 10)
		if err != nil {
			t.Fatalf("turns: %v", err)
		}
		last := turns[len(turns)-1]
		if last.Role != store.RoleOwner || last.Text != "да, тут, просто занят" {
			t.Fatalf("owner turn = %+v", last)
		}
	})

	t.Run("ignore command suppresses the chat", func(t *testing.T) {
		a, gateway := newTestAssistant(t, nil)

		a.handleMessage(inbound("привет"))
		a.handleMessage(outgoing("doppel ignore"))

		party, err := a.store.PartyByRemoteID("79001112233")
		if err != nil {
			t.Fatalf("party: %v", err)
		}
		conv, err := a.store.CurrentConversation(party.ID)
		if err != nil {
			t.Fatalf("conversation: %v", err)
		}
		if !conv.Ignored {
			t.Fatal("conversation not flagged ignored")
		}

		sent := gateway.sentTexts()
		if len(sent) == 0 || !strings.Contains(sent[len(sent)-1], "off") {
			t.Fatalf("no confirmation sent: %v", sent)
		}
	})

	t.Run("context set and stats round-trip", func(t *testing.T) {
		a, gateway := newTestAssistant(t, nil)

		a.handleMessage(inbound("привет"))
		a.handleMessage(outgoing("doppel context set отвечай коротко"))

		party, err := a.store.PartyByRemoteID("79001112233")
		if err != nil {
			t.Fatalf("party: %v", err)
		}
		conv, err := a.store.CurrentConversation(party.ID)
		if err != nil {
			t.Fatalf("conversation: %v", err)
		}
		if conv.CustomContext != "отвечай коротко" {
			t.Fatalf("custom context = %q", conv.CustomContext)
		}

		a.handleMessage(outgoing("doppel stats"))
		sent := gateway.sentTexts()
		if len(sent) == 0 || !strings.Contains(sent[len(sent)-1], "turns") {
			t.Fatalf("stats reply missing: %v", sent)
		}
	})

	t.Run("help lists the grammar", func(t *testing.T) {
		a, gateway := newTestAssistant(t, nil)
		a.handleMessage(outgoing("doppel help"))
		sent := gateway.sentTexts()
		if len(sent) != 1 || !strings.Contains(sent[0], "doppel ignore") {
			t.Fatalf("help reply = %v", sent)
		}
	})
}
