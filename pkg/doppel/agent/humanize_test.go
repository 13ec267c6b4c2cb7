package agent

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mstolyar/doppel/pkg/doppel/channels"
)

func TestDeformalize(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	t.Run("strips single trailing period", func(t *testing.T) {
		if got := Deformalize("пойдем гулять.", 0, rng); got != "пойдем гулять" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("keeps trailing ellipsis", func(t *testing.T) {
		if got := Deformalize("ну не знаю...", 0, rng); got != "ну не знаю..." {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("drops all commas at chance 1", func(t *testing.T) {
		if got := Deformalize("да, конечно, приходи", 1.0, rng); got != "да конечно приходи" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("keeps all commas at chance 0", func(t *testing.T) {
		if got := Deformalize("да, конечно", 0, rng); got != "да, конечно" {
			t.Fatalf("got %q", got)
		}
	})
}

func TestSplitChunks(t *testing.T) {
	t.Run("always-flush splits at every sentence", func(t *testing.T) {
		rng := rand.New(rand.NewSource(42))
		chunks := SplitChunks("Привет. Как дела? Все супер!", 1.0, rng)
		want := []string{"Привет.", "Как дела?", "Все супер!"}
		if len(chunks) != len(want) {
			t.Fatalf("got %d chunks %v, want %d", len(chunks), chunks, len(want))
		}
		for i := range want {
			if chunks[i] != want[i] {
				t.Fatalf("chunk %d = %q, want %q", i, chunks[i], want[i])
			}
		}
	})

	t.Run("never-flush yields one chunk", func(t *testing.T) {
		rng := rand.New(rand.NewSource(42))
		chunks := SplitChunks("Привет. Как дела? Все супер!", 0, rng)
		if len(chunks) != 1 {
			t.Fatalf("got %d chunks %v, want 1", len(chunks), chunks)
		}
		if chunks[0] != "Привет. Как дела? Все супер!" {
			t.Fatalf("chunk = %q", chunks[0])
		}
	})

	t.Run("no sentence punctuation is a single chunk", func(t *testing.T) {
		rng := rand.New(rand.NewSource(42))
		chunks := SplitChunks("ну ладно тогда до завтра", 1.0, rng)
		if len(chunks) != 1 || chunks[0] != "ну ладно тогда до завтра" {
			t.Fatalf("chunks = %v", chunks)
		}
	})

	t.Run("punctuation runs stay attached", func(t *testing.T) {
		rng := rand.New(rand.NewSource(42))
		chunks := SplitChunks("Серьезно?! Не может быть...", 1.0, rng)
		if len(chunks) != 2 || chunks[0] != "Серьезно?!" || chunks[1] != "Не может быть..." {
			t.Fatalf("chunks = %v", chunks)
		}
	})

	t.Run("empty text yields nothing", func(t *testing.T) {
		rng := rand.New(rand.NewSource(42))
		if chunks := SplitChunks("   ", 1.0, rng); chunks != nil {
			t.Fatalf("chunks = %v", chunks)
		}
	})
}

// fakeGateway records sends and edits; individual calls can be failed.
type fakeGateway struct {
	mu        sync.Mutex
	sent      []fakeSent
	edits     map[string]string
	reactions []string
	typing    int
	marked    [][]string

	messages chan *channels.IncomingMessage
	presence chan *channels.PresenceEvent

	failSendAfter int // fail SendText once this many sends happened (-1 = never)
	reactErr      error
}

type fakeSent struct {
	party string
	text  string
	id    string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		edits:         map[string]string{},
		messages:      make(chan *channels.IncomingMessage, 16),
		presence:      make(chan *channels.PresenceEvent, 16),
		failSendAfter: -1,
	}
}

func (g *fakeGateway) Name() string                  { return "fake" }
func (g *fakeGateway) Connect(context.Context) error { return nil }
func (g *fakeGateway) Disconnect() error             { return nil }
func (g *fakeGateway) IsConnected() bool             { return true }

func (g *fakeGateway) Receive() <-chan *channels.IncomingMessage { return g.messages }
func (g *fakeGateway) Presence() <-chan *channels.PresenceEvent  { return g.presence }

func (g *fakeGateway) SendText(_ context.Context, party, text string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failSendAfter >= 0 && len(g.sent) >= g.failSendAfter {
		return "", context.DeadlineExceeded
	}
	id := "m" + string(rune('0'+len(g.sent)))
	g.sent = append(g.sent, fakeSent{party: party, text: text, id: id})
	return id, nil
}

func (g *fakeGateway) EditText(_ context.Context, _, messageID, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edits[messageID] = text
	return nil
}

func (g *fakeGateway) SendTyping(context.Context, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.typing++
	return nil
}

func (g *fakeGateway) MarkRead(_ context.Context, _ string, ids []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marked = append(g.marked, ids)
	return nil
}

func (g *fakeGateway) SendReaction(_ context.Context, _, _, emoji string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reactErr != nil {
		return g.reactErr
	}
	g.reactions = append(g.reactions, emoji)
	return nil
}

func (g *fakeGateway) sentTexts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	texts := make([]string, len(g.sent))
	for i, s := range g.sent {
		texts[i] = s.text
	}
	return texts
}

func newTestDeliverer(g *fakeGateway, cfg DeliveryConfig, seed int64) *Deliverer {
	d := NewDeliverer(g, cfg, rand.New(rand.NewSource(seed)), nil)
	d.sleep = func(context.Context, time.Duration) error { return nil }
	return d
}

func TestDeliver(t *testing.T) {
	cfg := DeliveryConfig{
		FlushChance:   1.0,
		MinTypingTime: time.Millisecond,
		MaxTypingTime: time.Millisecond,
	}

	t.Run("sends one message per chunk", func(t *testing.T) {
		g := newFakeGateway()
		d := newTestDeliverer(g, cfg, 1)

		sent, err := d.Deliver(context.Background(), "alice", "Привет. Как дела? Все супер!")
		if err != nil {
			t.Fatalf("deliver: %v", err)
		}
		if len(sent) != 3 {
			t.Fatalf("sent %d chunks, want 3: %v", len(sent), sent)
		}
		if got := g.sentTexts(); len(got) != 3 {
			t.Fatalf("gateway saw %d sends: %v", len(got), got)
		}
	})

	t.Run("chunk failure returns the sent prefix", func(t *testing.T) {
		g := newFakeGateway()
		g.failSendAfter = 1
		d := newTestDeliverer(g, cfg, 1)

		sent, err := d.Deliver(context.Background(), "alice", "Привет. Как дела? Все супер!")
		if err == nil {
			t.Fatal("expected error from failed chunk")
		}
		if len(sent) != 1 {
			t.Fatalf("sent prefix = %v, want exactly the first chunk", sent)
		}
		if sent[0] != "Привет" && sent[0] != "Привет." {
			t.Fatalf("unexpected first chunk %q", sent[0])
		}
	})

	t.Run("typo is injected then corrected", func(t *testing.T) {
		g := newFakeGateway()
		typoCfg := cfg
		typoCfg.TypoChance = 1.0
		d := newTestDeliverer(g, typoCfg, 7)

		text := "слушай давай встретимся завтра вечером"
		sent, err := d.Deliver(context.Background(), "alice", text)
		if err != nil {
			t.Fatalf("deliver: %v", err)
		}
		if len(sent) != 1 || sent[0] != text {
			t.Fatalf("sent = %v, want the corrected text", sent)
		}

		g.mu.Lock()
		defer g.mu.Unlock()
		if len(g.sent) != 1 {
			t.Fatalf("gateway saw %d sends", len(g.sent))
		}
		flawed := g.sent[0].text
		if flawed == text {
			t.Fatal("no typo was injected despite chance 1.0")
		}
		corrected, ok := g.edits[g.sent[0].id]
		if !ok {
			t.Fatal("no correcting edit was issued")
		}
		if corrected != text {
			t.Fatalf("edit restored %q, want %q byte-for-byte", corrected, text)
		}
	})
}

func TestDeliverAck(t *testing.T) {
	cfg := DeliveryConfig{MinTypingTime: time.Millisecond, MaxTypingTime: time.Millisecond}

	t.Run("sets a reaction", func(t *testing.T) {
		g := newFakeGateway()
		d := newTestDeliverer(g, cfg, 1)
		if err := d.DeliverAck(context.Background(), "alice", "msg1", "👍"); err != nil {
			t.Fatalf("ack: %v", err)
		}
		if len(g.reactions) != 1 || g.reactions[0] != "👍" {
			t.Fatalf("reactions = %v", g.reactions)
		}
		if len(g.sent) != 0 {
			t.Fatalf("unexpected text sends: %v", g.sentTexts())
		}
	})

	t.Run("falls back to text when reactions are unsupported", func(t *testing.T) {
		g := newFakeGateway()
		g.reactErr = channels.ErrReactionsUnsupported
		d := newTestDeliverer(g, cfg, 1)
		if err := d.DeliverAck(context.Background(), "alice", "msg1", "👍"); err != nil {
			t.Fatalf("ack fallback: %v", err)
		}
		if got := g.sentTexts(); len(got) != 1 || got[0] != "👍" {
			t.Fatalf("fallback sends = %v", got)
		}
	})
}

func TestTypingDuration(t *testing.T) {
	g := newFakeGateway()
	d := newTestDeliverer(g, DeliveryConfig{
		MinTypingTime: time.Second,
		MaxTypingTime: 10 * time.Second,
	}, 1)

	if got := d.typingDuration("hi"); got != time.Second {
		t.Fatalf("short chunk duration = %v, want the floor", got)
	}
	if got := d.typingDuration(strings.Repeat("а", 500)); got != 10*time.Second {
		t.Fatalf("long chunk duration = %v, want the ceiling", got)
	}
}
