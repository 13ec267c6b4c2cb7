package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustParty(t *testing.T, s *Store, remoteID string) *Party {
	t.Helper()
	p, err := s.UpsertParty(remoteID, "", "")
	if err != nil {
		t.Fatalf("upsert party: %v", err)
	}
	return p
}

func TestUpsertParty(t *testing.T) {
	s := openTestStore(t)

	p1, err := s.UpsertParty("79001112233", "alice", "Alice")
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	t.Run("refreshes handle and name", func(t *testing.T) {
		p2, err := s.UpsertParty("79001112233", "alice2", "Alice B")
		if err != nil {
			t.Fatalf("second upsert: %v", err)
		}
		if p2.ID != p1.ID {
			t.Fatalf("upsert created a new row: %d != %d", p2.ID, p1.ID)
		}
		if p2.Handle != "alice2" || p2.DisplayName != "Alice B" {
			t.Fatalf("handle/name not refreshed: %+v", p2)
		}
	})

	t.Run("empty fields keep previous values", func(t *testing.T) {
		p3, err := s.UpsertParty("79001112233", "", "")
		if err != nil {
			t.Fatalf("third upsert: %v", err)
		}
		if p3.Handle != "alice2" || p3.DisplayName != "Alice B" {
			t.Fatalf("empty upsert clobbered fields: %+v", p3)
		}
	})
}

func TestCurrentConversation(t *testing.T) {
	s := openTestStore(t)
	p := mustParty(t, s, "79001112233")

	c1, err := s.CurrentConversation(p.ID)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	c2, err := s.CurrentConversation(p.ID)
	if err != nil {
		t.Fatalf("load conversation: %v", err)
	}
	if c1.ID != c2.ID {
		t.Fatalf("second call created a new conversation: %d != %d", c1.ID, c2.ID)
	}
}

func TestPendingLifecycle(t *testing.T) {
	s := openTestStore(t)
	p := mustParty(t, s, "79001112233")

	var ids []int64
	for _, text := range []string{"привет", "как дела", "ты тут?"} {
		id, err := s.AppendPending(p.ID, text, nil, "", "msg-"+text, time.Now())
		if err != nil {
			t.Fatalf("append pending: %v", err)
		}
		ids = append(ids, id)
	}

	t.Run("list returns creation order", func(t *testing.T) {
		msgs, err := s.ListUnprocessedPending(p.ID)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(msgs) != 3 {
			t.Fatalf("got %d messages, want 3", len(msgs))
		}
		for i, m := range msgs {
			if m.ID != ids[i] {
				t.Fatalf("order broken at %d: %d != %d", i, m.ID, ids[i])
			}
		}
	})

	t.Run("mark processed is idempotent and partial", func(t *testing.T) {
		if err := s.MarkPendingProcessed(ids[:2]); err != nil {
			t.Fatalf("first mark: %v", err)
		}
		// Overlapping set: ids[1] already processed, ids[2] not.
		if err := s.MarkPendingProcessed(ids[1:]); err != nil {
			t.Fatalf("second mark: %v", err)
		}
		msgs, err := s.ListUnprocessedPending(p.ID)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(msgs) != 0 {
			t.Fatalf("%d messages still unprocessed", len(msgs))
		}
	})

	t.Run("empty id set is a no-op", func(t *testing.T) {
		if err := s.MarkPendingProcessed(nil); err != nil {
			t.Fatalf("nil ids: %v", err)
		}
	})
}

func TestClaimPendingByOwner(t *testing.T) {
	s := openTestStore(t)
	p := mustParty(t, s, "79001112233")
	other := mustParty(t, s, "79005556677")

	for i := 0; i < 3; i++ {
		if _, err := s.AppendPending(p.ID, "hi", nil, "", "", time.Now()); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := s.AppendPending(other.ID, "yo", nil, "", "", time.Now()); err != nil {
		t.Fatalf("append other: %v", err)
	}

	claimed, err := s.ClaimPendingByOwner(p.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != 3 {
		t.Fatalf("claimed %d rows, want 3", claimed)
	}

	msgs, err := s.ListUnprocessedPending(p.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("claimed party still has %d open messages", len(msgs))
	}

	otherMsgs, err := s.ListUnprocessedPending(other.ID)
	if err != nil {
		t.Fatalf("list other: %v", err)
	}
	if len(otherMsgs) != 1 {
		t.Fatalf("other party affected by claim: %d messages", len(otherMsgs))
	}
}

func TestCompaction(t *testing.T) {
	seed := func(t *testing.T, s *Store) *Conversation {
		t.Helper()
		p := mustParty(t, s, "79001112233")
		c, err := s.CurrentConversation(p.ID)
		if err != nil {
			t.Fatalf("conversation: %v", err)
		}
		for i := 0; i < 10; i++ {
			role := RoleHuman
			if i%2 == 1 {
				role = RoleAssistant
			}
			if _, err := s.AppendTurn(c.ID, role, "turn", nil, "", ""); err != nil {
				t.Fatalf("append turn: %v", err)
			}
		}
		return c
	}

	t.Run("success keeps latest turns and writes summary", func(t *testing.T) {
		s := openTestStore(t)
		c := seed(t, s)

		if err := s.CompactConversation(c.ID, "they talked", 4); err != nil {
			t.Fatalf("compact: %v", err)
		}

		count, err := s.TurnCount(c.ID)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if count != 4 {
			t.Fatalf("kept %d turns, want 4", count)
		}

		conv, err := s.CurrentConversation(c.PartyID)
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
		if conv.Summary != "they talked" {
			t.Fatalf("summary = %q", conv.Summary)
		}
	})

	t.Run("failure between writes leaves both untouched", func(t *testing.T) {
		s := openTestStore(t)
		c := seed(t, s)

		boom := errors.New("boom")
		err := s.compactConversation(c.ID, "they talked", 4, func() error { return boom })
		if !errors.Is(err, boom) {
			t.Fatalf("expected injected failure, got %v", err)
		}

		count, err := s.TurnCount(c.ID)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if count != 10 {
			t.Fatalf("turns deleted despite failed compaction: %d left", count)
		}

		conv, err := s.CurrentConversation(c.PartyID)
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
		if conv.Summary != "" {
			t.Fatalf("summary written despite failed compaction: %q", conv.Summary)
		}
	})
}

func TestFactUpsert(t *testing.T) {
	s := openTestStore(t)
	p := mustParty(t, s, "79001112233")

	if err := s.UpsertFact(p.ID, "city", "Moscow"); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertFact(p.ID, "city", "Berlin"); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if err := s.UpsertFact(p.ID, "job", "designer"); err != nil {
		t.Fatalf("third upsert: %v", err)
	}

	facts, err := s.FactsForParty(p.ID)
	if err != nil {
		t.Fatalf("load facts: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("got %d facts, want 2", len(facts))
	}
	if facts[0].Category != "city" || facts[0].Value != "Berlin" {
		t.Fatalf("city fact not overwritten: %+v", facts[0])
	}
}

func TestStatsForParty(t *testing.T) {
	s := openTestStore(t)
	p := mustParty(t, s, "79001112233")
	c, err := s.CurrentConversation(p.ID)
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}

	for _, role := range []string{RoleHuman, RoleHuman, RoleOwner, RoleAssistant} {
		if _, err := s.AppendTurn(c.ID, role, "x", nil, "", ""); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := s.AppendPending(p.ID, "hi", nil, "", "", time.Now()); err != nil {
		t.Fatalf("pending: %v", err)
	}

	st, err := s.StatsForParty(p.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.HumanTurns != 3 || st.AssistantTurns != 1 || st.PendingOpen != 1 {
		t.Fatalf("stats = %+v", st)
	}
}
