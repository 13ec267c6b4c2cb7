package ratelimit

import (
	"errors"
	"testing"
	"time"
)

type failingStore struct{}

func (failingStore) Current(string) (time.Time, int, bool, error) {
	return time.Time{}, 0, false, errors.New("store down")
}
func (failingStore) Reset(string, time.Time) error { return errors.New("store down") }
func (failingStore) Increment(string) error        { return errors.New("store down") }
func (failingStore) SetWarned(string) error        { return errors.New("store down") }

func TestGovernor(t *testing.T) {
	t.Run("admits under budget", func(t *testing.T) {
		g := New(Config{MaxPerWindow: 3, Window: time.Hour}, nil, nil)
		for i := 0; i < 3; i++ {
			admitted, warn := g.Check("alice")
			if !admitted || warn {
				t.Fatalf("request %d: admitted=%v warn=%v, want true/false", i, admitted, warn)
			}
			g.Admit("alice")
		}
	})

	t.Run("warns exactly once per window", func(t *testing.T) {
		g := New(Config{MaxPerWindow: 1, Window: time.Hour}, nil, nil)
		g.Admit("alice")

		admitted, warn := g.Check("alice")
		if admitted || !warn {
			t.Fatalf("first over-budget check: admitted=%v warn=%v, want false/true", admitted, warn)
		}
		admitted, warn = g.Check("alice")
		if admitted || warn {
			t.Fatalf("second over-budget check: admitted=%v warn=%v, want false/false", admitted, warn)
		}
	})

	t.Run("parties are independent", func(t *testing.T) {
		g := New(Config{MaxPerWindow: 1, Window: time.Hour}, nil, nil)
		g.Admit("alice")
		if admitted, _ := g.Check("alice"); admitted {
			t.Fatal("alice should be over budget")
		}
		if admitted, _ := g.Check("bob"); !admitted {
			t.Fatal("bob should be unaffected by alice's budget")
		}
	})

	t.Run("window rollover resets the counter", func(t *testing.T) {
		g := New(Config{MaxPerWindow: 1, Window: 30 * time.Millisecond}, nil, nil)
		g.Admit("alice")
		if admitted, _ := g.Check("alice"); admitted {
			t.Fatal("expected over budget in current window")
		}
		time.Sleep(40 * time.Millisecond)
		if admitted, _ := g.Check("alice"); !admitted {
			t.Fatal("expected fresh budget after window rollover")
		}
	})

	t.Run("window anchors at the first message", func(t *testing.T) {
		store := NewMemoryStore()
		g := New(Config{MaxPerWindow: 1, Window: time.Hour}, store, nil)

		before := time.Now()
		g.Admit("alice")
		after := time.Now()

		start, count, _, err := store.Current("alice")
		if err != nil {
			t.Fatalf("Current: %v", err)
		}
		if start.Before(before) || start.After(after) {
			t.Fatalf("window start %v not anchored at the first message (admitted between %v and %v)",
				start, before, after)
		}
		if count != 1 {
			t.Fatalf("count = %d, want 1", count)
		}

		// A second admit in the live window must not move the anchor.
		g.Admit("alice")
		start2, count2, _, _ := store.Current("alice")
		if !start2.Equal(start) {
			t.Fatalf("anchor moved from %v to %v on later admit", start, start2)
		}
		if count2 != 2 {
			t.Fatalf("count = %d, want 2", count2)
		}
	})

	t.Run("expired window reopens at the next message", func(t *testing.T) {
		store := NewMemoryStore()
		g := New(Config{MaxPerWindow: 1, Window: 20 * time.Millisecond}, store, nil)
		g.Admit("alice")
		firstStart, _, _, _ := store.Current("alice")

		time.Sleep(30 * time.Millisecond)
		g.Admit("alice")
		start, count, warned, _ := store.Current("alice")
		if !start.After(firstStart) {
			t.Fatalf("expected a new anchor after expiry, got %v (first %v)", start, firstStart)
		}
		if count != 1 || warned {
			t.Fatalf("count=%d warned=%v, want fresh window state 1/false", count, warned)
		}
	})

	t.Run("fails open on store errors", func(t *testing.T) {
		g := New(Config{MaxPerWindow: 1, Window: time.Hour}, failingStore{}, nil)
		admitted, warn := g.Check("alice")
		if !admitted || warn {
			t.Fatalf("admitted=%v warn=%v, want true/false when store errors", admitted, warn)
		}
		// Admit must not panic either.
		g.Admit("alice")
	})
}
