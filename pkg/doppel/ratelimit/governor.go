// Package ratelimit caps how many automated replies a single party can
// trigger per window. A window opens at the party's first admitted
// message and lasts a fixed TTL; the next message after expiry opens a
// fresh one. The governor fails open: if its backing store errors,
// traffic is admitted rather than silently dropped.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// Store persists per-party window state. The in-memory implementation
// below is the default; a SQL-backed one can be swapped in without
// touching the governor.
type Store interface {
	// Current returns the party's open window. A zero start means no
	// window has been opened yet.
	Current(party string) (start time.Time, count int, warned bool, err error)
	// Reset opens a fresh window for the party anchored at start, with
	// one consumed reply and the warned flag cleared.
	Reset(party string, start time.Time) error
	// Increment bumps the open window's counter.
	Increment(party string) error
	// SetWarned records that the over-limit warning was sent this window.
	SetWarned(party string) error
}

// Config controls the governor's window.
type Config struct {
	// MaxPerWindow is the reply budget per party per window.
	MaxPerWindow int `yaml:"max_per_window"`
	// Window is the window TTL, measured from the first message in it.
	Window time.Duration `yaml:"window"`
}

// DefaultConfig returns the stock limits: 30 replies per hour per party.
func DefaultConfig() Config {
	return Config{
		MaxPerWindow: 30,
		Window:       time.Hour,
	}
}

// Governor applies the first-message-anchored window policy.
type Governor struct {
	cfg    Config
	store  Store
	logger *slog.Logger
}

// New creates a Governor. A nil store gets the in-memory default.
func New(cfg Config, store Store, logger *slog.Logger) *Governor {
	if cfg.MaxPerWindow <= 0 {
		cfg.MaxPerWindow = DefaultConfig().MaxPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		cfg:    cfg,
		store:  store,
		logger: logger.With("component", "ratelimit"),
	}
}

// expired reports whether a window anchored at start has lapsed.
func (g *Governor) expired(start time.Time) bool {
	return start.IsZero() || time.Since(start) >= g.cfg.Window
}

// Check reports whether the party is under budget and, when over budget,
// whether the one-per-window warning still needs to be sent. Store errors
// admit the request.
func (g *Governor) Check(party string) (admitted, shouldWarn bool) {
	start, count, warned, err := g.store.Current(party)
	if err != nil {
		g.logger.Warn("rate store read failed, admitting", "party", party, "error", err)
		return true, false
	}
	if g.expired(start) {
		return true, false
	}
	if count < g.cfg.MaxPerWindow {
		return true, false
	}
	if warned {
		return false, false
	}
	if err := g.store.SetWarned(party); err != nil {
		g.logger.Warn("rate store warn flag failed", "party", party, "error", err)
	}
	return false, true
}

// Admit records one consumed reply, opening a fresh window anchored at
// now when none is live.
func (g *Governor) Admit(party string) {
	start, _, _, err := g.store.Current(party)
	if err == nil && !g.expired(start) {
		if err := g.store.Increment(party); err != nil {
			g.logger.Warn("rate store increment failed", "party", party, "error", err)
		}
		return
	}
	if err != nil {
		g.logger.Warn("rate store read failed", "party", party, "error", err)
	}
	if err := g.store.Reset(party, time.Now()); err != nil {
		g.logger.Warn("rate store reset failed", "party", party, "error", err)
	}
}

type windowState struct {
	start  time.Time
	count  int
	warned bool
}

// MemoryStore keeps one window per party in a map.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*windowState
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*windowState)}
}

// Current implements Store.
func (m *MemoryStore) Current(party string) (time.Time, int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.windows[party]
	if st == nil {
		return time.Time{}, 0, false, nil
	}
	return st.start, st.count, st.warned, nil
}

// Reset implements Store.
func (m *MemoryStore) Reset(party string, start time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[party] = &windowState{start: start, count: 1}
	return nil
}

// Increment implements Store.
func (m *MemoryStore) Increment(party string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.windows[party]; st != nil {
		st.count++
	}
	return nil
}

// SetWarned implements Store.
func (m *MemoryStore) SetWarned(party string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.windows[party]; st != nil {
		st.warned = true
	}
	return nil
}
