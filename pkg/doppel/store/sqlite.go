// Package store – sqlite.go opens the doppel.db SQLite database and
// implements all persistence operations against it.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds database configuration.
type Config struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path"`

	// JournalMode is the SQLite journal mode (default WAL).
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeout is the SQLite busy timeout in milliseconds.
	BusyTimeout int `yaml:"busy_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path:        "./data/doppel.db",
		JournalMode: "WAL",
		BusyTimeout: 5000,
	}
}

// Store wraps the SQLite database connection.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS parties (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	remote_id    TEXT NOT NULL UNIQUE,
	handle       TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	party_id       INTEGER NOT NULL REFERENCES parties(id),
	summary        TEXT NOT NULL DEFAULT '',
	custom_context TEXT NOT NULL DEFAULT '',
	ignored        INTEGER NOT NULL DEFAULT 0,
	last_activity  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_party ON conversations(party_id, last_activity);

CREATE TABLE IF NOT EXISTS turns (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id   INTEGER NOT NULL REFERENCES conversations(id),
	role              TEXT NOT NULL,
	text              TEXT NOT NULL,
	image             BLOB,
	image_mime        TEXT NOT NULL DEFAULT '',
	source_message_id TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, id);

CREATE TABLE IF NOT EXISTS pending_messages (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	party_id          INTEGER NOT NULL REFERENCES parties(id),
	text              TEXT NOT NULL,
	image             BLOB,
	image_mime        TEXT NOT NULL DEFAULT '',
	source_message_id TEXT NOT NULL DEFAULT '',
	scheduled_at      TEXT NOT NULL,
	claimed_by_owner  INTEGER NOT NULL DEFAULT 0,
	processed         INTEGER NOT NULL DEFAULT 0,
	created_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_party ON pending_messages(party_id, processed);

CREATE TABLE IF NOT EXISTS facts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	party_id   INTEGER NOT NULL REFERENCES parties(id),
	category   TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(party_id, category)
);
`

// Open opens or creates the doppel database and applies the schema.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "./data/doppel.db"
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5000
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=ON",
		cfg.Path, cfg.JournalMode, cfg.BusyTimeout)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------- Parties ----------

// UpsertParty creates the party on first observation and refreshes its
// handle/display name on each subsequent one.
func (s *Store) UpsertParty(remoteID, handle, displayName string) (*Party, error) {
	now := timestamp()
	_, err := s.db.Exec(`
		INSERT INTO parties (remote_id, handle, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(remote_id) DO UPDATE SET
			handle = CASE WHEN excluded.handle != '' THEN excluded.handle ELSE parties.handle END,
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE parties.display_name END,
			updated_at = excluded.updated_at`,
		remoteID, handle, displayName, now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert party: %w", err)
	}
	return s.PartyByRemoteID(remoteID)
}

// PartyByRemoteID looks up a party by its transport identifier.
func (s *Store) PartyByRemoteID(remoteID string) (*Party, error) {
	var (
		p                    Party
		createdAt, updatedAt string
	)
	err := s.db.QueryRow(`
		SELECT id, remote_id, handle, display_name, created_at, updated_at
		FROM parties WHERE remote_id = ?`, remoteID,
	).Scan(&p.ID, &p.RemoteID, &p.Handle, &p.DisplayName, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("load party %q: %w", remoteID, err)
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// ---------- Conversations ----------

// CurrentConversation returns the most recently active conversation for the
// party, creating one lazily if none exists.
func (s *Store) CurrentConversation(partyID int64) (*Conversation, error) {
	c, err := s.scanConversation(s.db.QueryRow(`
		SELECT id, party_id, summary, custom_context, ignored, last_activity
		FROM conversations WHERE party_id = ?
		ORDER BY last_activity DESC, id DESC LIMIT 1`, partyID))
	if err == nil {
		return c, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	now := timestamp()
	res, err := s.db.Exec(`
		INSERT INTO conversations (party_id, last_activity) VALUES (?, ?)`,
		partyID, now)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	id, _ := res.LastInsertId()
	return &Conversation{ID: id, PartyID: partyID, LastActivity: parseTime(now)}, nil
}

// TouchConversation updates the conversation's last-activity timestamp.
func (s *Store) TouchConversation(convID int64) error {
	_, err := s.db.Exec(`UPDATE conversations SET last_activity = ? WHERE id = ?`,
		timestamp(), convID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// SetIgnored flips auto-reply suppression for a conversation.
func (s *Store) SetIgnored(convID int64, ignored bool) error {
	_, err := s.db.Exec(`UPDATE conversations SET ignored = ? WHERE id = ?`,
		boolToInt(ignored), convID)
	if err != nil {
		return fmt.Errorf("set ignored: %w", err)
	}
	return nil
}

// SetCustomContext stores the owner-provided instruction block ("" clears).
func (s *Store) SetCustomContext(convID int64, text string) error {
	_, err := s.db.Exec(`UPDATE conversations SET custom_context = ? WHERE id = ?`,
		text, convID)
	if err != nil {
		return fmt.Errorf("set custom context: %w", err)
	}
	return nil
}

// ListIgnored returns the remote ids of all ignored conversations.
func (s *Store) ListIgnored() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT p.remote_id FROM conversations c
		JOIN parties p ON p.id = c.party_id
		WHERE c.ignored = 1
		ORDER BY p.remote_id`)
	if err != nil {
		return nil, fmt.Errorf("list ignored: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan ignored: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) scanConversation(row *sql.Row) (*Conversation, error) {
	var (
		c            Conversation
		ignored      int
		lastActivity string
	)
	err := row.Scan(&c.ID, &c.PartyID, &c.Summary, &c.CustomContext, &ignored, &lastActivity)
	if err != nil {
		return nil, err
	}
	c.Ignored = ignored != 0
	c.LastActivity = parseTime(lastActivity)
	return &c, nil
}

// ---------- Turns ----------

// AppendTurn stores one utterance at the end of a conversation.
func (s *Store) AppendTurn(convID int64, role, text string, image []byte, imageMime, sourceMessageID string) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO turns (conversation_id, role, text, image, image_mime, source_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		convID, role, text, image, imageMime, sourceMessageID, timestamp())
	if err != nil {
		return 0, fmt.Errorf("append turn: %w", err)
	}
	return res.LastInsertId()
}

// RecentTurns returns the latest n turns in chronological order.
func (s *Store) RecentTurns(convID int64, n int) ([]Turn, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, text, image, image_mime, source_message_id, created_at
		FROM turns WHERE conversation_id = ?
		ORDER BY id DESC LIMIT ?`, convID, n)
	if err != nil {
		return nil, fmt.Errorf("load recent turns: %w", err)
	}
	defer rows.Close()

	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// TurnsBefore returns every turn older than the latest keep turns, in
// chronological order. Used to pick the compaction window.
func (s *Store) TurnsBefore(convID int64, keep int) ([]Turn, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, text, image, image_mime, source_message_id, created_at
		FROM turns WHERE conversation_id = ? AND id NOT IN (
			SELECT id FROM turns WHERE conversation_id = ?
			ORDER BY id DESC LIMIT ?
		)
		ORDER BY id ASC`, convID, convID, keep)
	if err != nil {
		return nil, fmt.Errorf("load turns before: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

// TurnCount returns the number of stored turns in a conversation.
func (s *Store) TurnCount(convID int64) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM turns WHERE conversation_id = ?`, convID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}

// CompactConversation atomically replaces the rolling summary and deletes
// every turn except the latest keep ones. Both effects commit together or
// neither does.
func (s *Store) CompactConversation(convID int64, summary string, keep int) error {
	return s.compactConversation(convID, summary, keep, nil)
}

// compactConversation carries a between hook so tests can force a failure
// between the summary write and the turn deletion.
func (s *Store) compactConversation(convID int64, summary string, keep int, between func() error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin compaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE conversations SET summary = ? WHERE id = ?`, summary, convID); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}

	if between != nil {
		if err := between(); err != nil {
			return fmt.Errorf("compaction interrupted: %w", err)
		}
	}

	if _, err := tx.Exec(`
		DELETE FROM turns
		WHERE conversation_id = ? AND id NOT IN (
			SELECT id FROM turns WHERE conversation_id = ?
			ORDER BY id DESC LIMIT ?
		)`, convID, convID, keep); err != nil {
		return fmt.Errorf("delete compacted turns: %w", err)
	}

	return tx.Commit()
}

func scanTurns(rows *sql.Rows) ([]Turn, error) {
	var turns []Turn
	for rows.Next() {
		var (
			t         Turn
			createdAt string
		)
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Role, &t.Text, &t.Image,
			&t.ImageMime, &t.SourceMessageID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.CreatedAt = parseTime(createdAt)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// ---------- Pending messages ----------

// AppendPending stages one inbound message for a future processing pass.
func (s *Store) AppendPending(partyID int64, text string, image []byte, imageMime, sourceMessageID string, scheduledAt time.Time) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO pending_messages
			(party_id, text, image, image_mime, source_message_id, scheduled_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		partyID, text, image, imageMime, sourceMessageID,
		scheduledAt.UTC().Format(time.RFC3339Nano), timestamp())
	if err != nil {
		return 0, fmt.Errorf("append pending: %w", err)
	}
	return res.LastInsertId()
}

// ListUnprocessedPending returns the party's open pending messages in
// creation order. Always hits the database — the pipeline re-reads this
// across its await boundaries on purpose.
func (s *Store) ListUnprocessedPending(partyID int64) ([]PendingMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, party_id, text, image, image_mime, source_message_id,
		       scheduled_at, claimed_by_owner, processed, created_at
		FROM pending_messages
		WHERE party_id = ? AND processed = 0
		ORDER BY id ASC`, partyID)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var msgs []PendingMessage
	for rows.Next() {
		var (
			m                          PendingMessage
			scheduledAt, createdAt     string
			claimedByOwner, processed  int
		)
		if err := rows.Scan(&m.ID, &m.PartyID, &m.Text, &m.Image, &m.ImageMime,
			&m.SourceMessageID, &scheduledAt, &claimedByOwner, &processed, &createdAt); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		m.ScheduledAt = parseTime(scheduledAt)
		m.ClaimedByOwner = claimedByOwner != 0
		m.Processed = processed != 0
		m.CreatedAt = parseTime(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkPendingProcessed transitions the given ids to processed. Idempotent
// and partial: already-processed ids are a no-op, not an error.
func (s *Store) MarkPendingProcessed(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE pending_messages SET processed = 1
		WHERE processed = 0 AND id IN (%s)`, placeholders(len(ids)))
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("mark pending processed: %w", err)
	}
	return nil
}

// ClaimPendingByOwner bulk-retires a party's open pending messages because
// the owner answered manually. Returns how many rows were claimed.
func (s *Store) ClaimPendingByOwner(partyID int64) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE pending_messages SET processed = 1, claimed_by_owner = 1
		WHERE party_id = ? AND processed = 0`, partyID)
	if err != nil {
		return 0, fmt.Errorf("claim pending by owner: %w", err)
	}
	return res.RowsAffected()
}

// PruneProcessedPending deletes processed pending rows older than the
// retention window. Returns the number of rows removed.
func (s *Store) PruneProcessedPending(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`
		DELETE FROM pending_messages WHERE processed = 1 AND created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune pending: %w", err)
	}
	return res.RowsAffected()
}

// ---------- Facts ----------

// UpsertFact stores one (category, value) pair; a new fact in an existing
// category overwrites it.
func (s *Store) UpsertFact(partyID int64, category, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO facts (party_id, category, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(party_id, category) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		partyID, category, value, timestamp())
	if err != nil {
		return fmt.Errorf("upsert fact: %w", err)
	}
	return nil
}

// FactsForParty returns the party's live facts ordered by category.
func (s *Store) FactsForParty(partyID int64) ([]Fact, error) {
	rows, err := s.db.Query(`
		SELECT id, party_id, category, value, updated_at
		FROM facts WHERE party_id = ? ORDER BY category`, partyID)
	if err != nil {
		return nil, fmt.Errorf("load facts: %w", err)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		var (
			f         Fact
			updatedAt string
		)
		if err := rows.Scan(&f.ID, &f.PartyID, &f.Category, &f.Value, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.UpdatedAt = parseTime(updatedAt)
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// ---------- Stats ----------

// StatsForParty returns the counters behind the owner `stats` command.
func (s *Store) StatsForParty(partyID int64) (*PartyStats, error) {
	st := &PartyStats{}
	err := s.db.QueryRow(`
		SELECT
			COUNT(CASE WHEN t.role IN ('human', 'owner') THEN 1 END),
			COUNT(CASE WHEN t.role = 'assistant' THEN 1 END)
		FROM turns t
		JOIN conversations c ON c.id = t.conversation_id
		WHERE c.party_id = ?`, partyID,
	).Scan(&st.HumanTurns, &st.AssistantTurns)
	if err != nil {
		return nil, fmt.Errorf("count turns: %w", err)
	}
	if err := s.db.QueryRow(`
		SELECT COUNT(*) FROM pending_messages WHERE party_id = ? AND processed = 0`,
		partyID).Scan(&st.PendingOpen); err != nil {
		return nil, fmt.Errorf("count open pending: %w", err)
	}
	if err := s.db.QueryRow(`
		SELECT COUNT(*) FROM facts WHERE party_id = ?`, partyID).Scan(&st.Facts); err != nil {
		return nil, fmt.Errorf("count facts: %w", err)
	}
	return st, nil
}

// ---------- Helpers ----------

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
