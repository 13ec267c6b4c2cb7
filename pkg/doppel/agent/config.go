// Package agent – config.go defines all configuration structures for the
// Doppel assistant.
package agent

import (
	"time"

	"github.com/mstolyar/doppel/pkg/doppel/channels/telegram"
	"github.com/mstolyar/doppel/pkg/doppel/channels/whatsapp"
	"github.com/mstolyar/doppel/pkg/doppel/ratelimit"
	"github.com/mstolyar/doppel/pkg/doppel/store"
)

// Config holds all assistant configuration.
type Config struct {
	// Name is the persona name used in the system prompt.
	Name string `yaml:"name"`

	// WakeWord is the prefix in the owner's own outgoing messages that
	// triggers the command grammar (e.g. "doppel").
	WakeWord string `yaml:"wake_word"`

	// Persona is the base system prompt describing how to speak as the owner.
	Persona string `yaml:"persona"`

	// Language is the preferred reply language (e.g. "ru", "en").
	Language string `yaml:"language"`

	// API configures the completion endpoint.
	API APIConfig `yaml:"api"`

	// Model is the completion model name.
	Model string `yaml:"model"`

	// Channels configures messaging gateways.
	Channels ChannelsConfig `yaml:"channels"`

	// Database configures the SQLite store.
	Database store.Config `yaml:"database"`

	// RateLimit configures the per-party reply budget.
	RateLimit ratelimit.Config `yaml:"rate_limit"`

	// Debounce configures message accumulation timing.
	Debounce DebounceConfig `yaml:"debounce"`

	// Delivery configures humanized reply delivery.
	Delivery DeliveryConfig `yaml:"delivery"`

	// Memory configures context assembly and compaction.
	Memory MemoryConfig `yaml:"memory"`

	// Maintenance configures the background pruning job.
	Maintenance MaintenanceConfig `yaml:"maintenance"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig configures the OpenAI-compatible completion endpoint.
type APIConfig struct {
	// BaseURL is the API base URL (default https://api.openai.com/v1).
	BaseURL string `yaml:"base_url"`

	// APIKey is the bearer token. Prefer the OS keyring or DOPPEL_API_KEY
	// over putting it here.
	APIKey string `yaml:"api_key"`
}

// ChannelsConfig selects and configures the messaging gateway.
type ChannelsConfig struct {
	// Active is the gateway to run ("whatsapp" or "telegram").
	Active string `yaml:"active"`

	// WhatsApp is the WhatsApp gateway config.
	WhatsApp whatsapp.Config `yaml:"whatsapp"`

	// Telegram is the Telegram gateway config.
	Telegram telegram.Config `yaml:"telegram"`
}

// DebounceConfig controls message accumulation timing.
type DebounceConfig struct {
	// MinimumDelay is the floor before the first processing attempt. The
	// true pacing comes from the quiet wait, not from this delay.
	MinimumDelay time.Duration `yaml:"minimum_delay"`

	// QuietPeriod is how long the party must be continuously non-composing
	// before the reply proceeds.
	QuietPeriod time.Duration `yaml:"quiet_period"`

	// MaxQuietWait bounds the quiet wait; timing out is non-fatal.
	MaxQuietWait time.Duration `yaml:"max_quiet_wait"`

	// ComposingTTL is how long a composing marker lives without renewal.
	ComposingTTL time.Duration `yaml:"composing_ttl"`

	// ReadReceiptDelay is how long to wait before marking messages read,
	// so the receipt does not land instantly.
	ReadReceiptDelay time.Duration `yaml:"read_receipt_delay"`
}

// DeliveryConfig controls the humanized delivery engine.
type DeliveryConfig struct {
	// FlushChance is the probability of flushing a chunk at each sentence
	// boundary (the final boundary always flushes).
	FlushChance float64 `yaml:"flush_chance"`

	// CommaDropChance is the probability of dropping each comma.
	CommaDropChance float64 `yaml:"comma_drop_chance"`

	// TypoChance is the probability of injecting one corrected typo per chunk.
	TypoChance float64 `yaml:"typo_chance"`

	// MinTypingTime and MaxTypingTime bound the per-chunk typing duration.
	MinTypingTime time.Duration `yaml:"min_typing_time"`
	MaxTypingTime time.Duration `yaml:"max_typing_time"`

	// MaxChunkPause bounds the randomized pause between chunks.
	MaxChunkPause time.Duration `yaml:"max_chunk_pause"`
}

// MemoryConfig controls context assembly and compaction.
type MemoryConfig struct {
	// RecentTurns is how many stored turns go into the completion context.
	RecentTurns int `yaml:"recent_turns"`

	// CompactionThreshold is the stored-turn count above which older turns
	// are summarized away.
	CompactionThreshold int `yaml:"compaction_threshold"`
}

// MaintenanceConfig controls the background pruning job.
type MaintenanceConfig struct {
	// Enabled turns the cron job on/off.
	Enabled bool `yaml:"enabled"`

	// Schedule is a cron expression for the pruning pass.
	Schedule string `yaml:"schedule"`

	// PendingRetention is how long processed pending rows are kept.
	PendingRetention time.Duration `yaml:"pending_retention"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// DefaultConfig returns the default assistant configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:     "Doppel",
		WakeWord: "doppel",
		Persona: "You are replying as the account owner in their personal chats. " +
			"Write casually, briefly, and in the owner's voice. Never reveal you are automated.",
		Language: "ru",
		Model:    "gpt-4o-mini",
		Channels: ChannelsConfig{
			Active:   "whatsapp",
			WhatsApp: whatsapp.DefaultConfig(),
			Telegram: telegram.DefaultConfig(),
		},
		Database:  store.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Debounce: DebounceConfig{
			MinimumDelay:     2 * time.Second,
			QuietPeriod:      5 * time.Second,
			MaxQuietWait:     45 * time.Second,
			ComposingTTL:     10 * time.Second,
			ReadReceiptDelay: 2 * time.Second,
		},
		Delivery: DeliveryConfig{
			FlushChance:     0.6,
			CommaDropChance: 0.25,
			TypoChance:      0.07,
			MinTypingTime:   time.Second,
			MaxTypingTime:   10 * time.Second,
			MaxChunkPause:   2 * time.Second,
		},
		Memory: MemoryConfig{
			RecentTurns:         20,
			CompactionThreshold: 60,
		},
		Maintenance: MaintenanceConfig{
			Enabled:          true,
			Schedule:         "0 4 * * *",
			PendingRetention: 72 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
