// Package agent – humanize.go post-processes generated text and delivers
// it the way a person types: split into chunks at sentence boundaries,
// typing indicator proportional to length, occasional corrected typo,
// randomized pauses.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/mstolyar/doppel/pkg/doppel/channels"
)

// Deliverer sends a generated reply through a gateway with human pacing.
type Deliverer struct {
	gateway channels.Gateway
	cfg     DeliveryConfig
	rng     *rand.Rand
	logger  *slog.Logger

	// sleep is swappable so tests run instantly.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDeliverer creates a Deliverer. A nil rng gets a time-seeded one.
func NewDeliverer(gateway channels.Gateway, cfg DeliveryConfig, rng *rand.Rand, logger *slog.Logger) *Deliverer {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{
		gateway: gateway,
		cfg:     cfg,
		rng:     rng,
		logger:  logger.With("component", "delivery"),
		sleep:   sleepCtx,
	}
}

// Deliver post-processes text, splits it, and sends the chunks one by one.
// Returns the chunks actually sent; a chunk failure aborts the remainder
// and returns the sent prefix alongside the error.
func (d *Deliverer) Deliver(ctx context.Context, party, text string) ([]string, error) {
	processed := Deformalize(text, d.cfg.CommaDropChance, d.rng)
	chunks := SplitChunks(processed, d.cfg.FlushChance, d.rng)

	var sent []string
	for i, chunk := range chunks {
		if err := d.deliverChunk(ctx, party, chunk); err != nil {
			return sent, fmt.Errorf("chunk %d of %d: %w", i+1, len(chunks), err)
		}
		sent = append(sent, chunk)

		if i < len(chunks)-1 && d.cfg.MaxChunkPause > 0 {
			pause := time.Duration(d.rng.Int63n(int64(d.cfg.MaxChunkPause)))
			if err := d.sleep(ctx, pause); err != nil {
				return sent, err
			}
		}
	}
	return sent, nil
}

// deliverChunk types for a while, then sends the chunk — possibly with an
// injected typo that gets edited back to the correct text.
func (d *Deliverer) deliverChunk(ctx context.Context, party, chunk string) error {
	if err := d.gateway.SendTyping(ctx, party); err != nil {
		// Typing indicators are cosmetic.
		d.logger.Debug("typing indicator failed", "party", party, "error", err)
	}
	if err := d.sleep(ctx, d.typingDuration(chunk)); err != nil {
		return err
	}

	if d.rng.Float64() < d.cfg.TypoChance {
		if flawed, ok := injectTypo(chunk, d.rng); ok {
			return d.sendWithCorrection(ctx, party, flawed, chunk)
		}
	}

	_, err := d.gateway.SendText(ctx, party, chunk)
	return err
}

// sendWithCorrection sends the flawed text, waits a beat, and edits it to
// the correct text.
func (d *Deliverer) sendWithCorrection(ctx context.Context, party, flawed, correct string) error {
	msgID, err := d.gateway.SendText(ctx, party, flawed)
	if err != nil {
		return err
	}

	delay := 500*time.Millisecond + time.Duration(d.rng.Int63n(int64(1500*time.Millisecond)))
	if err := d.sleep(ctx, delay); err != nil {
		return err
	}

	if err := d.gateway.EditText(ctx, party, msgID, correct); err != nil {
		// The flawed message stays up; log and move on.
		d.logger.Warn("typo correction failed", "party", party, "error", err)
	}
	return nil
}

// DeliverAck sets a reaction on the originating message, falling back to a
// short text reply when the gateway cannot react.
func (d *Deliverer) DeliverAck(ctx context.Context, party, messageID, symbol string) error {
	err := d.gateway.SendReaction(ctx, party, messageID, symbol)
	if err == nil {
		return nil
	}
	if !errors.Is(err, channels.ErrReactionsUnsupported) {
		d.logger.Warn("reaction failed, falling back to text",
			"party", party, "error", err)
	}
	_, err = d.gateway.SendText(ctx, party, symbol)
	return err
}

// typingDuration maps chunk length onto a bounded typing time.
func (d *Deliverer) typingDuration(chunk string) time.Duration {
	// Roughly 300 characters per minute.
	dur := time.Duration(len([]rune(chunk))) * 200 * time.Millisecond
	if dur < d.cfg.MinTypingTime {
		dur = d.cfg.MinTypingTime
	}
	if dur > d.cfg.MaxTypingTime {
		dur = d.cfg.MaxTypingTime
	}
	return dur
}

// ---------- Text post-processing ----------

// Deformalize strips a single trailing period (but not an ellipsis) and
// probabilistically drops commas, to make the text read less mechanical.
func Deformalize(text string, commaDropChance float64, rng *rand.Rand) string {
	text = strings.TrimSpace(text)

	if strings.HasSuffix(text, ".") && !strings.HasSuffix(text, "..") {
		text = strings.TrimSuffix(text, ".")
	}

	if commaDropChance > 0 {
		var b strings.Builder
		b.Grow(len(text))
		for _, r := range text {
			if r == ',' && rng.Float64() < commaDropChance {
				continue
			}
			b.WriteRune(r)
		}
		text = b.String()
	}
	return text
}

// SplitChunks segments text on sentence-ending punctuation, keeping the
// punctuation attached. At each boundary a weighted coin decides whether
// to flush a chunk there; the final boundary always flushes. Text with no
// sentence-ending punctuation comes back as a single chunk.
func SplitChunks(text string, flushChance float64, rng *rand.Rand) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	sentences := splitSentences(text)
	if len(sentences) <= 1 {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	for i, s := range sentences {
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(s)

		last := i == len(sentences)-1
		if last || rng.Float64() < flushChance {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}
	return chunks
}

// splitSentences cuts text after runs of sentence-ending punctuation.
func splitSentences(text string) []string {
	var sentences []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		if runes[i] != '.' && runes[i] != '!' && runes[i] != '?' {
			continue
		}
		// Swallow the whole punctuation run ("...", "?!").
		for i+1 < len(runes) && (runes[i+1] == '.' || runes[i+1] == '!' || runes[i+1] == '?') {
			i++
		}
		s := strings.TrimSpace(string(runes[start : i+1]))
		if s != "" {
			sentences = append(sentences, s)
		}
		start = i + 1
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

// sleepCtx sleeps for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
