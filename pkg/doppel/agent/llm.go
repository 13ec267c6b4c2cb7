// Package agent – llm.go implements the completion client used to
// generate replies, summaries, and extracted facts.
// Uses the OpenAI-compatible API format, which works with OpenAI, Anthropic
// proxies, GLM (api.z.ai), and any compatible endpoint.
package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ---------- Pipeline-facing types ----------

// ContextTurn is one role-tagged turn handed to the completion service.
type ContextTurn struct {
	Role      string
	Text      string
	Image     []byte
	ImageMime string
}

// Reply kinds returned by GenerateReply.
const (
	ReplyText = "text"
	ReplyAck  = "ack"
)

// Reply is the parsed completion result: either free text or a symbolic
// acknowledgment drawn from the reaction allow-list.
type Reply struct {
	Kind   string
	Text   string
	Symbol string
}

// ExtractedFact is one (category, value) pair the model pulled from a
// conversation window.
type ExtractedFact struct {
	Category string `json:"category"`
	Value    string `json:"value"`
}

// Completions is what the pipeline needs from the completion service.
// Satisfied by *CompletionClient; tests substitute a fake.
type Completions interface {
	GenerateReply(ctx context.Context, turns []ContextTurn, partyName string) (*Reply, error)
	Summarize(ctx context.Context, turns []ContextTurn, priorSummary string) (string, error)
	ExtractFacts(ctx context.Context, turns []ContextTurn) ([]ExtractedFact, error)
}

// reactionAllowList is the constrained vocabulary for symbolic
// acknowledgments. Anything outside it is a contract violation by the
// model and gets coerced to a fallback text instead.
var reactionAllowList = map[string]bool{
	"👍": true,
	"❤️": true,
	"😂": true,
	"🔥": true,
	"👌": true,
	"🙏": true,
}

// ackFallbackText replaces an out-of-vocabulary acknowledgment symbol.
const ackFallbackText = "ок"

// reactPrefix marks a symbolic acknowledgment in the raw completion text.
const reactPrefix = "REACT "

// ---------- Client ----------

// CompletionClient talks to an OpenAI-compatible chat completions endpoint.
type CompletionClient struct {
	baseURL    string
	apiKey     string
	model      string
	persona    string
	language   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewCompletionClient creates a client from config.
func NewCompletionClient(cfg *Config, logger *slog.Logger) *CompletionClient {
	baseURL := cfg.API.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	return &CompletionClient{
		baseURL:  baseURL,
		apiKey:   cfg.API.APIKey,
		model:    cfg.Model,
		persona:  cfg.Persona,
		language: cfg.Language,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger: logger.With("component", "llm"),
	}
}

// ---------- Wire Types (OpenAI-compatible) ----------

// contentPart is one element of a multimodal message content array.
type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// chatMessage is a message in the OpenAI chat format. Content is either a
// plain string or an array of content parts when an image is attached.
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// chatRequest is the OpenAI-compatible chat completions request.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
}

// chatResponse is the OpenAI-compatible chat completions response.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ---------- Public Methods ----------

// GenerateReply asks the model for either free text or a symbolic
// acknowledgment given the conversation context.
func (c *CompletionClient) GenerateReply(ctx context.Context, turns []ContextTurn, partyName string) (*Reply, error) {
	system := c.persona
	if c.language != "" {
		system += "\nReply in " + c.language + " unless the conversation uses another language."
	}
	if partyName != "" {
		system += "\nYou are talking to " + partyName + "."
	}
	system += "\nIf the last messages only need a short acknowledgment, answer with exactly `" +
		reactPrefix + "<emoji>` using one of: 👍 ❤️ 😂 🔥 👌 🙏. Otherwise answer with the reply text only."

	raw, err := c.complete(ctx, system, turns)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, fmt.Errorf("empty completion")
	}

	if strings.HasPrefix(raw, reactPrefix) {
		symbol := strings.TrimSpace(strings.TrimPrefix(raw, reactPrefix))
		if !reactionAllowList[symbol] {
			c.logger.Warn("completion returned out-of-vocabulary reaction, coercing",
				"symbol", symbol)
			return &Reply{Kind: ReplyText, Text: ackFallbackText}, nil
		}
		return &Reply{Kind: ReplyAck, Symbol: symbol}, nil
	}

	return &Reply{Kind: ReplyText, Text: raw}, nil
}

// Summarize folds a window of turns (plus the prior rolling summary) into
// a new summary string.
func (c *CompletionClient) Summarize(ctx context.Context, turns []ContextTurn, priorSummary string) (string, error) {
	system := "Summarize the following private-chat exchange into a compact running summary. " +
		"Keep names, facts, commitments, and open threads. Answer with the summary only."
	if priorSummary != "" {
		system += "\nPrior summary (fold it in): " + priorSummary
	}

	summary, err := c.complete(ctx, system, turns)
	if err != nil {
		return "", err
	}
	if summary == "" {
		return "", fmt.Errorf("empty summary")
	}
	return summary, nil
}

// ExtractFacts asks the model for durable facts about the remote party.
func (c *CompletionClient) ExtractFacts(ctx context.Context, turns []ContextTurn) ([]ExtractedFact, error) {
	system := "Extract durable facts about the human conversation partner from the exchange below. " +
		`Answer with a JSON array only, e.g. [{"category":"city","value":"Berlin"}]. ` +
		"Use short snake_case categories. Answer [] when there is nothing durable."

	raw, err := c.complete(ctx, system, turns)
	if err != nil {
		return nil, err
	}

	// Models sometimes wrap JSON in a code fence.
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var facts []ExtractedFact
	if err := json.Unmarshal([]byte(raw), &facts); err != nil {
		return nil, fmt.Errorf("parsing facts: %w", err)
	}
	return facts, nil
}

// ---------- Internal ----------

// complete sends one chat completion and returns the trimmed text.
func (c *CompletionClient) complete(ctx context.Context, systemPrompt string, turns []ContextTurn) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("API key not configured. Run 'doppel setup' or set DOPPEL_API_KEY")
	}

	messages := make([]chatMessage, 0, len(turns)+1)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	for _, t := range turns {
		messages = append(messages, toChatMessage(t))
	}

	bodyBytes, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("sending chat completion",
		"model", c.model,
		"messages", len(messages),
		"endpoint", endpoint,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("API error",
			"status", resp.StatusCode,
			"body", truncate(string(respBody), 500),
		)
		return "", fmt.Errorf("API returned %d: %s", resp.StatusCode, truncate(string(respBody), 500))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}
	if chatResp.Error != nil {
		return "", fmt.Errorf("API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no response from model")
	}

	choice := chatResp.Choices[0]
	content := strings.TrimSpace(choice.Message.Content)

	c.logger.Info("chat completion done",
		"model", c.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", chatResp.Usage.PromptTokens,
		"completion_tokens", chatResp.Usage.CompletionTokens,
		"finish_reason", choice.FinishReason,
	)

	return content, nil
}

// toChatMessage converts a context turn into the wire format, inlining an
// attached image as a data-URL content part.
func toChatMessage(t ContextTurn) chatMessage {
	role := t.Role
	switch role {
	case "human":
		role = "user"
	// The owner's manual replies are the voice being imitated; sending
	// them as "user" would attribute them to the remote party.
	case "assistant", "owner":
		role = "assistant"
	default:
		role = "system"
	}

	if len(t.Image) == 0 {
		return chatMessage{Role: role, Content: t.Text}
	}

	mime := t.ImageMime
	if mime == "" {
		mime = "image/jpeg"
	}
	imagePart := contentPart{Type: "image_url"}
	imagePart.ImageURL = &struct {
		URL string `json:"url"`
	}{
		URL: "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(t.Image),
	}

	parts := []contentPart{}
	if t.Text != "" {
		parts = append(parts, contentPart{Type: "text", Text: t.Text})
	}
	parts = append(parts, imagePart)
	return chatMessage{Role: role, Content: parts}
}

// truncate shortens a string for log output.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
