package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/herald/internal/workflow"
)

// messagesAPI is the slice of the SDK the client uses; tests substitute a fake.
type messagesAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Client scores and drafts replies with the Claude Messages API. It
// implements workflow.Scorer and workflow.Drafter.
type Client struct {
	messages messagesAPI
	model    string
	tone     string
	maxWords int
}

// Option configures a Client.
type Option func(*Client)

// WithTone sets the register of drafted replies ("professional", "friendly", ...).
func WithTone(tone string) Option {
	return func(c *Client) {
		if tone != "" {
			c.tone = tone
		}
	}
}

// WithMaxWords caps the length of drafted replies.
func WithMaxWords(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxWords = n
		}
	}
}

// New creates a Claude client for the given API key and model name. The SDK's
// own retries are disabled; the workflow engine owns the retry budget.
func New(apiKey, model string, opts ...Option) *Client {
	sdk := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(120*time.Second),
	)
	return newWithAPI(&sdk.Messages, model, opts...)
}

func newWithAPI(api messagesAPI, model string, opts ...Option) *Client {
	c := &Client{
		messages: api,
		model:    model,
		tone:     "professional",
		maxWords: 500,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

const scoreSystemPrompt = `You triage inbound customer email for a support team.
Rate how urgently the message needs a human response on a scale of 1 to 5:
1 = no action needed, 2 = low, 3 = normal, 4 = high, 5 = critical (outage, legal, safety, payment failure).
Reply with JSON only, exactly: {"urgency_score": N}`

var (
	errEmptyResponse = errors.New("claude returned no text content")

	// scoreFallback picks a lone 1..5 out of a reply that ignored the JSON instruction.
	scoreFallback = regexp.MustCompile(`\b([1-5])\b`)
)

// Score implements workflow.Scorer. It returns an error for any reply that
// does not carry a score in 1..5, so the engine retries it.
func (c *Client) Score(ctx context.Context, msg workflow.Message) (int, error) {
	text, err := c.complete(ctx, scoreSystemPrompt, renderMessage(msg), 64)
	if err != nil {
		return 0, fmt.Errorf("score: %w", err)
	}
	score, err := parseScore(text)
	if err != nil {
		return 0, fmt.Errorf("score: %w", err)
	}
	return score, nil
}

// Draft implements workflow.Drafter.
func (c *Client) Draft(ctx context.Context, msg workflow.Message) (string, error) {
	system := fmt.Sprintf(`You write replies to customer email on behalf of a support team.
Write in a %s tone, in no more than %d words.
Address the sender's question directly. Do not invent order numbers, prices or policies.
Output only the body of the reply, with no subject line and no signature placeholder.`, c.tone, c.maxWords)

	// Rough token ceiling for the word cap, with headroom.
	maxTokens := int64(c.maxWords*2 + 64)

	text, err := c.complete(ctx, system, renderMessage(msg), maxTokens)
	if err != nil {
		return "", fmt.Errorf("draft: %w", err)
	}
	return text, nil
}

func (c *Client) complete(ctx context.Context, system, user string, maxTokens int64) (string, error) {
	resp, err := c.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", err
	}
	text := responseText(resp)
	if text == "" {
		return "", errEmptyResponse
	}
	return text, nil
}

// responseText joins the text blocks of a response.
func responseText(resp *anthropic.Message) string {
	if resp == nil {
		return ""
	}
	var parts []string
	for i := range resp.Content {
		if b := resp.Content[i]; b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, strings.TrimSpace(b.Text))
		}
	}
	return strings.Join(parts, "\n\n")
}

func renderMessage(msg workflow.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", msg.Sender)
	fmt.Fprintf(&b, "Subject: %s\n\n", msg.Subject)
	b.WriteString(msg.Body)
	return b.String()
}

func parseScore(text string) (int, error) {
	raw := strings.TrimSpace(text)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var out struct {
		UrgencyScore *json.Number `json:"urgency_score"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err == nil && out.UrgencyScore != nil {
		n, err := strconv.Atoi(out.UrgencyScore.String())
		if err != nil {
			return 0, fmt.Errorf("urgency_score %q is not an integer", out.UrgencyScore.String())
		}
		if n < 1 || n > 5 {
			return 0, fmt.Errorf("urgency_score %d out of range 1..5", n)
		}
		return n, nil
	}

	matches := scoreFallback.FindAllString(text, -1)
	if len(matches) != 1 {
		return 0, fmt.Errorf("unparsable score in %q", truncate(text, 80))
	}
	n, _ := strconv.Atoi(matches[0])
	return n, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
