package claude

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/herald/internal/workflow"
)

type fakeMessages struct {
	mu    sync.Mutex
	reply string
	err   error
	got   []anthropic.MessageNewParams
}

func (f *fakeMessages) New(_ context.Context, body anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, body)
	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: f.reply},
		},
		StopReason: anthropic.StopReasonEndTurn,
	}, nil
}

func (f *fakeMessages) last(t *testing.T) anthropic.MessageNewParams {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.got) == 0 {
		t.Fatal("no request recorded")
	}
	return f.got[len(f.got)-1]
}

func testMessage() workflow.Message {
	return workflow.Message{
		ID:         "msg-1",
		Sender:     "dana@example.com",
		Subject:    "Site down",
		Body:       "Checkout has returned 500 for an hour.",
		ReceivedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		reply   string
		want    int
		wantErr bool
	}{
		{"json", `{"urgency_score": 5}`, 5, false},
		{"fenced json", "```json\n{\"urgency_score\": 2}\n```", 2, false},
		{"bare number", "4", 4, false},
		{"prose with one digit", "I would rate this a 3.", 3, false},
		{"out of range json", `{"urgency_score": 7}`, 0, true},
		{"zero", `{"urgency_score": 0}`, 0, true},
		{"non integer", `{"urgency_score": 2.5}`, 0, true},
		{"ambiguous prose", "Somewhere between 2 and 4.", 0, true},
		{"no score", "urgent!", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			api := &fakeMessages{reply: tt.reply}
			c := newWithAPI(api, "claude-test")

			got, err := c.Score(context.Background(), testMessage())
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Score = %d, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Score: %v", err)
			}
			if got != tt.want {
				t.Errorf("Score = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestScoreRequestShape(t *testing.T) {
	t.Parallel()

	api := &fakeMessages{reply: `{"urgency_score": 1}`}
	c := newWithAPI(api, "claude-test")
	if _, err := c.Score(context.Background(), testMessage()); err != nil {
		t.Fatalf("Score: %v", err)
	}

	req := api.last(t)
	if req.Model != anthropic.Model("claude-test") {
		t.Errorf("Model = %q", req.Model)
	}
	if len(req.System) != 1 || !strings.Contains(req.System[0].Text, "urgency_score") {
		t.Errorf("System = %+v", req.System)
	}
	if len(req.Messages) != 1 || len(req.Messages[0].Content) != 1 {
		t.Fatalf("Messages = %+v", req.Messages)
	}
	block := req.Messages[0].Content[0]
	if block.OfText == nil {
		t.Fatal("expected OfText to be set")
	}
	for _, want := range []string{"dana@example.com", "Site down", "Checkout has returned 500"} {
		if !strings.Contains(block.OfText.Text, want) {
			t.Errorf("user text missing %q: %q", want, block.OfText.Text)
		}
	}
}

func TestScoreAPIError(t *testing.T) {
	t.Parallel()

	boom := errors.New("overloaded")
	c := newWithAPI(&fakeMessages{err: boom}, "claude-test")
	if _, err := c.Score(context.Background(), testMessage()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapping %v", err, boom)
	}
}

func TestDraft(t *testing.T) {
	t.Parallel()

	api := &fakeMessages{reply: "  Thanks for reaching out. We are on it.  "}
	c := newWithAPI(api, "claude-test", WithTone("friendly"), WithMaxWords(120))

	got, err := c.Draft(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Draft: %v", err)
	}
	if got != "Thanks for reaching out. We are on it." {
		t.Errorf("Draft = %q", got)
	}

	req := api.last(t)
	if !strings.Contains(req.System[0].Text, "friendly") || !strings.Contains(req.System[0].Text, "120 words") {
		t.Errorf("system prompt = %q", req.System[0].Text)
	}
	if req.MaxTokens != 120*2+64 {
		t.Errorf("MaxTokens = %d", req.MaxTokens)
	}
}

func TestDraftEmptyReply(t *testing.T) {
	t.Parallel()

	c := newWithAPI(&fakeMessages{reply: "   "}, "claude-test")
	if _, err := c.Draft(context.Background(), testMessage()); !errors.Is(err, errEmptyResponse) {
		t.Fatalf("err = %v, want errEmptyResponse", err)
	}
}

func TestOptionsIgnoreZeroValues(t *testing.T) {
	t.Parallel()

	c := newWithAPI(&fakeMessages{}, "m", WithTone(""), WithMaxWords(0))
	if c.tone != "professional" || c.maxWords != 500 {
		t.Errorf("tone=%q maxWords=%d, want defaults", c.tone, c.maxWords)
	}
}

func TestResponseTextJoinsTextBlocks(t *testing.T) {
	t.Parallel()

	msg := &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: "first"},
			{Type: "tool_use", ID: "tu-1", Name: "ignored"},
			{Type: "text", Text: "second"},
		},
	}
	if got := responseText(msg); got != "first\n\nsecond" {
		t.Errorf("responseText = %q", got)
	}
	if got := responseText(nil); got != "" {
		t.Errorf("responseText(nil) = %q", got)
	}
}
