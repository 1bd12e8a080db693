package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/herald/internal/workflow"
)

type capture struct {
	mu    sync.Mutex
	posts []map[string]any
}

func (c *capture) server(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		var got map[string]any
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		c.mu.Lock()
		c.posts = append(c.posts, got)
		c.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.posts)
}

func (c *capture) text(i int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, _ := json.Marshal(c.posts[i])
	return string(b)
}

func testPrompt(kind workflow.PromptKind) workflow.Prompt {
	return workflow.Prompt{
		MessageID: "msg-1",
		Kind:      kind,
		Message: workflow.Message{
			ID:      "msg-1",
			Sender:  "dana@example.com",
			Subject: "Refund request",
			Body:    "Please refund order 42.",
		},
		Score:    2,
		Draft:    "We have issued the refund.",
		Deadline: time.Date(2026, 3, 1, 9, 10, 0, 0, time.UTC),
	}
}

func TestNotifyApproval_DraftReview(t *testing.T) {
	t.Parallel()

	var c capture
	srv := c.server(t, http.StatusOK)
	n := New(srv.URL, log.Nop())

	if err := n.NotifyApproval(context.Background(), "01HANDLE", testPrompt(workflow.PromptDraftReview)); err != nil {
		t.Fatalf("NotifyApproval: %v", err)
	}
	if c.count() != 1 {
		t.Fatalf("posts = %d, want 1", c.count())
	}
	body := c.text(0)
	for _, want := range []string{"Draft review", "Refund request", "01HANDLE", "We have issued the refund.", "2026-03-01 09:10 UTC"} {
		if !strings.Contains(body, want) {
			t.Errorf("payload missing %q", want)
		}
	}
}

func TestNotifyApproval_EscalationHasNoDraft(t *testing.T) {
	t.Parallel()

	var c capture
	srv := c.server(t, http.StatusOK)
	n := New(srv.URL, log.Nop())

	if err := n.NotifyApproval(context.Background(), "01HANDLE", testPrompt(workflow.PromptEscalation)); err != nil {
		t.Fatalf("NotifyApproval: %v", err)
	}
	body := c.text(0)
	if !strings.Contains(body, "Urgent") {
		t.Errorf("escalation header missing: %s", body)
	}
	if strings.Contains(body, "We have issued the refund.") {
		t.Error("escalation card should not carry the draft")
	}
}

func TestNotifyApproval_WebhookError(t *testing.T) {
	t.Parallel()

	var c capture
	srv := c.server(t, http.StatusInternalServerError)
	n := New(srv.URL, log.Nop())

	err := n.NotifyApproval(context.Background(), "h", testPrompt(workflow.PromptDraftReview))
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("err = %v, want webhook 500 error", err)
	}
}

func TestReport_OnlyTerminal(t *testing.T) {
	t.Parallel()

	var c capture
	srv := c.server(t, http.StatusOK)
	n := New(srv.URL, log.Nop())
	ctx := context.Background()

	n.Report(ctx, workflow.StatusReport{MessageID: "m", Status: workflow.StatusScoring})
	n.Report(ctx, workflow.StatusReport{
		MessageID: "m",
		Status:    workflow.StatusFailed,
		Route:     workflow.RouteStandard,
		Outcome:   &workflow.Outcome{Kind: workflow.OutcomeFailed, Reason: workflow.ReasonDelivery},
		Sender:    "dana@example.com",
		Subject:   "Refund request",
		At:        time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	})

	if c.count() != 1 {
		t.Fatalf("posts = %d, want 1", c.count())
	}
	body := c.text(0)
	for _, want := range []string{"Workflow failed", "delivery", "\U0001f534"} {
		if !strings.Contains(body, want) {
			t.Errorf("payload missing %q: %s", want, body)
		}
	}
}

func TestReport_SwallowsErrors(t *testing.T) {
	t.Parallel()

	var c capture
	srv := c.server(t, http.StatusBadGateway)
	n := New(srv.URL, log.Nop())

	n.Report(context.Background(), workflow.StatusReport{
		MessageID: "m",
		Status:    workflow.StatusSent,
		Outcome:   &workflow.Outcome{Kind: workflow.OutcomeSent},
	})
	if c.count() != 1 {
		t.Fatalf("posts = %d, want 1", c.count())
	}
}

func TestNoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("", nil)
	if err := n.NotifyApproval(context.Background(), "h", testPrompt(workflow.PromptEscalation)); err != nil {
		t.Fatalf("NotifyApproval with empty URL should be no-op, got: %v", err)
	}
	n.Report(context.Background(), workflow.StatusReport{Outcome: &workflow.Outcome{Kind: workflow.OutcomeSent}})
}

func TestOutcomeEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind workflow.OutcomeKind
		want string
	}{
		{workflow.OutcomeSent, "\U0001f7e2"},
		{workflow.OutcomeFallbackSent, "\U0001f7e1"},
		{workflow.OutcomeRejected, "\U0001f7e1"},
		{workflow.OutcomeFailed, "\U0001f534"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			t.Parallel()
			if got := outcomeEmoji(tt.kind); got != tt.want {
				t.Errorf("outcomeEmoji(%q) = %q, want %q", tt.kind, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	got := truncate(strings.Repeat("x", 20), 10)
	if len(got) != 10 || !strings.HasSuffix(got, "...") {
		t.Errorf("truncate long = %q", got)
	}
}

func TestQuote(t *testing.T) {
	t.Parallel()

	if got := quote("a\nb"); got != "> a\n> b" {
		t.Errorf("quote = %q", got)
	}
	if got := quote(""); got != "_empty_" {
		t.Errorf("quote empty = %q", got)
	}
}
