// Package slack posts approval requests and workflow outcomes to Slack via
// incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/herald/internal/workflow"
)

const (
	maxBodyLen  = 2500
	httpTimeout = 10 * time.Second
)

// Notifier sends approval prompts and terminal outcomes to a Slack webhook.
// It implements approval.Notifier and workflow.StatusSurface.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, every call is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// NotifyApproval posts an approval card for a pending request.
func (n *Notifier) NotifyApproval(ctx context.Context, handle string, p workflow.Prompt) error {
	return n.post(ctx, approvalMessage(handle, p))
}

// Report posts terminal outcomes; intermediate statuses are ignored. Failures
// are logged, never returned, since status reporting is fire-and-forget.
func (n *Notifier) Report(ctx context.Context, r workflow.StatusReport) {
	if !r.Terminal() {
		return
	}
	if err := n.post(ctx, outcomeMessage(r)); err != nil {
		n.logger.Warn(ctx, "slack outcome notification failed",
			"message_id", r.MessageID,
			"outcome", r.Outcome.Kind,
			"err", err,
		)
	}
}

func (n *Notifier) post(ctx context.Context, msg map[string]any) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func approvalMessage(handle string, p workflow.Prompt) map[string]any {
	title := "\U0001f7e1 Draft review"
	action := "Approve the draft as-is, edit it, or reject it."
	if p.Kind == workflow.PromptEscalation {
		title = "\U0001f534 Urgent: reply needed"
		action = "Write the reply and approve it. Urgent messages cannot be rejected."
	}

	blocks := []map[string]any{
		header(fmt.Sprintf("%s: %s", title, orNone(p.Message.Subject))),
		{"type": "divider"},
		{
			"type": "section",
			"fields": []map[string]any{
				mrkdwn(fmt.Sprintf("*From:* %s", p.Message.Sender)),
				mrkdwn(fmt.Sprintf("*Urgency:* %d/5", p.Score)),
				mrkdwn(fmt.Sprintf("*Deadline:* %s", p.Deadline.UTC().Format("2006-01-02 15:04 UTC"))),
				mrkdwn(fmt.Sprintf("*Handle:* `%s`", handle)),
			},
		},
		section(fmt.Sprintf("*Message*\n\n%s", quote(truncate(p.Message.Body, maxBodyLen)))),
	}
	if p.Kind == workflow.PromptDraftReview {
		blocks = append(blocks, section(fmt.Sprintf("*Draft*\n\n%s", quote(truncate(p.Draft, maxBodyLen)))))
	}
	blocks = append(blocks,
		map[string]any{"type": "divider"},
		contextBlock(fmt.Sprintf("%s POST /api/v1/approvals/%s", action, handle)),
	)
	return map[string]any{"blocks": blocks}
}

func outcomeMessage(r workflow.StatusReport) map[string]any {
	text := fmt.Sprintf("%s %s: %s", outcomeEmoji(r.Outcome.Kind), outcomeTitle(r.Outcome), orNone(r.Subject))

	fields := []map[string]any{
		mrkdwn(fmt.Sprintf("*From:* %s", r.Sender)),
		mrkdwn(fmt.Sprintf("*Route:* %s", orNone(string(r.Route)))),
	}
	if r.Outcome.Reason != "" {
		fields = append(fields, mrkdwn(fmt.Sprintf("*Reason:* %s", r.Outcome.Reason)))
	}

	return map[string]any{
		"blocks": []map[string]any{
			header(text),
			{"type": "section", "fields": fields},
			contextBlock(fmt.Sprintf("herald • message %s • %s", r.MessageID, r.At.UTC().Format("2006-01-02 15:04 UTC"))),
		},
	}
}

func outcomeTitle(o *workflow.Outcome) string {
	switch o.Kind {
	case workflow.OutcomeSent:
		return "Reply sent"
	case workflow.OutcomeFallbackSent:
		return "Fallback sent"
	case workflow.OutcomeRejected:
		return "Draft rejected"
	default:
		return "Workflow failed"
	}
}

func outcomeEmoji(k workflow.OutcomeKind) string {
	switch k {
	case workflow.OutcomeSent:
		return "\U0001f7e2" // green circle
	case workflow.OutcomeFallbackSent, workflow.OutcomeRejected:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f534" // red circle
	}
}

func header(text string) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{"type": "plain_text", "text": truncate(text, 150)},
	}
}

func section(text string) map[string]any {
	return map[string]any{"type": "section", "text": mrkdwn(text)}
}

func mrkdwn(text string) map[string]any {
	return map[string]any{"type": "mrkdwn", "text": text}
}

func contextBlock(text string) map[string]any {
	return map[string]any{
		"type":     "context",
		"elements": []map[string]any{mrkdwn(text)},
	}
}

func quote(s string) string {
	if s == "" {
		return "_empty_"
	}
	return "> " + strings.ReplaceAll(s, "\n", "\n> ")
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
