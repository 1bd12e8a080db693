// Package approval holds pending human approval requests until someone
// decides them through the API.
package approval

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/herald/internal/workflow"
)

var (
	ErrUnknownHandle    = errors.New("unknown approval handle")
	ErrAlreadyDecided   = errors.New("approval already decided")
	ErrExpired          = errors.New("approval request expired")
	ErrTextRequired     = errors.New("escalation approval requires response text")
	ErrRejectNotAllowed = errors.New("escalations cannot be rejected")
)

// DefaultRetention is how long decided requests stay pollable.
const DefaultRetention = time.Hour

// Notifier announces a new approval request to humans.
type Notifier interface {
	NotifyApproval(ctx context.Context, handle string, p workflow.Prompt) error
}

// Decision is a human verdict on a pending request.
type Decision struct {
	Approve   bool   `json:"-"`
	Text      string `json:"text,omitempty"`
	DecidedBy string `json:"decided_by,omitempty"`
}

// Request is a snapshot of one approval request.
type Request struct {
	Handle      string                  `json:"handle"`
	Prompt      workflow.Prompt         `json:"prompt"`
	RequestedAt time.Time               `json:"requested_at"`
	Result      workflow.ApprovalResult `json:"result"`
	DecidedAt   time.Time               `json:"decided_at,omitzero"`
}

// Inbox is an in-memory workflow.ApprovalChannel. Pending requests are lost on
// restart; the engine re-registers them through RestoreApproval.
type Inbox struct {
	notifier   Notifier
	logger     log.Logger
	onDecision func(messageID string)
	retention  time.Duration
	now        func() time.Time

	mu        sync.Mutex
	byHandle  map[string]*Request
	byMessage map[string]string
}

// Option configures an Inbox.
type Option func(*Inbox)

// WithNotifier announces each new request, typically to Slack.
func WithNotifier(n Notifier) Option {
	return func(i *Inbox) { i.notifier = n }
}

// WithOnDecision registers a callback fired after each successful Decide.
func WithOnDecision(fn func(messageID string)) Option {
	return func(i *Inbox) { i.onDecision = fn }
}

// WithRetention sets how long decided requests are kept.
func WithRetention(d time.Duration) Option {
	return func(i *Inbox) {
		if d > 0 {
			i.retention = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Inbox) { i.now = now }
}

// NewInbox returns an empty inbox.
func NewInbox(logger log.Logger, opts ...Option) *Inbox {
	if logger == nil {
		logger = log.Nop()
	}
	i := &Inbox{
		logger:    logger,
		retention: DefaultRetention,
		now:       time.Now,
		byHandle:  make(map[string]*Request),
		byMessage: make(map[string]string),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// SetOnDecision replaces the decision callback. It lets main build the inbox
// before the engine that consumes it.
func (i *Inbox) SetOnDecision(fn func(messageID string)) {
	i.mu.Lock()
	i.onDecision = fn
	i.mu.Unlock()
}

// RequestApproval implements workflow.ApprovalChannel. A second request for
// the same message returns the existing handle without notifying again. A
// notifier failure is logged; the request stays decidable through the API.
func (i *Inbox) RequestApproval(ctx context.Context, p workflow.Prompt) (string, error) {
	if p.MessageID == "" {
		return "", errors.New("approval: prompt has no message id")
	}

	i.mu.Lock()
	i.pruneLocked()
	if h, ok := i.byMessage[p.MessageID]; ok {
		i.mu.Unlock()
		return h, nil
	}
	handle := ulid.Make().String()
	i.byHandle[handle] = &Request{
		Handle:      handle,
		Prompt:      p,
		RequestedAt: i.now(),
		Result:      workflow.ApprovalResult{Decision: workflow.DecisionPending},
	}
	i.byMessage[p.MessageID] = handle
	i.mu.Unlock()

	if i.notifier != nil {
		if err := i.notifier.NotifyApproval(ctx, handle, p); err != nil {
			i.logger.Warn(ctx, "approval notification failed",
				"message_id", p.MessageID,
				"handle", handle,
				"err", err,
			)
		}
	}
	return handle, nil
}

// PollApproval implements workflow.ApprovalChannel.
func (i *Inbox) PollApproval(_ context.Context, handle string) (workflow.ApprovalResult, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	r, ok := i.byHandle[handle]
	if !ok {
		return workflow.ApprovalResult{}, ErrUnknownHandle
	}
	return r.Result, nil
}

// RestoreApproval implements workflow.ApprovalRestorer. It is a no-op when
// the handle is already known.
func (i *Inbox) RestoreApproval(ctx context.Context, handle string, p workflow.Prompt) error {
	if handle == "" {
		return errors.New("approval: empty handle")
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.byHandle[handle]; ok {
		return nil
	}
	i.byHandle[handle] = &Request{
		Handle:      handle,
		Prompt:      p,
		RequestedAt: i.now(),
		Result:      workflow.ApprovalResult{Decision: workflow.DecisionPending},
	}
	i.byMessage[p.MessageID] = handle
	i.logger.Info(ctx, "approval restored", "message_id", p.MessageID, "handle", handle)
	return nil
}

// CancelApproval implements workflow.ApprovalCanceller. A pending request is
// marked expired and ages out with the decided ones. Unknown or decided
// handles are left alone.
func (i *Inbox) CancelApproval(ctx context.Context, handle string) error {
	i.mu.Lock()
	r, ok := i.byHandle[handle]
	if !ok || r.Result.Decision != workflow.DecisionPending {
		i.mu.Unlock()
		return nil
	}
	r.Result = workflow.ApprovalResult{Decision: workflow.DecisionExpired}
	r.DecidedAt = i.now()
	messageID := r.Prompt.MessageID
	i.mu.Unlock()

	i.logger.Info(ctx, "approval expired", "message_id", messageID, "handle", handle)
	return nil
}

// Decide records a human decision on a pending request.
func (i *Inbox) Decide(ctx context.Context, handle string, d Decision) (Request, error) {
	i.mu.Lock()
	r, ok := i.byHandle[handle]
	if !ok {
		i.mu.Unlock()
		return Request{}, ErrUnknownHandle
	}
	if r.Result.Decision == workflow.DecisionExpired {
		i.mu.Unlock()
		return Request{}, ErrExpired
	}
	if r.Result.Decision != workflow.DecisionPending {
		i.mu.Unlock()
		return Request{}, ErrAlreadyDecided
	}

	text := strings.TrimSpace(d.Text)
	if r.Prompt.Kind == workflow.PromptEscalation {
		if !d.Approve {
			i.mu.Unlock()
			return Request{}, ErrRejectNotAllowed
		}
		if text == "" {
			i.mu.Unlock()
			return Request{}, ErrTextRequired
		}
	}

	decision := workflow.DecisionRejected
	if d.Approve {
		decision = workflow.DecisionApproved
	} else {
		text = ""
	}
	r.Result = workflow.ApprovalResult{Decision: decision, Text: text, DecidedBy: d.DecidedBy}
	r.DecidedAt = i.now()
	out := *r
	cb := i.onDecision
	i.mu.Unlock()

	i.logger.Info(ctx, "approval decided",
		"message_id", out.Prompt.MessageID,
		"handle", handle,
		"decision", decision,
		"decided_by", d.DecidedBy,
	)
	if cb != nil {
		cb(out.Prompt.MessageID)
	}
	return out, nil
}

// Get returns the request for handle.
func (i *Inbox) Get(handle string) (Request, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	r, ok := i.byHandle[handle]
	if !ok {
		return Request{}, false
	}
	return *r, true
}

// Pending lists undecided requests, soonest deadline first.
func (i *Inbox) Pending() []Request {
	i.mu.Lock()
	out := make([]Request, 0, len(i.byHandle))
	for _, r := range i.byHandle {
		if r.Result.Decision == workflow.DecisionPending {
			out = append(out, *r)
		}
	}
	i.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if !out[a].Prompt.Deadline.Equal(out[b].Prompt.Deadline) {
			return out[a].Prompt.Deadline.Before(out[b].Prompt.Deadline)
		}
		return out[a].Handle < out[b].Handle
	})
	return out
}

// pruneLocked drops decided and expired requests past retention.
func (i *Inbox) pruneLocked() {
	cutoff := i.now().Add(-i.retention)
	for h, r := range i.byHandle {
		if r.Result.Decision != workflow.DecisionPending && r.DecidedAt.Before(cutoff) {
			delete(i.byHandle, h)
			if i.byMessage[r.Prompt.MessageID] == h {
				delete(i.byMessage, r.Prompt.MessageID)
			}
		}
	}
}
