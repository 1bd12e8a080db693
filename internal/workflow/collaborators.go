package workflow

import (
	"context"
	"time"
)

// Source yields newly arrived messages. It may redeliver; the engine dedupes.
type Source interface {
	Poll(ctx context.Context) ([]Message, error)
}

// ReadySource is a push-style Source that signals when Poll has work, so the
// engine need not wait for the next poll interval.
type ReadySource interface {
	Source
	Ready() <-chan struct{}
}

// Scorer classifies a message with an urgency score in 1..5.
type Scorer interface {
	Score(ctx context.Context, msg Message) (int, error)
}

// Drafter produces response text for a standard-route message.
type Drafter interface {
	Draft(ctx context.Context, msg Message) (string, error)
}

// PromptKind distinguishes the two approval requests the engine issues.
type PromptKind string

const (
	// PromptEscalation asks a human to write the response to an urgent message.
	PromptEscalation PromptKind = "escalation"

	// PromptDraftReview asks a human to approve or reject a generated draft.
	PromptDraftReview PromptKind = "draft_review"
)

// Prompt is the payload of an approval request.
type Prompt struct {
	MessageID string     `json:"message_id"`
	Kind      PromptKind `json:"kind"`
	Message   Message    `json:"message"`
	Score     int        `json:"urgency_score"`
	Draft     string     `json:"draft,omitempty"`
	Deadline  time.Time  `json:"deadline"`
}

// Decision is the state of an approval request.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	// DecisionExpired marks a request withdrawn because the record stopped
	// waiting on it (deadline passed or workflow failed).
	DecisionExpired Decision = "expired"
)

// ApprovalResult is what PollApproval reports.
type ApprovalResult struct {
	Decision  Decision `json:"decision"`
	Text      string   `json:"text,omitempty"`
	DecidedBy string   `json:"decided_by,omitempty"`
}

// ApprovalChannel is the human-in-the-loop collaborator.
// RequestApproval is issued at most once per record; PollApproval is idempotent.
type ApprovalChannel interface {
	RequestApproval(ctx context.Context, p Prompt) (handle string, err error)
	PollApproval(ctx context.Context, handle string) (ApprovalResult, error)
}

// ApprovalCanceller is implemented by approval channels that can withdraw a
// request once its record no longer waits on it. Withdrawing an unknown or
// already decided request is a no-op.
type ApprovalCanceller interface {
	CancelApproval(ctx context.Context, handle string) error
}

// ApprovalRestorer is implemented by approval channels that lose pending
// requests on restart and can re-register them from a persisted record.
type ApprovalRestorer interface {
	RestoreApproval(ctx context.Context, handle string, p Prompt) error
}

// DeliveryKind distinguishes approved replies from fallback notices.
type DeliveryKind string

const (
	DeliveryReply    DeliveryKind = "reply"
	DeliveryFallback DeliveryKind = "fallback"
)

// Delivery is one outbound message. Key is stable across retries of the same
// send so a sink can recognise a repeat.
type Delivery struct {
	Key       string       `json:"key"`
	Kind      DeliveryKind `json:"kind"`
	To        string       `json:"to"`
	Subject   string       `json:"subject"`
	Body      string       `json:"body"`
	InReplyTo string       `json:"in_reply_to,omitempty"`
}

// Sink delivers finished responses. Deliver must be safe to retry with the
// same Key without a duplicate reaching the recipient.
type Sink interface {
	Deliver(ctx context.Context, d Delivery) error
}

// StatusReport is one notification to the status surface.
type StatusReport struct {
	MessageID string    `json:"message_id"`
	Status    Status    `json:"status"`
	Route     Route     `json:"route,omitempty"`
	Outcome   *Outcome  `json:"outcome,omitempty"`
	Sender    string    `json:"sender,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	At        time.Time `json:"at"`
}

// Terminal reports whether the report carries a final outcome.
func (r StatusReport) Terminal() bool { return r.Outcome != nil }

// StatusSurface receives fire-and-forget status notifications.
type StatusSurface interface {
	Report(ctx context.Context, r StatusReport)
}

// Store persists workflow records.
type Store interface {
	Get(ctx context.Context, id string) (*Record, bool, error)
	Put(ctx context.Context, r *Record) error
	ListActive(ctx context.Context) ([]*Record, error)
}

// Admitter performs the atomic check-and-insert of a message id.
// It returns false when the id was already admitted.
type Admitter interface {
	Admit(ctx context.Context, id string) (bool, error)
}

// Pruner is implemented by admitters that need explicit retention sweeps.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}
