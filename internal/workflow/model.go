package workflow

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Status tracks where a workflow record is in its lifecycle.
type Status string

const (
	StatusReceived           Status = "received"
	StatusScoring            Status = "scoring"
	StatusRouted             Status = "routed"
	StatusAwaitingHumanInput Status = "awaiting_human_input"
	StatusDrafting           Status = "drafting"
	StatusAwaitingApproval   Status = "awaiting_approval"
	StatusApproved           Status = "approved"
	StatusRejected           Status = "rejected"
	StatusTimedOut           Status = "timed_out"
	StatusSending            Status = "sending"
	StatusSendingFallback    Status = "sending_fallback"
	StatusSent               Status = "sent"
	StatusFallbackSent       Status = "fallback_sent"
	StatusFailed             Status = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusFallbackSent, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// Awaiting reports whether s is suspended on a human decision or a deadline.
func (s Status) Awaiting() bool {
	return s == StatusAwaitingHumanInput || s == StatusAwaitingApproval
}

// Route is the branch a message takes after scoring.
type Route string

const (
	RouteUrgent   Route = "urgent"
	RouteStandard Route = "standard"
)

// OutcomeKind is the terminal result of a workflow.
type OutcomeKind string

const (
	OutcomeSent         OutcomeKind = "sent"
	OutcomeFallbackSent OutcomeKind = "fallback_sent"
	OutcomeRejected     OutcomeKind = "rejected"
	OutcomeFailed       OutcomeKind = "failed"
)

// Failure reasons recorded on Failed outcomes.
const (
	ReasonScoring    = "scoring"
	ReasonGeneration = "generation"
	ReasonApproval   = "approval"
	ReasonDelivery   = "delivery"
	ReasonShutdown   = "shutdown"
	ReasonPolicy     = "policy"
	ReasonStore      = "store"
)

// Outcome is set exactly once, when a record reaches a terminal status.
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Reason string      `json:"reason,omitempty"`
}

// Message is an inbound item as yielded by a Source. Never mutated.
type Message struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// Validate rejects messages whose id is empty or whose id or sender carry
// control characters. Both end up in outbound mail headers.
func (m Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidMessage)
	}
	if strings.ContainsFunc(m.ID, unicode.IsControl) {
		return fmt.Errorf("%w: id contains control characters", ErrInvalidMessage)
	}
	if strings.ContainsFunc(m.Sender, unicode.IsControl) {
		return fmt.Errorf("%w: sender contains control characters", ErrInvalidMessage)
	}
	return nil
}

// Transition is one audit entry in a record's history.
type Transition struct {
	At   time.Time `json:"at"`
	From Status    `json:"from,omitempty"`
	To   Status    `json:"to"`
	Note string    `json:"note,omitempty"`
}

// Record is the engine-owned state for one message id.
type Record struct {
	MessageID       string       `json:"message_id"`
	Message         Message      `json:"message"`
	Status          Status       `json:"status"`
	UrgencyScore    int          `json:"urgency_score,omitempty"`
	Route           Route        `json:"route,omitempty"`
	DraftText       string       `json:"draft_text,omitempty"`
	ApprovalHandle  string       `json:"approval_handle,omitempty"`
	Deadline        time.Time    `json:"deadline,omitzero"`
	ResponseText    string       `json:"response_text,omitempty"`
	DecidedBy       string       `json:"decided_by,omitempty"`
	Outcome         *Outcome     `json:"outcome,omitempty"`
	SendAttempts    int          `json:"send_attempts,omitempty"`
	SendAttemptedAt time.Time    `json:"send_attempted_at,omitzero"`
	SendConfirmedAt time.Time    `json:"send_confirmed_at,omitzero"`
	History         []Transition `json:"history"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	CompletedAt     time.Time    `json:"completed_at,omitzero"`
}

// transitions lists the legal successors of every non-terminal status.
// Failed is reachable from every non-terminal status.
var transitions = map[Status][]Status{
	StatusReceived:           {StatusScoring},
	StatusScoring:            {StatusRouted},
	StatusRouted:             {StatusAwaitingHumanInput, StatusDrafting},
	StatusDrafting:           {StatusAwaitingApproval},
	StatusAwaitingHumanInput: {StatusApproved, StatusTimedOut},
	StatusAwaitingApproval:   {StatusApproved, StatusRejected, StatusTimedOut},
	StatusApproved:           {StatusSending},
	StatusTimedOut:           {StatusSendingFallback},
	StatusSending:            {StatusSent},
	StatusSendingFallback:    {StatusFallbackSent},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NewRecord returns a record in StatusReceived for msg.
func NewRecord(msg Message, now time.Time) *Record {
	return &Record{
		MessageID: msg.ID,
		Message:   msg,
		Status:    StatusReceived,
		History:   []Transition{{At: now, To: StatusReceived}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy safe to hand outside the engine.
func (r *Record) Clone() *Record {
	cp := *r
	cp.History = append([]Transition(nil), r.History...)
	if r.Outcome != nil {
		o := *r.Outcome
		cp.Outcome = &o
	}
	return &cp
}

// transition moves the record to status to, appending history. Terminal
// targets set the outcome; note is the failure reason for StatusFailed.
func (r *Record) transition(now time.Time, to Status, note string) error {
	if !CanTransition(r.Status, to) {
		return &PolicyViolation{
			MessageID: r.MessageID,
			Rule:      fmt.Sprintf("illegal transition %s -> %s", r.Status, to),
		}
	}
	if to.Terminal() {
		if r.Outcome != nil {
			return &PolicyViolation{MessageID: r.MessageID, Rule: "outcome already set"}
		}
		r.Outcome = outcomeFor(to, note)
		r.CompletedAt = now
		r.ApprovalHandle = ""
		r.Deadline = time.Time{}
	}
	r.History = append(r.History, Transition{At: now, From: r.Status, To: to, Note: note})
	r.Status = to
	r.UpdatedAt = now
	return nil
}

func outcomeFor(s Status, reason string) *Outcome {
	switch s {
	case StatusSent:
		return &Outcome{Kind: OutcomeSent}
	case StatusFallbackSent:
		return &Outcome{Kind: OutcomeFallbackSent}
	case StatusRejected:
		return &Outcome{Kind: OutcomeRejected}
	default:
		return &Outcome{Kind: OutcomeFailed, Reason: reason}
	}
}

// setScore records the urgency score and derives the route. Both are set-once.
func (r *Record) setScore(score, threshold int) error {
	if r.UrgencyScore != 0 || r.Route != "" {
		return &PolicyViolation{MessageID: r.MessageID, Rule: "urgency score already set"}
	}
	r.UrgencyScore = score
	r.Route = RouteFor(score, threshold)
	return nil
}

func (r *Record) setDraft(text string) error {
	if r.DraftText != "" {
		return &PolicyViolation{MessageID: r.MessageID, Rule: "draft already set"}
	}
	r.DraftText = text
	return nil
}

// RouteFor maps a score to its branch; the boundary is inclusive on the urgent side.
func RouteFor(score, threshold int) Route {
	if score >= threshold {
		return RouteUrgent
	}
	return RouteStandard
}
