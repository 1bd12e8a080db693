package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateMessage is returned by Submit when the message id was already admitted.
	ErrDuplicateMessage = errors.New("duplicate message")

	// ErrInvalidMessage is returned by Submit for a missing id or sender, or
	// one carrying control characters.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrShutdown is returned by Submit once the engine has begun shutting down.
	ErrShutdown = errors.New("engine shutting down")
)

// TransientError wraps a collaborator failure that exhausted its retry budget.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PolicyViolation is an internal invariant breach. It is fatal to the record
// it names and to nothing else.
type PolicyViolation struct {
	MessageID string
	Rule      string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("policy violation for %s: %s", e.MessageID, e.Rule)
}

// IsPolicyViolation reports whether err is or wraps a PolicyViolation.
func IsPolicyViolation(err error) bool {
	var pv *PolicyViolation
	return errors.As(err, &pv)
}
