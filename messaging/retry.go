package messaging

import (
	"errors"
	"fmt"

	"github.com/glimte/mmate-mq/internal/reliability"
)

// DefaultRetryLimit is the number of redeliveries a failing message gets before it is dead-lettered
const DefaultRetryLimit = 2

// Outcome classifies the result of a handler callback
type Outcome int

const (
	// OutcomeSuccess acknowledges the message
	OutcomeSuccess Outcome = iota
	// OutcomeRecoverable requeues the message while the retry policy allows it
	OutcomeRecoverable
	// OutcomeTerminal dead-letters the message without retrying
	OutcomeTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRecoverable:
		return "recoverable"
	case OutcomeTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// TerminalError marks a failure that will never succeed on retry
type TerminalError struct {
	Err error
}

// Terminal marks err as not worth retrying, e.g. a validation failure
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

func (e *TerminalError) Error() string {
	return e.Err.Error()
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// IsRetryable implements the retryable classification of internal/reliability
func (e *TerminalError) IsRetryable() bool {
	return false
}

// OutcomeOf classifies a callback error
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var terminal *TerminalError
	if errors.As(err, &terminal) || !reliability.IsRetryableError(err) {
		return OutcomeTerminal
	}
	return OutcomeRecoverable
}

// RetryPolicy decides whether a failed message is requeued
type RetryPolicy interface {
	// ShouldRetry reports whether a message that failed after attempts
	// redeliveries gets another one
	ShouldRetry(attempts int, err error) bool

	// MaxRetries returns the retry ceiling
	MaxRetries() int
}

// SimpleRetryPolicy retries recoverable failures up to a fixed ceiling
type SimpleRetryPolicy struct {
	maxRetries int
}

// NewSimpleRetryPolicy creates a policy allowing maxRetries redeliveries
func NewSimpleRetryPolicy(maxRetries int) *SimpleRetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &SimpleRetryPolicy{maxRetries: maxRetries}
}

// ShouldRetry implements RetryPolicy
func (p *SimpleRetryPolicy) ShouldRetry(attempts int, err error) bool {
	return attempts < p.maxRetries && OutcomeOf(err) == OutcomeRecoverable
}

// MaxRetries implements RetryPolicy
func (p *SimpleRetryPolicy) MaxRetries() int {
	return p.maxRetries
}
