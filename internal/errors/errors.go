// Package errors provides centralized error definitions and error handling
// utilities for the TreLLM codebase. It defines the dispatch error taxonomy,
// typed errors carrying collaborator context, and classification helpers.
//
// # Error Taxonomy
//
// Sentinel errors describe the failure class a caller reacts to:
//   - ErrSourceUnavailable: the task tracker could not be reached (transient)
//   - ErrRateLimited: an upstream throttled us (delay, then retry)
//   - ErrContextOverflow: the agent's context is too large (compact and retry)
//   - ErrTimeout: an agent invocation exceeded its deadline
//   - ErrAgentFailure: the agent exited non-zero for any other reason
//   - ErrStateCorrupt: the persisted state document could not be decoded
//
// Typed errors wrap the sentinels and carry context:
//
//	var rle *errors.RateLimitError
//	if errors.As(err, &rle) {
//		delay := ctrl.Delay(attempt, rle.Reset)
//	}
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrSourceUnavailable) { ... }
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

var (
	// ErrSourceUnavailable indicates the task tracker could not be reached
	// or answered with a server error. Retry next cycle.
	ErrSourceUnavailable = New("task source unavailable")
	// ErrRateLimited indicates an upstream throttled the request.
	ErrRateLimited = New("rate limited")
	// ErrContextOverflow indicates the agent's conversation context exceeds
	// its limit. One compaction-then-retry cycle is warranted.
	ErrContextOverflow = New("agent context too large")
	// ErrTimeout indicates an agent invocation exceeded its deadline.
	ErrTimeout = New("invocation timed out")
	// ErrAgentFailure indicates the agent subprocess failed for a reason
	// other than overflow, throttling or timeout.
	ErrAgentFailure = New("agent invocation failed")
	// ErrStateCorrupt indicates the persisted state document was unreadable.
	ErrStateCorrupt = New("state file corrupt")
	// ErrCardNotFound indicates a card lookup returned no match.
	ErrCardNotFound = New("card not found")
)

// -----------------------------------------------------------------------------
// Typed Errors
// -----------------------------------------------------------------------------

// TrackerError represents a failed call against the task tracker API.
type TrackerError struct {
	Op         string // e.g. "list cards", "add comment"
	StatusCode int    // HTTP status, 0 for transport failures
	cause      error
}

// NewTrackerError creates a TrackerError wrapping ErrSourceUnavailable.
func NewTrackerError(op string, statusCode int, cause error) *TrackerError {
	return &TrackerError{Op: op, StatusCode: statusCode, cause: cause}
}

func (e *TrackerError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("tracker: %s: status %d", e.Op, e.StatusCode)
	}
	if e.cause != nil {
		return fmt.Sprintf("tracker: %s: %v", e.Op, e.cause)
	}
	return fmt.Sprintf("tracker: %s failed", e.Op)
}

func (e *TrackerError) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return ErrSourceUnavailable
}

// Is reports whether this error matches the target error.
func (e *TrackerError) Is(target error) bool {
	if target == ErrSourceUnavailable {
		return true
	}
	return e.cause != nil && errors.Is(e.cause, target)
}

// RateLimitError indicates an upstream throttled the request. Reset, when
// positive, is the upstream's own hint for when capacity returns.
type RateLimitError struct {
	Source string        // "tracker" or "agent"
	Reset  time.Duration // 0 when the upstream gave no hint
}

func (e *RateLimitError) Error() string {
	if e.Reset > 0 {
		return fmt.Sprintf("%s rate limited, resets in %s", e.Source, e.Reset)
	}
	return fmt.Sprintf("%s rate limited", e.Source)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// ContextOverflowError indicates the agent rejected the invocation because
// the conversation context is too large. Tokens and Maximum are zero when the
// agent reported only the short form of the error.
type ContextOverflowError struct {
	Tokens  int
	Maximum int
}

func (e *ContextOverflowError) Error() string {
	if e.Tokens > 0 {
		return fmt.Sprintf("prompt too long: %d tokens > %d maximum", e.Tokens, e.Maximum)
	}
	return "prompt too long"
}

func (e *ContextOverflowError) Unwrap() error { return ErrContextOverflow }

// TimeoutError indicates the agent subprocess was killed after exceeding its
// deadline.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent timed out after %s", e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// AgentError indicates the agent subprocess exited non-zero for a reason
// outside the recoverable classes. Stderr is truncated by the caller.
type AgentError struct {
	ExitCode int
	Stderr   string
}

func (e *AgentError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("agent exited with code %d: %s", e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("agent exited with code %d", e.ExitCode)
}

func (e *AgentError) Unwrap() error { return ErrAgentFailure }

// -----------------------------------------------------------------------------
// Classification
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error is transient and the same operation
// may succeed on a later attempt without any corrective action.
func IsRetryable(err error) bool {
	return Is(err, ErrSourceUnavailable) || Is(err, ErrRateLimited)
}

// IsPerTask returns true for errors that fail a single task but must never
// abort the dispatch cycle.
func IsPerTask(err error) bool {
	return Is(err, ErrTimeout) || Is(err, ErrAgentFailure) || Is(err, ErrContextOverflow)
}
