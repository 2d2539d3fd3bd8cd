package engine

import (
	"errors"
	"fmt"
	"time"
)

// FailureKind classifies why a Running task ended up Failed.
type FailureKind string

const (
	FailTimeout      FailureKind = "Timeout"
	FailSizeExceeded FailureKind = "SizeExceeded"
	FailEngine       FailureKind = "EngineFailure"
)

var (
	// ErrTaskNotFound is returned when an operation names an unknown task id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrEngineClosed is returned for operations on a shut-down engine.
	ErrEngineClosed = errors.New("engine is shut down")
)

// ValidationError rejects a malformed submission before it enters the queue.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid submission: " + e.Reason
}

// QuotaExceededError rejects a submission that would push the live set past
// the configured queue depth cap.
type QuotaExceededError struct {
	Live int
	Cap  int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("queue depth cap reached (%d/%d live tasks); retry after a task finishes", e.Live, e.Cap)
}

// RateLimitedError rejects a caller that exceeded its request rate within the
// sliding window.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded; retry after %s", e.RetryAfter.Round(time.Second))
}

// InvalidTransitionError reports an attempt to move a task out of a terminal
// state.
type InvalidTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.ID, e.From, e.To)
}
