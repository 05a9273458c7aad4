package pipelinekit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error provides rich context about a pipeline execution failure. It wraps
// the underlying error with information about where and when the failure
// occurred, what data was being processed, and the complete path through
// the middleware chain that produced it.
type Error[T any] struct {
	Timestamp time.Time
	InputData T
	Err       error
	Path      []Name
	Duration  time.Duration
	Timeout   bool
	Canceled  bool
}

// Error implements the error interface.
func (e *Error[T]) Error() string {
	if e == nil {
		return "<nil>"
	}
	path := strings.Join(e.Path, " -> ")
	if path == "" {
		path = "unknown"
	}
	if e.Timeout {
		return fmt.Sprintf("%s timed out after %v: %v", path, e.Duration, e.Err)
	}
	if e.Canceled {
		return fmt.Sprintf("%s canceled after %v: %v", path, e.Duration, e.Err)
	}
	return fmt.Sprintf("%s failed after %v: %v", path, e.Duration, e.Err)
}

// Unwrap supports errors.Is/errors.As against the underlying error.
func (e *Error[T]) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTimeout reports whether the failure was caused by a timeout, either the
// Timeout combinator or a context deadline.
func (e *Error[T]) IsTimeout() bool {
	if e == nil {
		return false
	}
	return e.Timeout || errors.Is(e.Err, context.DeadlineExceeded)
}

// IsCanceled reports whether the failure was caused by cancellation.
func (e *Error[T]) IsCanceled() bool {
	if e == nil {
		return false
	}
	return e.Canceled || errors.Is(e.Err, context.Canceled)
}

// newError builds an *Error[T] for a freshly observed failure at the given
// path element, preserving timeout/cancellation classification.
func newError[T any](name Name, input T, err error, start time.Time) *Error[T] {
	var pipeErr *Error[T]
	if errors.As(err, &pipeErr) {
		pipeErr.Path = append([]Name{name}, pipeErr.Path...)
		return pipeErr
	}
	return &Error[T]{
		Timestamp: time.Now(),
		InputData: input,
		Err:       err,
		Path:      []Name{name},
		Duration:  time.Since(start),
		Timeout:   errors.Is(err, context.DeadlineExceeded) || errors.As(err, new(*TimeoutError)),
		Canceled:  errors.Is(err, context.Canceled),
	}
}

// NextAlreadyCalledError is returned when a middleware invokes its next
// continuation more than once, or concurrently, for the same execution.
type NextAlreadyCalledError struct {
	Middleware Name
}

func (e *NextAlreadyCalledError) Error() string {
	return fmt.Sprintf("%s: next already called", e.Middleware)
}

// ErrNextNeverCalled names the debug-only "next was never called" condition.
// The engine never returns or emits this value: NextGuard.Finalize reports
// the condition as a "next.never_called" event through the Context's
// EventEmitter instead.
var ErrNextNeverCalled = errors.New("next was never called")

// MaxDepthExceededError is returned by ChainBuilder.Build when the
// assembled chain would exceed the configured maximum depth.
type MaxDepthExceededError struct {
	Depth    int
	MaxDepth int
}

func (e *MaxDepthExceededError) Error() string {
	return fmt.Sprintf("chain depth %d exceeds maximum %d", e.Depth, e.MaxDepth)
}

// ErrInvalidCommandType is returned by the type-erased executor façade when
// a chain specialized to one command type receives another.
var ErrInvalidCommandType = errors.New("invalid command type for this chain")

// ChildFailure records one fanned-out child's failure in a Parallel
// combinator using the pre-validation strategy.
type ChildFailure struct {
	ChildName Name
	Err       error
}

// ParallelExecutionFailedError aggregates failures from a Parallel
// combinator's fanned-out children.
type ParallelExecutionFailedError struct {
	Failures []ChildFailure
	First    error
}

func (e *ParallelExecutionFailedError) Error() string {
	return fmt.Sprintf("parallel execution failed: %d/%d children failed: %v",
		len(e.Failures), len(e.Failures), e.First)
}

func (e *ParallelExecutionFailedError) Unwrap() error {
	return e.First
}

// RetryExhaustedError is returned when a Retry combinator consumes its
// entire attempt budget without success.
type RetryExhaustedError struct {
	Attempts  int
	LastError error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.LastError)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.LastError
}

// BackPressureReason enumerates why a BackPressureError occurred.
type BackPressureReason struct {
	Kind      string // "queue_full", "timeout", "dropped", "memory_pressure"
	Current   int
	Limit     int
	Duration  time.Duration
	DropCause string
}

// BackPressureError represents a resource-exhaustion style failure; the
// core ships the type so collaborators (external rate limiters, queues)
// have a common structured error to raise.
type BackPressureError struct {
	Reason BackPressureReason
}

func (e *BackPressureError) Error() string {
	switch e.Reason.Kind {
	case "queue_full":
		return fmt.Sprintf("back pressure: queue full (%d/%d)", e.Reason.Current, e.Reason.Limit)
	case "timeout":
		return fmt.Sprintf("back pressure: timeout after %v", e.Reason.Duration)
	case "dropped":
		return fmt.Sprintf("back pressure: dropped (%s)", e.Reason.DropCause)
	case "memory_pressure":
		return "back pressure: memory pressure"
	default:
		return "back pressure"
	}
}

// ResilienceReason enumerates why a ResilienceError occurred.
type ResilienceReason struct {
	Kind        string // "circuit_breaker_open", "bulkhead_full", "fallback_failed", "timeout_exceeded"
	FallbackMsg string
}

// ResilienceError represents a resilience-wrapper failure (circuit
// breaker, bulkhead); the core ships the type for external resilience
// collaborators to raise.
type ResilienceError struct {
	Reason ResilienceReason
}

func (e *ResilienceError) Error() string {
	switch e.Reason.Kind {
	case "circuit_breaker_open":
		return "resilience: circuit breaker open"
	case "bulkhead_full":
		return "resilience: bulkhead full"
	case "fallback_failed":
		return fmt.Sprintf("resilience: fallback failed: %s", e.Reason.FallbackMsg)
	case "timeout_exceeded":
		return "resilience: timeout exceeded"
	default:
		return "resilience error"
	}
}

// ExecutionFailedError is the generic propagated-failure kind, carrying
// optional error context fields for debugging.
type ExecutionFailedError struct {
	Message        string
	CommandType    string
	MiddlewareType string
	CorrelationID  *string
	UserID         *string
}

func (e *ExecutionFailedError) Error() string {
	return fmt.Sprintf("execution failed: %s", e.Message)
}

// panicError wraps a recovered panic value so it can travel through the
// normal *Error[T] plumbing instead of crashing the executor.
type panicError struct {
	processorName Name
	sanitized     string
}

func (p *panicError) Error() string {
	return fmt.Sprintf("%s panicked: %s", p.processorName, p.sanitized)
}

// sanitizePanicMessage renders a recovered panic value as a short string,
// avoiding panics-within-panics from exotic recovered values.
func sanitizePanicMessage(r any) string {
	switch v := r.(type) {
	case error:
		return v.Error()
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// recoverMiddlewarePanic converts a recovered panic into an *Error[T]
// wrapping a panicError, to be called from a deferred
// recover() at every middleware/handler boundary the engine owns.
//
// The teacher library's connectors (timeout.go, retry.go, concurrent.go,
// race.go, ...) all call a recoverFromPanic(&result, &err, name, input)
// helper that is never defined anywhere in the retrieved source — an
// artifact of the overlapping/partial variants spec.md's Open Questions
// describe. This is the concrete implementation that pattern assumed.
func recoverMiddlewarePanic[T any](result *T, err *error, name Name, input T) {
	if r := recover(); r != nil {
		*err = &Error[T]{
			Path:      []Name{name},
			InputData: input,
			Err:       &panicError{processorName: name, sanitized: sanitizePanicMessage(r)},
			Timestamp: time.Now(),
		}
	}
}
