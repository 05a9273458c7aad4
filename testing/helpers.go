// Package testing provides test utilities for pipelinekit-based pipelines.
//
// It mirrors the core engine's Middleware contract with a configurable mock
// and assertion helpers, so tests exercising chains, combinators, and
// executors don't need to hand-write a new Middleware implementation for
// every call-count or delay/panic scenario.
//
// Example usage:
//
//	mock := testing.NewMockMiddleware("mock", pipelinekit.PriorityCustom)
//	mock.WithReturn("processed", nil)
//
//	chain, _ := pipelinekit.NewChainBuilder(handler).Add(mock).Build()
//	result, err := chain.Execute(ctx, cmd, pctx)
//
//	require.NoError(t, err)
//	testing.AssertCalled(t, mock, 1)
package testing

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pipelinekit/pipelinekit"
)

// MockCall records a single invocation of a MockMiddleware.
type MockCall struct {
	Input     pipelinekit.Command[pipelinekit.Result]
	Timestamp time.Time
}

// MockMiddleware is a configurable pipelinekit.Middleware for tests: it
// records every call, and can be configured to return a fixed result/error,
// delay before returning, panic, or call the next continuation instead of
// short-circuiting.
type MockMiddleware struct {
	name     pipelinekit.Name
	priority pipelinekit.Priority

	mu             sync.RWMutex
	returnVal      pipelinekit.Result
	returnErr      error
	delay          time.Duration
	panicMsg       string
	callNext       bool
	shortCircuitOK bool
	history        []MockCall
	maxHistory     int

	callCount int64
	lastInput pipelinekit.Command[pipelinekit.Result]
}

// NewMockMiddleware creates a mock at the given name/priority. By default it
// calls next and returns next's result unchanged - configure WithReturn to
// short-circuit instead.
func NewMockMiddleware(name pipelinekit.Name, priority pipelinekit.Priority) *MockMiddleware {
	return &MockMiddleware{
		name:       name,
		priority:   priority,
		callNext:   true,
		maxHistory: 100,
	}
}

// WithReturn configures the mock to short-circuit with a fixed result and
// error instead of calling next.
func (m *MockMiddleware) WithReturn(val pipelinekit.Result, err error) *MockMiddleware {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.returnVal = val
	m.returnErr = err
	m.callNext = false
	return m
}

// WithCallNext configures whether the mock delegates to next (true) or
// short-circuits with its configured return value (false).
func (m *MockMiddleware) WithCallNext(callNext bool) *MockMiddleware {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callNext = callNext
	return m
}

// WithDelay configures the mock to wait d, honoring context cancellation,
// before calling next or returning its configured result. A panic set with
// WithPanic is raised before the delay. Useful for exercising Timeout.
func (m *MockMiddleware) WithDelay(d time.Duration) *MockMiddleware {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithPanic configures the mock to panic with msg instead of returning,
// exercising the engine's recoverMiddlewarePanic path.
func (m *MockMiddleware) WithPanic(msg string) *MockMiddleware {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicMsg = msg
	return m
}

// WithShortCircuitAllowed implements pipelinekit.ShortCircuiter's opt-out
// when set, suppressing the Next-Guard's "next never called" diagnostic for
// a mock deliberately configured not to call next.
func (m *MockMiddleware) WithShortCircuitAllowed(allowed bool) *MockMiddleware {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shortCircuitOK = allowed
	return m
}

// WithHistorySize bounds how many calls are retained by CallHistory. 0
// disables history tracking.
func (m *MockMiddleware) WithHistorySize(size int) *MockMiddleware {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxHistory = size
	if size == 0 {
		m.history = nil
	} else if len(m.history) > size {
		m.history = m.history[len(m.history)-size:]
	}
	return m
}

// Priority implements pipelinekit.Middleware.
func (m *MockMiddleware) Priority() pipelinekit.Priority { return m.priority }

// Name implements pipelinekit.Middleware.
func (m *MockMiddleware) Name() pipelinekit.Name { return m.name }

// AllowsShortCircuit implements pipelinekit.ShortCircuiter.
func (m *MockMiddleware) AllowsShortCircuit() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shortCircuitOK
}

// Execute implements pipelinekit.Middleware.
func (m *MockMiddleware) Execute(ctx context.Context, cmd pipelinekit.Command[pipelinekit.Result], pctx *pipelinekit.Context, next pipelinekit.NextFunc) (pipelinekit.Result, error) {
	atomic.AddInt64(&m.callCount, 1)

	m.mu.Lock()
	m.lastInput = cmd
	if m.maxHistory > 0 {
		m.history = append(m.history, MockCall{Input: cmd, Timestamp: time.Now()})
		if len(m.history) > m.maxHistory {
			m.history = m.history[1:]
		}
	}
	delay := m.delay
	panicMsg := m.panicMsg
	callNext := m.callNext
	returnVal, returnErr := m.returnVal, m.returnErr
	m.mu.Unlock()

	if panicMsg != "" {
		panic(panicMsg)
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if callNext {
		return next(ctx, cmd, pctx)
	}
	return returnVal, returnErr
}

// CallCount returns the number of times Execute has been called.
func (m *MockMiddleware) CallCount() int {
	return int(atomic.LoadInt64(&m.callCount))
}

// LastInput returns the command from the most recent call.
func (m *MockMiddleware) LastInput() pipelinekit.Command[pipelinekit.Result] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastInput
}

// CallHistory returns a copy of the recorded calls.
func (m *MockMiddleware) CallHistory() []MockCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := make([]MockCall, len(m.history))
	copy(history, m.history)
	return history
}

// Reset clears all call tracking.
func (m *MockMiddleware) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	atomic.StoreInt64(&m.callCount, 0)
	m.lastInput = nil
	m.history = nil
}

// AssertCalled verifies that mock was called exactly n times.
func AssertCalled(t *testing.T, mock *MockMiddleware, n int) {
	t.Helper()
	if got := mock.CallCount(); got != n {
		t.Errorf("expected mock %q to be called %d times, got %d", mock.name, n, got)
	}
}

// AssertNotCalled verifies that mock was never called.
func AssertNotCalled(t *testing.T, mock *MockMiddleware) {
	t.Helper()
	AssertCalled(t, mock, 0)
}

// AssertCalledBetween verifies that mock was called between min and max
// times, inclusive.
func AssertCalledBetween(t *testing.T, mock *MockMiddleware, minCalls, maxCalls int) {
	t.Helper()
	if got := mock.CallCount(); got < minCalls || got > maxCalls {
		t.Errorf("expected mock %q to be called between %d and %d times, got %d", mock.name, minCalls, maxCalls, got)
	}
}

// WaitForCalls polls mock until it has been called at least n times or
// timeout elapses, returning whether the target was reached.
func WaitForCalls(mock *MockMiddleware, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if mock.CallCount() >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return mock.CallCount() >= n
}
