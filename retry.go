package pipelinekit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Metric keys for the Retry combinator.
const (
	RetryAttemptsTotal  = metricz.Key("retry.attempts.total")
	RetrySuccessesTotal = metricz.Key("retry.successes.total")
	RetryFailuresTotal  = metricz.Key("retry.failures.total")
	RetryAttemptCurrent = metricz.Key("retry.attempt.current")
)

// Span names and tags for the Retry combinator.
const (
	RetryProcessSpan = tracez.Key("retry.process")
	RetryAttemptSpan = tracez.Key("retry.attempt")

	RetryTagMiddleware   = tracez.Tag("retry.middleware")
	RetryTagMaxAttempts  = tracez.Tag("retry.max_attempts")
	RetryTagAttempt      = tracez.Tag("retry.attempt")
	RetryTagAttemptsUsed = tracez.Tag("retry.attempts_used")
	RetryTagSuccess      = tracez.Tag("retry.success")
	RetryTagExhausted    = tracez.Tag("retry.exhausted")
	RetryTagError        = tracez.Tag("retry.error")
	RetryTagCanceled     = tracez.Tag("retry.canceled")
	RetryTagDelay        = tracez.Tag("retry.delay")

	RetryEventAttempt   = hookz.Key("retry.attempt")
	RetryEventSuccess   = hookz.Key("retry.success")
	RetryEventExhausted = hookz.Key("retry.exhausted")
)

// RetryEvent is emitted via hookz for each attempt and for the final outcome
// of a Retry middleware's invocation.
type RetryEvent struct {
	Middleware    Name
	AttemptNumber int
	MaxAttempts   int
	Success       bool
	Error         error
	Delay         time.Duration
	Duration      time.Duration
	TotalDuration time.Duration
	Timestamp     time.Time
}

// DelayStrategy computes the wait before the next attempt, given the
// zero-based attempt index just completed.
type DelayStrategy func(attempt int) time.Duration

// NoDelay never waits between attempts.
func NoDelay() DelayStrategy {
	return func(int) time.Duration { return 0 }
}

// FixedDelay waits the same duration before every attempt.
func FixedDelay(d time.Duration) DelayStrategy {
	return func(int) time.Duration { return d }
}

// ExponentialDelay computes min(base * multiplier^attempt, cap), attempt
// numbered from 0 for the first retry delay.
func ExponentialDelay(base time.Duration, multiplier float64, cap time.Duration) DelayStrategy {
	return func(attempt int) time.Duration {
		d := float64(base)
		for i := 0; i < attempt; i++ {
			d *= multiplier
		}
		delay := time.Duration(d)
		if delay > cap {
			return cap
		}
		return delay
	}
}

// LinearDelay computes min(increment * (attempt+1), cap), attempt numbered
// from 0 for the first retry delay.
func LinearDelay(increment, cap time.Duration) DelayStrategy {
	return func(attempt int) time.Duration {
		delay := increment * time.Duration(attempt+1)
		if delay > cap {
			return cap
		}
		return delay
	}
}

// CustomDelay adapts an arbitrary function of the zero-based attempt number
// to a DelayStrategy.
func CustomDelay(fn func(attempt int) time.Duration) DelayStrategy {
	return fn
}

// ShouldRetryFunc decides whether a failed attempt is worth retrying. The
// default, AlwaysRetry, retries every error until the attempt budget is
// exhausted.
type ShouldRetryFunc func(err error) bool

// AlwaysRetry is the default ShouldRetryFunc: every error is retryable.
func AlwaysRetry(error) bool { return true }

// Retry wraps a Middleware, re-invoking it up to maxAttempts times on
// failure, so long as ShouldRetry approves each failure. Each attempt uses
// the same Command, Context and next; context cancellation is checked before
// sleeping and before each attempt so a canceled execution never retries
// further. Inside a Chain, next is one-shot: once an attempt has called it,
// a later attempt's call to next returns NextAlreadyCalledError instead of
// running the remainder of the chain again.
type Retry struct {
	name        Name
	priority    Priority
	wrapped     Middleware
	maxAttempts int
	delay       DelayStrategy
	shouldRetry ShouldRetryFunc
	clock       clockz.Clock
	mu          sync.RWMutex

	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[RetryEvent]
}

// NewRetry creates a Retry combinator around wrapped, at the given priority,
// retrying up to maxAttempts times with no delay between attempts and no
// ShouldRetry filter (every error is retried). Use WithDelay and
// WithShouldRetry to customize either.
func NewRetry(name Name, priority Priority, wrapped Middleware, maxAttempts int) *Retry {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	registry := metricz.New()
	registry.Counter(RetryAttemptsTotal)
	registry.Counter(RetrySuccessesTotal)
	registry.Counter(RetryFailuresTotal)
	registry.Gauge(RetryAttemptCurrent)

	return &Retry{
		name:        name,
		priority:    priority,
		wrapped:     wrapped,
		maxAttempts: maxAttempts,
		delay:       NoDelay(),
		shouldRetry: AlwaysRetry,
		metrics:     registry,
		tracer:      tracez.New(),
		hooks:       hookz.New[RetryEvent](),
	}
}

// WithDelay installs a DelayStrategy between attempts. Returns the same
// instance for chaining.
func (r *Retry) WithDelay(strategy DelayStrategy) *Retry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay = strategy
	return r
}

// WithShouldRetry installs a predicate deciding whether a given failure is
// retryable. Returns the same instance for chaining.
func (r *Retry) WithShouldRetry(fn ShouldRetryFunc) *Retry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shouldRetry = fn
	return r
}

// WithClock overrides the clock used for delay sleeps, primarily for tests.
func (r *Retry) WithClock(clock clockz.Clock) *Retry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
	return r
}

func (r *Retry) getClock() clockz.Clock {
	if r.clock != nil {
		return r.clock
	}
	return clockz.RealClock
}

// Priority implements Middleware.
func (r *Retry) Priority() Priority { return r.priority }

// Name implements Middleware.
func (r *Retry) Name() Name { return r.name }

// Execute implements Middleware.
func (r *Retry) Execute(ctx context.Context, cmd Command[Result], pctx *Context, next NextFunc) (result Result, err error) {
	defer recoverMiddlewarePanic(&result, &err, r.name, Result(cmd))

	r.mu.RLock()
	maxAttempts := r.maxAttempts
	delay := r.delay
	shouldRetry := r.shouldRetry
	clock := r.getClock()
	r.mu.RUnlock()

	ctx, span := r.tracer.StartSpan(ctx, RetryProcessSpan)
	defer span.Finish()
	span.SetTag(RetryTagMiddleware, string(r.name))
	span.SetTag(RetryTagMaxAttempts, fmt.Sprintf("%d", maxAttempts))

	totalStart := time.Now()
	var lastErr error
	var lastResult Result
	attemptsUsed := 0

	for i := 0; i < maxAttempts; i++ {
		attemptNum := i + 1
		attemptsUsed = attemptNum

		if ctx.Err() != nil {
			span.SetTag(RetryTagCanceled, "true")
			return lastResult, newError(r.name, Result(cmd), ctx.Err(), totalStart)
		}

		if i > 0 {
			d := delay(i - 1)
			if d > 0 {
				select {
				case <-clock.After(d):
				case <-ctx.Done():
					return lastResult, newError(r.name, Result(cmd), ctx.Err(), totalStart)
				}
			}
		}

		r.metrics.Gauge(RetryAttemptCurrent).Set(float64(attemptNum))
		attemptCtx, attemptSpan := r.tracer.StartSpan(ctx, RetryAttemptSpan)
		attemptSpan.SetTag(RetryTagAttempt, fmt.Sprintf("%d", attemptNum))
		r.metrics.Counter(RetryAttemptsTotal).Inc()

		attemptStart := time.Now()
		attemptResult, attemptErr := r.wrapped.Execute(attemptCtx, cmd, pctx, next)
		attemptDuration := time.Since(attemptStart)

		if r.hooks.ListenerCount(RetryEventAttempt) > 0 {
			_ = r.hooks.Emit(ctx, RetryEventAttempt, RetryEvent{ //nolint:errcheck
				Middleware:    r.name,
				AttemptNumber: attemptNum,
				MaxAttempts:   maxAttempts,
				Success:       attemptErr == nil,
				Error:         attemptErr,
				Duration:      attemptDuration,
				Timestamp:     clock.Now(),
			})
		}

		if attemptErr == nil {
			attemptSpan.SetTag(RetryTagSuccess, "true")
			attemptSpan.Finish()
			span.SetTag(RetryTagSuccess, "true")
			span.SetTag(RetryTagAttemptsUsed, fmt.Sprintf("%d", attemptNum))
			r.metrics.Counter(RetrySuccessesTotal).Inc()
			r.metrics.Gauge(RetryAttemptCurrent).Set(0)

			if r.hooks.ListenerCount(RetryEventSuccess) > 0 {
				_ = r.hooks.Emit(ctx, RetryEventSuccess, RetryEvent{ //nolint:errcheck
					Middleware:    r.name,
					AttemptNumber: attemptNum,
					MaxAttempts:   maxAttempts,
					Success:       true,
					TotalDuration: time.Since(totalStart),
					Timestamp:     clock.Now(),
				})
			}
			return attemptResult, nil
		}

		attemptSpan.SetTag(RetryTagSuccess, "false")
		attemptSpan.SetTag(RetryTagError, attemptErr.Error())
		attemptSpan.Finish()

		lastErr = attemptErr
		lastResult = attemptResult

		if !shouldRetry(attemptErr) {
			break
		}
	}

	span.SetTag(RetryTagSuccess, "false")
	span.SetTag(RetryTagExhausted, "true")
	span.SetTag(RetryTagAttemptsUsed, fmt.Sprintf("%d", attemptsUsed))
	r.metrics.Counter(RetryFailuresTotal).Inc()
	r.metrics.Gauge(RetryAttemptCurrent).Set(0)

	if r.hooks.ListenerCount(RetryEventExhausted) > 0 {
		_ = r.hooks.Emit(ctx, RetryEventExhausted, RetryEvent{ //nolint:errcheck
			Middleware:    r.name,
			AttemptNumber: attemptsUsed,
			MaxAttempts:   maxAttempts,
			Success:       false,
			Error:         lastErr,
			TotalDuration: time.Since(totalStart),
			Timestamp:     clock.Now(),
		})
	}

	return lastResult, newError(r.name, Result(cmd), &RetryExhaustedError{Attempts: attemptsUsed, LastError: lastErr}, totalStart)
}

// Metrics returns this combinator's metrics registry.
func (r *Retry) Metrics() *metricz.Registry { return r.metrics }

// Tracer returns this combinator's tracer.
func (r *Retry) Tracer() *tracez.Tracer { return r.tracer }

// Close releases observability resources.
func (r *Retry) Close() error {
	r.tracer.Close()
	r.hooks.Close()
	return nil
}

// OnAttempt registers a handler invoked after every attempt.
func (r *Retry) OnAttempt(handler func(context.Context, RetryEvent) error) error {
	_, err := r.hooks.Hook(RetryEventAttempt, handler)
	return err
}

// OnSuccess registers a handler invoked when an attempt succeeds.
func (r *Retry) OnSuccess(handler func(context.Context, RetryEvent) error) error {
	_, err := r.hooks.Hook(RetryEventSuccess, handler)
	return err
}

// OnExhausted registers a handler invoked when all attempts fail.
func (r *Retry) OnExhausted(handler func(context.Context, RetryEvent) error) error {
	_, err := r.hooks.Hook(RetryEventExhausted, handler)
	return err
}
