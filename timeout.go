package pipelinekit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for the Timeout combinator.
const (
	TimeoutProcessedTotal = metricz.Key("timeout.processed.total")
	TimeoutSuccessesTotal = metricz.Key("timeout.successes.total")
	TimeoutTimeoutsTotal  = metricz.Key("timeout.timeouts.total")
	TimeoutCancellations  = metricz.Key("timeout.cancellations.total")
	TimeoutDurationMs     = metricz.Key("timeout.duration.ms")

	TimeoutProcessSpan = tracez.Key("timeout.process")

	TimeoutTagDuration = tracez.Tag("timeout.duration")
	TimeoutTagSuccess  = tracez.Tag("timeout.success")
	TimeoutTagError    = tracez.Tag("timeout.error")
	TimeoutTagTimedOut = tracez.Tag("timeout.timed_out")
	TimeoutTagCanceled = tracez.Tag("timeout.canceled")
	TimeoutTagElapsed  = tracez.Tag("timeout.elapsed")

	TimeoutEventTimeout     = hookz.Key("timeout.timeout")
	TimeoutEventNearTimeout = hookz.Key("timeout.near_timeout")
)

// TimeoutEvent is emitted via hookz when a Timeout combinator's wrapped
// middleware times out or comes close to it.
type TimeoutEvent struct {
	Middleware  Name
	Duration    time.Duration
	Elapsed     time.Duration
	TimedOut    bool
	NearTimeout bool
	PercentUsed float64
	Error       error
	Timestamp   time.Time
}

// TimeoutError reports that a Timeout combinator's duration elapsed before
// its wrapped middleware finished.
type TimeoutError struct {
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return "timed out after " + e.Duration.String()
}

// Timeout races a wrapped Middleware against a duration. If the wrapped
// middleware (and its downstream next chain) doesn't finish in time, the
// race's losing goroutine is abandoned - its own context is canceled so it
// observes cancellation at its next suspension point and unwinds its own
// next chain - and Execute returns a TimeoutError without ever canceling the
// caller's ctx.
//
// The wrapped middleware runs against the caller's *Context itself, not a
// fork: values it sets before the timeout stay set after Execute returns.
//
// The wrapped side is expected to be cooperative: an operation that ignores
// ctx.Done() keeps running in the background after Timeout has already
// returned to its caller.
type Timeout struct {
	name     Name
	priority Priority
	wrapped  Middleware
	duration time.Duration
	clock    clockz.Clock
	mu       sync.RWMutex

	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[TimeoutEvent]
}

// NewTimeout creates a Timeout combinator around wrapped, enforcing
// duration. duration must be positive; NewTimeout panics otherwise, matching
// the builder-time validation the spec requires for a misconfigured
// combinator (d <= 0 is rejected at construction, not at Execute time).
func NewTimeout(name Name, priority Priority, wrapped Middleware, duration time.Duration) *Timeout {
	if duration <= 0 {
		panic("pipelinekit: Timeout duration must be positive")
	}
	metrics := metricz.New()
	metrics.Counter(TimeoutProcessedTotal)
	metrics.Counter(TimeoutSuccessesTotal)
	metrics.Counter(TimeoutTimeoutsTotal)
	metrics.Counter(TimeoutCancellations)
	metrics.Gauge(TimeoutDurationMs)

	return &Timeout{
		name:     name,
		priority: priority,
		wrapped:  wrapped,
		duration: duration,
		metrics:  metrics,
		tracer:   tracez.New(),
		hooks:    hookz.New[TimeoutEvent](),
	}
}

// Priority implements Middleware.
func (t *Timeout) Priority() Priority { return t.priority }

// Name implements Middleware.
func (t *Timeout) Name() Name { return t.name }

// WithClock overrides the clock used for the race's timer, primarily for
// tests.
func (t *Timeout) WithClock(clock clockz.Clock) *Timeout {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clock = clock
	return t
}

func (t *Timeout) getClock() clockz.Clock {
	if t.clock != nil {
		return t.clock
	}
	return clockz.RealClock
}

// Execute implements Middleware.
func (t *Timeout) Execute(ctx context.Context, cmd Command[Result], pctx *Context, next NextFunc) (result Result, err error) {
	defer recoverMiddlewarePanic(&result, &err, t.name, Result(cmd))

	t.mu.RLock()
	duration := t.duration
	clock := t.getClock()
	t.mu.RUnlock()

	t.metrics.Counter(TimeoutProcessedTotal).Inc()
	start := time.Now()

	raceCtx, span := t.tracer.StartSpan(ctx, TimeoutProcessSpan)
	span.SetTag(TimeoutTagDuration, duration.String())
	defer func() {
		elapsed := time.Since(start)
		t.metrics.Gauge(TimeoutDurationMs).Set(float64(elapsed.Milliseconds()))
		span.SetTag(TimeoutTagElapsed, elapsed.String())
		span.Finish()
	}()

	raceCtx, cancel := clock.WithTimeout(raceCtx, duration)
	defer cancel()

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				panicErr := &Error[Result]{
					Path:      []Name{t.name},
					InputData: Result(cmd),
					Err:       &panicError{processorName: t.name, sanitized: sanitizePanicMessage(r)},
					Timestamp: time.Now(),
				}
				select {
				case done <- outcome{err: panicErr}:
				case <-raceCtx.Done():
				}
			}
		}()
		res, werr := t.wrapped.Execute(raceCtx, cmd, pctx, next)
		select {
		case done <- outcome{result: res, err: werr}:
		case <-raceCtx.Done():
		}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			span.SetTag(TimeoutTagSuccess, "false")
			span.SetTag(TimeoutTagError, out.err.Error())

			var pipeErr *Error[Result]
			if errors.As(out.err, &pipeErr) {
				if pipeErr.Canceled {
					t.metrics.Counter(TimeoutCancellations).Inc()
					span.SetTag(TimeoutTagCanceled, "true")
				}
				pipeErr.Path = append([]Name{t.name}, pipeErr.Path...)
				return out.result, pipeErr
			}
			return out.result, newError(t.name, Result(cmd), out.err, start)
		}

		span.SetTag(TimeoutTagSuccess, "true")
		t.metrics.Counter(TimeoutSuccessesTotal).Inc()

		elapsed := time.Since(start)
		percentUsed := float64(elapsed) / float64(duration) * 100
		if percentUsed > 80 && t.hooks.ListenerCount(TimeoutEventNearTimeout) > 0 {
			_ = t.hooks.Emit(ctx, TimeoutEventNearTimeout, TimeoutEvent{ //nolint:errcheck
				Middleware:  t.name,
				Duration:    duration,
				Elapsed:     elapsed,
				NearTimeout: true,
				PercentUsed: percentUsed,
				Timestamp:   clock.Now(),
			})
		}
		return out.result, nil

	case <-raceCtx.Done():
		elapsed := time.Since(start)
		if errors.Is(raceCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			span.SetTag(TimeoutTagSuccess, "false")
			span.SetTag(TimeoutTagTimedOut, "true")
			t.metrics.Counter(TimeoutTimeoutsTotal).Inc()

			if t.hooks.ListenerCount(TimeoutEventTimeout) > 0 {
				_ = t.hooks.Emit(ctx, TimeoutEventTimeout, TimeoutEvent{ //nolint:errcheck
					Middleware:  t.name,
					Duration:    duration,
					Elapsed:     elapsed,
					TimedOut:    true,
					PercentUsed: 100.0,
					Error:       raceCtx.Err(),
					Timestamp:   clock.Now(),
				})
			}
			return nil, newError(t.name, Result(cmd), &TimeoutError{Duration: duration}, start)
		}

		span.SetTag(TimeoutTagSuccess, "false")
		span.SetTag(TimeoutTagCanceled, "true")
		t.metrics.Counter(TimeoutCancellations).Inc()
		return nil, newError(t.name, Result(cmd), ctx.Err(), start)
	}
}

// Metrics returns this combinator's metrics registry.
func (t *Timeout) Metrics() *metricz.Registry { return t.metrics }

// Tracer returns this combinator's tracer.
func (t *Timeout) Tracer() *tracez.Tracer { return t.tracer }

// Close releases observability resources.
func (t *Timeout) Close() error {
	t.tracer.Close()
	t.hooks.Close()
	return nil
}

// OnTimeout registers a handler invoked when the wrapped middleware times
// out.
func (t *Timeout) OnTimeout(handler func(context.Context, TimeoutEvent) error) error {
	_, err := t.hooks.Hook(TimeoutEventTimeout, handler)
	return err
}

// OnNearTimeout registers a handler invoked when the wrapped middleware
// completes but used more than 80% of the allotted duration.
func (t *Timeout) OnNearTimeout(handler func(context.Context, TimeoutEvent) error) error {
	_, err := t.hooks.Hook(TimeoutEventNearTimeout, handler)
	return err
}
