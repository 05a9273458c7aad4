package pipelinekit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

func sleepingMiddleware(d time.Duration, result Result) Middleware {
	return MiddlewareFunc{
		PriorityValue: PriorityProcessing,
		NameValue:     "sleeper",
		Fn: func(ctx context.Context, _ Command[Result], _ *Context, _ NextFunc) (Result, error) {
			select {
			case <-time.After(d):
				return result, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

func TestNewTimeoutPanicsOnNonPositiveDuration(t *testing.T) {
	assert.Panics(t, func() {
		NewTimeout("t", PriorityProcessing, passThroughMiddleware("noop", PriorityCustom), 0)
	})
	assert.Panics(t, func() {
		NewTimeout("t", PriorityProcessing, passThroughMiddleware("noop", PriorityCustom), -time.Second)
	})
}

func TestTimeoutWrappedCompletesInTime(t *testing.T) {
	wrapped := sleepingMiddleware(5*time.Millisecond, "done")
	timeout := NewTimeout("t", PriorityProcessing, wrapped, 50*time.Millisecond)
	defer timeout.Close()

	result, err := timeout.Execute(context.Background(), stringCommand{value: "x"}, NewContext(NewMetadata()), dummyNext)
	require.NoError(t, err)
	assert.Equal(t, Result("done"), result)
}

// TestTimeoutFires exercises scenario S5: a wrapped middleware that sleeps
// longer than the configured duration produces a TimeoutError and the
// wrapped side observes cancellation via its context.
func TestTimeoutFires(t *testing.T) {
	wrappedSawCancel := make(chan struct{}, 1)
	wrapped := MiddlewareFunc{
		PriorityValue: PriorityProcessing,
		NameValue:     "sleeper",
		Fn: func(ctx context.Context, _ Command[Result], _ *Context, _ NextFunc) (Result, error) {
			select {
			case <-time.After(50 * time.Millisecond):
				return "too-late", nil
			case <-ctx.Done():
				wrappedSawCancel <- struct{}{}
				return nil, ctx.Err()
			}
		},
	}
	timeout := NewTimeout("t", PriorityProcessing, wrapped, 10*time.Millisecond)
	defer timeout.Close()

	start := time.Now()
	_, err := timeout.Execute(context.Background(), stringCommand{value: "x"}, NewContext(NewMetadata()), dummyNext)
	elapsed := time.Since(start)

	require.Error(t, err)
	var pipeErr *Error[Result]
	require.True(t, errors.As(err, &pipeErr))
	var timeoutErr *TimeoutError
	require.True(t, errors.As(pipeErr, &timeoutErr))
	assert.Equal(t, 10*time.Millisecond, timeoutErr.Duration)

	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
	assert.Less(t, elapsed, 100*time.Millisecond)

	select {
	case <-wrappedSawCancel:
	case <-time.After(time.Second):
		t.Fatal("wrapped middleware never observed cancellation")
	}
}

// TestTimeoutFiresWithFakeClock drives the same scenario deterministically
// via clockz's fake clock instead of real sleeps.
func TestTimeoutFiresWithFakeClock(t *testing.T) {
	clock := clockz.NewFakeClock()
	release := make(chan struct{})
	wrapped := MiddlewareFunc{
		PriorityValue: PriorityProcessing,
		NameValue:     "blocked",
		Fn: func(ctx context.Context, _ Command[Result], _ *Context, _ NextFunc) (Result, error) {
			select {
			case <-release:
				return "late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	timeout := NewTimeout("t", PriorityProcessing, wrapped, 10*time.Millisecond).WithClock(clock)
	defer timeout.Close()
	defer close(release)

	done := make(chan struct{})
	var err error
	go func() {
		_, err = timeout.Execute(context.Background(), stringCommand{value: "x"}, NewContext(NewMetadata()), dummyNext)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	clock.Advance(10 * time.Millisecond)
	clock.BlockUntilReady()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout did not fire")
	}

	require.Error(t, err)
	var pipeErr *Error[Result]
	require.True(t, errors.As(err, &pipeErr))
	var timeoutErr *TimeoutError
	assert.True(t, errors.As(pipeErr, &timeoutErr))
}

func TestTimeoutPropagatesOuterCancellation(t *testing.T) {
	wrapped := sleepingMiddleware(time.Hour, "never")
	timeout := NewTimeout("t", PriorityProcessing, wrapped, time.Hour)
	defer timeout.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var err error
	go func() {
		_, err = timeout.Execute(ctx, stringCommand{value: "x"}, NewContext(NewMetadata()), dummyNext)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout did not observe outer cancellation")
	}
	require.Error(t, err)
}

func TestTimeoutHooksFireOnTimeout(t *testing.T) {
	wrapped := sleepingMiddleware(50*time.Millisecond, "late")
	timeout := NewTimeout("t", PriorityProcessing, wrapped, 10*time.Millisecond)
	defer timeout.Close()

	received := make(chan TimeoutEvent, 1)
	require.NoError(t, timeout.OnTimeout(func(_ context.Context, e TimeoutEvent) error {
		received <- e
		return nil
	}))

	_, err := timeout.Execute(context.Background(), stringCommand{value: "x"}, NewContext(NewMetadata()), dummyNext)
	require.Error(t, err)

	select {
	case e := <-received:
		assert.True(t, e.TimedOut)
		assert.Equal(t, 10*time.Millisecond, e.Duration)
	case <-time.After(time.Second):
		t.Fatal("expected timeout event")
	}
}
