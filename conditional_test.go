package pipelinekit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionalRunsWrappedWhenTrue(t *testing.T) {
	wrapped := MiddlewareFunc{
		PriorityValue: PriorityProcessing,
		NameValue:     "wrapped",
		Fn: func(ctx context.Context, cmd Command[Result], pctx *Context, next NextFunc) (Result, error) {
			return "wrapped-ran", nil
		},
	}
	cond := NewConditional("cond", func(context.Context, Command[Result], *Context) bool { return true }, wrapped)
	defer cond.Close()

	result, err := cond.Execute(context.Background(), stringCommand{value: "x"}, NewContext(NewMetadata()), dummyNext)
	require.NoError(t, err)
	assert.Equal(t, Result("wrapped-ran"), result)
}

func TestConditionalSkipsWrappedWhenFalse(t *testing.T) {
	called := false
	wrapped := MiddlewareFunc{
		PriorityValue: PriorityProcessing,
		NameValue:     "wrapped",
		Fn: func(ctx context.Context, cmd Command[Result], pctx *Context, next NextFunc) (Result, error) {
			called = true
			return next(ctx, cmd, pctx)
		},
	}
	cond := NewConditional("cond", func(context.Context, Command[Result], *Context) bool { return false }, wrapped)
	defer cond.Close()

	result, err := cond.Execute(context.Background(), stringCommand{value: "x"}, NewContext(NewMetadata()), dummyNext)
	require.NoError(t, err)
	assert.Equal(t, "downstream", result)
	assert.False(t, called)
}

func TestConditionalPriorityDefaultsToWrapped(t *testing.T) {
	wrapped := passThroughMiddleware("wrapped", PriorityAuthentication)
	cond := NewConditional("cond", func(context.Context, Command[Result], *Context) bool { return true }, wrapped)
	defer cond.Close()

	assert.Equal(t, PriorityAuthentication, cond.Priority())

	cond.WithPriority(PriorityCustom)
	assert.Equal(t, PriorityCustom, cond.Priority())
}

func TestConditionalAllowsShortCircuitIsFalse(t *testing.T) {
	wrapped := passThroughMiddleware("wrapped", PriorityCustom)
	cond := NewConditional("cond", func(context.Context, Command[Result], *Context) bool { return true }, wrapped)
	defer cond.Close()

	assert.False(t, cond.AllowsShortCircuit())
}

func TestConditionalPredicateRunsExactlyOnce(t *testing.T) {
	calls := 0
	wrapped := passThroughMiddleware("wrapped", PriorityCustom)
	cond := NewConditional("cond", func(context.Context, Command[Result], *Context) bool {
		calls++
		return true
	}, wrapped)
	defer cond.Close()

	_, err := cond.Execute(context.Background(), stringCommand{value: "x"}, NewContext(NewMetadata()), dummyNext)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestConditionalHooksFireOnPassAndSkip(t *testing.T) {
	wrapped := passThroughMiddleware("wrapped", PriorityCustom)

	passed := NewConditional("cond", func(context.Context, Command[Result], *Context) bool { return true }, wrapped)
	defer passed.Close()
	passedEvents := make(chan ConditionalEvent, 1)
	require.NoError(t, passed.OnPassed(func(_ context.Context, e ConditionalEvent) error {
		passedEvents <- e
		return nil
	}))
	_, err := passed.Execute(context.Background(), stringCommand{value: "x"}, NewContext(NewMetadata()), dummyNext)
	require.NoError(t, err)
	select {
	case e := <-passedEvents:
		assert.True(t, e.ConditionMet)
	case <-time.After(time.Second):
		t.Fatal("expected OnPassed to fire")
	}

	skipped := NewConditional("cond", func(context.Context, Command[Result], *Context) bool { return false }, wrapped)
	defer skipped.Close()
	skippedEvents := make(chan ConditionalEvent, 1)
	require.NoError(t, skipped.OnSkipped(func(_ context.Context, e ConditionalEvent) error {
		skippedEvents <- e
		return nil
	}))
	_, err = skipped.Execute(context.Background(), stringCommand{value: "x"}, NewContext(NewMetadata()), dummyNext)
	require.NoError(t, err)
	select {
	case e := <-skippedEvents:
		assert.False(t, e.ConditionMet)
	case <-time.After(time.Second):
		t.Fatal("expected OnSkipped to fire")
	}
}
