package testing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pipelinekit/pipelinekit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoCommand struct{ value string }

func (c echoCommand) CommandName() pipelinekit.Name { return "echo" }

func echoHandler() pipelinekit.Handler {
	return pipelinekit.HandlerFunc(func(_ context.Context, cmd pipelinekit.Command[pipelinekit.Result], _ *pipelinekit.Context) (pipelinekit.Result, error) {
		return cmd.(echoCommand).value, nil
	})
}

func buildChain(t *testing.T, mocks ...pipelinekit.Middleware) *pipelinekit.Chain {
	t.Helper()
	builder := pipelinekit.NewChainBuilder(echoHandler())
	for _, m := range mocks {
		builder.Add(m)
	}
	chain, err := builder.Build()
	require.NoError(t, err)
	return chain
}

func TestMockMiddlewareCallsNextByDefault(t *testing.T) {
	mock := NewMockMiddleware("mock", pipelinekit.PriorityCustom)
	chain := buildChain(t, mock)

	result, err := chain.Execute(context.Background(), echoCommand{value: "x"}, pipelinekit.NewContext(pipelinekit.NewMetadata()))
	require.NoError(t, err)
	assert.Equal(t, "x", result)
	AssertCalled(t, mock, 1)
}

func TestMockMiddlewareWithReturnShortCircuits(t *testing.T) {
	mock := NewMockMiddleware("mock", pipelinekit.PriorityCustom).
		WithReturn("mocked", nil).
		WithShortCircuitAllowed(true)
	chain := buildChain(t, mock)

	result, err := chain.Execute(context.Background(), echoCommand{value: "x"}, pipelinekit.NewContext(pipelinekit.NewMetadata()))
	require.NoError(t, err)
	assert.Equal(t, "mocked", result)
}

func TestMockMiddlewareWithReturnError(t *testing.T) {
	wantErr := errors.New("boom")
	mock := NewMockMiddleware("mock", pipelinekit.PriorityCustom).
		WithReturn(nil, wantErr).
		WithShortCircuitAllowed(true)
	chain := buildChain(t, mock)

	_, err := chain.Execute(context.Background(), echoCommand{value: "x"}, pipelinekit.NewContext(pipelinekit.NewMetadata()))
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
}

func TestMockMiddlewareTracksCallCount(t *testing.T) {
	mock := NewMockMiddleware("mock", pipelinekit.PriorityCustom)
	chain := buildChain(t, mock)

	for i := 0; i < 5; i++ {
		_, _ = chain.Execute(context.Background(), echoCommand{value: "x"}, pipelinekit.NewContext(pipelinekit.NewMetadata()))
	}
	AssertCalled(t, mock, 5)
	AssertCalledBetween(t, mock, 4, 6)
}

func TestMockMiddlewareWithPanicIsRecovered(t *testing.T) {
	mock := NewMockMiddleware("mock", pipelinekit.PriorityCustom).WithPanic("exploded")
	chain := buildChain(t, mock)

	result, err := chain.Execute(context.Background(), echoCommand{value: "x"}, pipelinekit.NewContext(pipelinekit.NewMetadata()))
	require.Error(t, err)
	assert.Nil(t, result)
	var pipeErr *pipelinekit.Error[pipelinekit.Result]
	require.ErrorAs(t, err, &pipeErr)
}

func TestMockMiddlewareWithDelayHonorsCancellation(t *testing.T) {
	mock := NewMockMiddleware("mock", pipelinekit.PriorityCustom).WithDelay(100 * time.Millisecond)
	chain := buildChain(t, mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := chain.Execute(ctx, echoCommand{value: "x"}, pipelinekit.NewContext(pipelinekit.NewMetadata()))
	require.Error(t, err)
}

func TestMockMiddlewareLastInputAndHistory(t *testing.T) {
	mock := NewMockMiddleware("mock", pipelinekit.PriorityCustom)
	chain := buildChain(t, mock)

	_, _ = chain.Execute(context.Background(), echoCommand{value: "first"}, pipelinekit.NewContext(pipelinekit.NewMetadata()))
	_, _ = chain.Execute(context.Background(), echoCommand{value: "second"}, pipelinekit.NewContext(pipelinekit.NewMetadata()))

	assert.Equal(t, echoCommand{value: "second"}, mock.LastInput())
	assert.Len(t, mock.CallHistory(), 2)
}

func TestMockMiddlewareResetClearsState(t *testing.T) {
	mock := NewMockMiddleware("mock", pipelinekit.PriorityCustom)
	chain := buildChain(t, mock)
	_, _ = chain.Execute(context.Background(), echoCommand{value: "x"}, pipelinekit.NewContext(pipelinekit.NewMetadata()))

	mock.Reset()
	AssertNotCalled(t, mock)
	assert.Empty(t, mock.CallHistory())
}

func TestWaitForCallsReachesTarget(t *testing.T) {
	mock := NewMockMiddleware("mock", pipelinekit.PriorityCustom)
	chain := buildChain(t, mock)

	go func() {
		for i := 0; i < 3; i++ {
			_, _ = chain.Execute(context.Background(), echoCommand{value: "x"}, pipelinekit.NewContext(pipelinekit.NewMetadata()))
		}
	}()

	assert.True(t, WaitForCalls(mock, 3, time.Second))
}
