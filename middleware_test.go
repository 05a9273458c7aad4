package pipelinekit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type shortCircuitMiddleware struct {
	MiddlewareFunc
}

func (shortCircuitMiddleware) AllowsShortCircuit() bool { return true }

func TestMiddlewareFuncDelegates(t *testing.T) {
	called := false
	mw := MiddlewareFunc{
		PriorityValue: PriorityProcessing,
		NameValue:     "fn-mw",
		Fn: func(ctx context.Context, cmd Command[Result], pctx *Context, next NextFunc) (Result, error) {
			called = true
			return next(ctx, cmd, pctx)
		},
	}

	assert.Equal(t, PriorityProcessing, mw.Priority())
	assert.Equal(t, Name("fn-mw"), mw.Name())

	_, err := mw.Execute(context.Background(), nil, nil, dummyNext)
	assert.NoError(t, err)
	assert.True(t, called)
}

func TestHandlerFuncDelegates(t *testing.T) {
	h := HandlerFunc(func(_ context.Context, cmd Command[Result], _ *Context) (Result, error) {
		return cmd.(stringCommand).value, nil
	})

	result, err := h.Handle(context.Background(), stringCommand{value: "z"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "z", result)
}

func TestAllowsShortCircuitDefaultsFalse(t *testing.T) {
	plain := passThroughMiddleware("plain", PriorityCustom)
	assert.False(t, allowsShortCircuit(plain))

	opted := shortCircuitMiddleware{MiddlewareFunc{PriorityValue: PriorityCustom, NameValue: "cache"}}
	assert.True(t, allowsShortCircuit(opted))
}
