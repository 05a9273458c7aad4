package pipelinekit

import (
	"context"
)

// Executor drives a pre-built Chain to completion for one concrete command
// result type R, converting between the chain's type-erased Result and R at
// the boundary exactly once per call - the only permitted dynamic downcast
// in the hot path, per the engine's handler-type-specialization rule.
//
// An Executor is safe for concurrent use: the underlying Chain is immutable,
// and each Execute call gets its own Context (or a pooled one).
type Executor[R any] struct {
	chain *Chain
	pool  *ContextPool
}

// NewExecutor creates an Executor around a built Chain. The Chain is not
// specialized to R at the type level - that specialization happens in this
// Executor's Execute method - so the same Chain can back Executors for
// different result types if its Handler is itself generic enough to do so.
func NewExecutor[R any](chain *Chain) *Executor[R] {
	return &Executor[R]{chain: chain}
}

// WithPool installs a ContextPool that ExecuteWithMetadata borrows Contexts
// from. Optional: Execute (given an explicit Context) never touches the
// pool, so an Executor behaves identically with or without one installed.
func (e *Executor[R]) WithPool(pool *ContextPool) *Executor[R] {
	e.pool = pool
	return e
}

// Execute runs cmd through the chain using the supplied Context, making
// exactly one call into the chain. It never mutates cmd, and propagates the
// first error encountered without wrapping beyond what the chain's own
// middleware/combinators already attach.
func (e *Executor[R]) Execute(ctx context.Context, cmd Command[R], pctx *Context) (R, error) {
	var zero R

	result, err := e.chain.Execute(ctx, cmd, pctx)
	if err != nil {
		return zero, err
	}
	if result == nil {
		return zero, nil
	}
	typed, ok := result.(R)
	if !ok {
		return zero, ErrInvalidCommandType
	}
	return typed, nil
}

// ExecuteWithMetadata is a convenience overload that constructs a Context
// from the supplied Metadata, borrowing from the installed ContextPool if
// one was set via WithPool, and returning it to the pool deterministically
// regardless of success or failure.
func (e *Executor[R]) ExecuteWithMetadata(ctx context.Context, cmd Command[R], meta Metadata) (R, error) {
	if e.pool == nil {
		return e.Execute(ctx, cmd, NewContext(meta))
	}

	token := e.pool.Borrow(meta)
	defer e.pool.Return(token)
	return e.Execute(ctx, cmd, token.Context())
}

// AnyExecutor is the type-erased façade over a generic Executor[R], for
// callers (e.g. a registry keyed by command type) that can't name R
// statically. ExecuteAny adds one runtime check of the untyped command at
// its boundary; everything inside the chain stays statically dispatched.
type AnyExecutor interface {
	ExecuteAny(ctx context.Context, cmd any, pctx *Context) (any, error)
}

// ExecuteAny implements AnyExecutor, asserting cmd to this Executor's
// Command[R] before delegating to Execute. Returns ErrInvalidCommandType if
// cmd does not implement Command[R] (has no CommandName method). Because
// Command's method set does not depend on R, this check does not tell
// commands of different result types apart; a result that is not an R is
// reported by Execute, also as ErrInvalidCommandType.
func (e *Executor[R]) ExecuteAny(ctx context.Context, cmd any, pctx *Context) (any, error) {
	typedCmd, ok := cmd.(Command[R])
	if !ok {
		return nil, ErrInvalidCommandType
	}
	return e.Execute(ctx, typedCmd, pctx)
}
