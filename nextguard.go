package pipelinekit

import (
	"context"
	"sync/atomic"
)

type nextState int32

const (
	nextPending nextState = iota
	nextExecuting
	nextCompleted
)

// NextGuard enforces that a middleware's downstream continuation is invoked
// at most once per execution. A middleware calls Call to run the rest of the
// chain; a second call (sequential or concurrent) fails fast with
// NextAlreadyCalledError instead of re-entering the chain.
//
// The three states form a single forward path (pending -> executing ->
// completed); the pending -> executing transition is a single atomic.Int32
// compare-and-swap, so two goroutines racing to call Call never both win.
// The executing -> completed transition is a plain atomic store by the
// winner.
type NextGuard struct {
	state      atomic.Int32
	downstream NextFunc
	name       Name
}

// newNextGuard wraps a downstream continuation for one middleware invocation.
func newNextGuard(name Name, downstream NextFunc) *NextGuard {
	g := &NextGuard{downstream: downstream, name: name}
	g.state.Store(int32(nextPending))
	return g
}

// Call invokes the downstream continuation exactly once. Subsequent calls
// return NextAlreadyCalledError without touching downstream again.
func (g *NextGuard) Call(ctx context.Context, cmd Command[Result], pctx *Context) (Result, error) {
	if !g.state.CompareAndSwap(int32(nextPending), int32(nextExecuting)) {
		return nil, &NextAlreadyCalledError{Middleware: g.name}
	}
	result, err := g.downstream(ctx, cmd, pctx)
	g.state.Store(int32(nextCompleted))
	return result, err
}

// called reports whether Call was ever invoked, successfully or not.
func (g *NextGuard) called() bool {
	return nextState(g.state.Load()) != nextPending
}

// Finalize is invoked immediately after a middleware's Execute method
// returns. If the guard is still pending - the middleware returned without
// ever calling next, and without short-circuiting deliberately - it emits a
// diagnostic through the supplied Context's event emitter. This never
// produces an error of its own; it is advisory only, the idiomatic
// substitute for a non-deterministic finalizer.
func (g *NextGuard) Finalize(ctx context.Context, pctx *Context, allowShortCircuit bool) {
	if g.called() || allowShortCircuit {
		return
	}
	if ctx.Err() != nil {
		return
	}
	if pctx != nil {
		pctx.Emit("next.never_called", g.name, nil)
	}
}
