package pipelinekit

import (
	"context"
	"slices"
	"sync"
)

const (
	defaultMaxDepth = 32
	minMaxDepth     = 10
	maxMaxDepth     = 64
)

type chainEntry struct {
	mw             Middleware
	priority       Priority
	insertionIndex int
}

// ChainBuilder assembles a Chain from a terminal Handler and any number of
// Middleware, folding them right-to-left around the handler in priority
// order. Building is transactional: Build validates depth before folding
// anything, so a rejected chain never partially exists.
type ChainBuilder struct {
	mu       sync.Mutex
	handler  Handler
	entries  []chainEntry
	maxDepth int
	next     int
}

// NewChainBuilder creates a builder terminating in handler, with the default
// maximum depth of 32.
func NewChainBuilder(handler Handler) *ChainBuilder {
	return &ChainBuilder{handler: handler, maxDepth: defaultMaxDepth}
}

// WithMaxDepth overrides the maximum chain depth. Values outside [10, 64]
// are clamped to the nearest bound.
func (b *ChainBuilder) WithMaxDepth(n int) *ChainBuilder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < minMaxDepth {
		n = minMaxDepth
	}
	if n > maxMaxDepth {
		n = maxMaxDepth
	}
	b.maxDepth = n
	return b
}

// Add registers a middleware. Its position in the final chain is determined
// at Build time by (priority ascending, insertion order ascending).
func (b *ChainBuilder) Add(mw Middleware) *ChainBuilder {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, chainEntry{mw: mw, priority: mw.Priority(), insertionIndex: b.next})
	b.next++
	return b
}

// Remove removes the first registered entry matching mw by name, shifting
// later entries' relative order unaffected (insertion index is not
// reassigned to the remaining entries). Reports whether an entry was found.
func (b *ChainBuilder) Remove(mw Middleware) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.entries {
		if e.mw.Name() == mw.Name() {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return true
		}
	}
	return false
}

// AddGroup splices every middleware in g into the builder, in order,
// applying the group's priority override (if any) to each. Semantically
// equivalent to calling Add for each of g's children individually.
func (b *ChainBuilder) AddGroup(g *Group) *ChainBuilder {
	for _, mw := range g.Middlewares() {
		b.Add(mw)
	}
	return b
}

// Build validates the chain depth and folds the registered middleware around
// the terminal handler, producing an immutable Chain. Returns
// MaxDepthExceededError without building anything if the depth limit would
// be exceeded.
func (b *ChainBuilder) Build() (*Chain, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) > b.maxDepth {
		return nil, &MaxDepthExceededError{Depth: len(b.entries), MaxDepth: b.maxDepth}
	}

	ordered := make([]chainEntry, len(b.entries))
	copy(ordered, b.entries)
	slices.SortStableFunc(ordered, func(a, c chainEntry) int {
		if a.priority != c.priority {
			return a.priority - c.priority
		}
		return a.insertionIndex - c.insertionIndex
	})

	mws := make([]Middleware, len(ordered))
	for i, e := range ordered {
		mws[i] = e.mw
	}

	chain := &Chain{handler: b.handler, middleware: mws}
	chain.buildSpecialized()
	return chain, nil
}

// Chain is an immutable, ready-to-run sequence of middleware wrapping a
// terminal Handler. Build it with ChainBuilder; there is no post-build
// mutation API, matching the transactional-assembly model.
type Chain struct {
	handler     Handler
	middleware  []Middleware
	specialized func(ctx context.Context, cmd Command[Result], pctx *Context) (Result, error)
}

// Execute runs the chain: each middleware's Execute is invoked outer-to-inner
// in priority order, each wrapped in its own NextGuard, finally reaching the
// terminal Handler.
func (c *Chain) Execute(ctx context.Context, cmd Command[Result], pctx *Context) (Result, error) {
	if c.specialized != nil {
		return c.specialized(ctx, cmd, pctx)
	}
	return c.foldFrom(0)(ctx, cmd, pctx)
}

// foldFrom builds the continuation starting at middleware index i, folding
// right-to-left so index i's NextFunc invokes index i+1 and so on, with the
// terminal Handler as the base case.
func (c *Chain) foldFrom(i int) NextFunc {
	if i >= len(c.middleware) {
		return func(ctx context.Context, cmd Command[Result], pctx *Context) (Result, error) {
			return c.handler.Handle(ctx, cmd, pctx)
		}
	}
	mw := c.middleware[i]
	downstream := c.foldFrom(i + 1)
	return func(ctx context.Context, cmd Command[Result], pctx *Context) (result Result, err error) {
		defer recoverMiddlewarePanic(&result, &err, mw.Name(), Result(cmd))
		guard := newNextGuard(mw.Name(), downstream)
		result, err = mw.Execute(ctx, cmd, pctx, guard.Call)
		guard.Finalize(ctx, pctx, allowsShortCircuit(mw))
		return result, err
	}
}

// buildSpecialized installs a prebuilt execution path for small chains (0-3
// middleware): with no middleware it calls the handler directly; with 1-3 it
// builds the generic fold once here and reuses it for every call. Longer
// chains fold on each Execute. Semantics are identical to the general path;
// this only avoids the per-call closure allocation for short chains.
func (c *Chain) buildSpecialized() {
	switch len(c.middleware) {
	case 0:
		c.specialized = func(ctx context.Context, cmd Command[Result], pctx *Context) (Result, error) {
			return c.handler.Handle(ctx, cmd, pctx)
		}
	case 1, 2, 3:
		c.specialized = c.foldFrom(0)
	default:
		c.specialized = nil
	}
}

// Names returns the ordered list of middleware names in this chain, for
// diagnostics and tests.
func (c *Chain) Names() []Name {
	names := make([]Name, len(c.middleware))
	for i, mw := range c.middleware {
		names[i] = mw.Name()
	}
	return names
}

// Len returns the number of middleware in this chain, excluding the terminal
// handler.
func (c *Chain) Len() int {
	return len(c.middleware)
}
