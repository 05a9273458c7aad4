package pipelinekit

// Builder is the declarative surface over ChainBuilder: register a handler
// and any number of middleware (plain or via Group), then Build once. It
// adds no behavior beyond ChainBuilder - this is the component graph spec
// §1 describes ("no CLI/DSL sugar"), not a fluent mini-language.
type Builder struct {
	cb *ChainBuilder
}

// NewBuilder creates a Builder terminating in handler.
func NewBuilder(handler Handler) *Builder {
	return &Builder{cb: NewChainBuilder(handler)}
}

// Use registers a middleware at its own declared priority.
func (b *Builder) Use(mw Middleware) *Builder {
	b.cb.Add(mw)
	return b
}

// UseGroup splices every middleware in g into the chain, in order.
func (b *Builder) UseGroup(g *Group) *Builder {
	b.cb.AddGroup(g)
	return b
}

// WithMaxDepth overrides the maximum chain depth.
func (b *Builder) WithMaxDepth(n int) *Builder {
	b.cb.WithMaxDepth(n)
	return b
}

// Build assembles the final, immutable Chain. Transactional: on failure
// (MaxDepthExceededError), no partial chain is returned.
func (b *Builder) Build() (*Chain, error) {
	return b.cb.Build()
}
