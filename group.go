package pipelinekit

// Group is a logical grouping of middleware with no execution-time presence
// of its own: building a chain splices its children into the builder in
// order, optionally overriding their priority with a single shared value.
// Unlike the other combinators, Group never wraps Execute - at Build time it
// has already been expanded away.
type Group struct {
	children       []Middleware
	priority       Priority
	overridePriority bool
}

// NewGroup creates a Group of children, each keeping its own priority.
func NewGroup(children ...Middleware) *Group {
	return &Group{children: children}
}

// WithPriority overrides every child's priority with p when the group is
// spliced into a builder, while preserving their relative insertion order
// as the tie-breaker.
func (g *Group) WithPriority(p Priority) *Group {
	g.priority = p
	g.overridePriority = true
	return g
}

// Middlewares returns the group's children, each wrapped to carry the
// group's priority override if one was set. Called by ChainBuilder.AddGroup
// at splice time.
func (g *Group) Middlewares() []Middleware {
	if !g.overridePriority {
		return g.children
	}
	out := make([]Middleware, len(g.children))
	for i, child := range g.children {
		out[i] = &priorityOverride{Middleware: child, priority: g.priority}
	}
	return out
}

// priorityOverride wraps a Middleware to report a different Priority while
// delegating Name and Execute unchanged.
type priorityOverride struct {
	Middleware
	priority Priority
}

// Priority implements Middleware, reporting the override instead of the
// wrapped middleware's own value.
func (p *priorityOverride) Priority() Priority { return p.priority }
