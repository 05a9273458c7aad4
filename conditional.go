package pipelinekit

import (
	"context"
	"time"

	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Metric keys for the Conditional combinator.
const (
	ConditionalEvaluatedTotal = metricz.Key("conditional.evaluated.total")
	ConditionalPassedTotal    = metricz.Key("conditional.passed.total")
	ConditionalSkippedTotal   = metricz.Key("conditional.skipped.total")
)

// Span names and tags for the Conditional combinator.
const (
	ConditionalProcessSpan = tracez.Key("conditional.process")

	ConditionalTagMiddleware   = tracez.Tag("conditional.middleware")
	ConditionalTagConditionMet = tracez.Tag("conditional.condition_met")

	ConditionalEventPassed  = hookz.Key("conditional.passed")
	ConditionalEventSkipped = hookz.Key("conditional.skipped")
)

// ConditionalEvent is emitted via hookz whenever a Conditional combinator
// evaluates its predicate.
type ConditionalEvent struct {
	Middleware   Name
	ConditionMet bool
	Timestamp    time.Time
}

// Predicate decides whether a Conditional combinator delegates to its
// wrapped middleware for a given execution.
type Predicate func(ctx context.Context, cmd Command[Result], pctx *Context) bool

// Conditional runs its wrapped Middleware only when Predicate returns true
// for the current execution; otherwise it calls next directly, leaving the
// wrapped middleware untouched. The predicate runs exactly once per
// execution, before either branch.
type Conditional struct {
	name      Name
	priority  Priority
	predicate Predicate
	wrapped   Middleware

	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[ConditionalEvent]
}

// NewConditional creates a Conditional combinator. Its priority defaults to
// the wrapped middleware's priority, matching the spec's "priority defaults
// to the wrapped middleware's priority unless stated" rule for combinators.
func NewConditional(name Name, predicate Predicate, wrapped Middleware) *Conditional {
	registry := metricz.New()
	registry.Counter(ConditionalEvaluatedTotal)
	registry.Counter(ConditionalPassedTotal)
	registry.Counter(ConditionalSkippedTotal)

	return &Conditional{
		name:      name,
		priority:  wrapped.Priority(),
		predicate: predicate,
		wrapped:   wrapped,
		metrics:   registry,
		tracer:    tracez.New(),
		hooks:     hookz.New[ConditionalEvent](),
	}
}

// WithPriority overrides the default (wrapped-middleware) priority.
func (c *Conditional) WithPriority(p Priority) *Conditional {
	c.priority = p
	return c
}

// Priority implements Middleware.
func (c *Conditional) Priority() Priority { return c.priority }

// Name implements Middleware.
func (c *Conditional) Name() Name { return c.name }

// AllowsShortCircuit implements ShortCircuiter by reporting the wrapped
// middleware's own opt-out: the false branch always calls next, so a pending
// guard can only come from the true branch's wrapped middleware.
func (c *Conditional) AllowsShortCircuit() bool { return allowsShortCircuit(c.wrapped) }

// Execute implements Middleware.
func (c *Conditional) Execute(ctx context.Context, cmd Command[Result], pctx *Context, next NextFunc) (result Result, err error) {
	defer recoverMiddlewarePanic(&result, &err, c.name, Result(cmd))

	ctx, span := c.tracer.StartSpan(ctx, ConditionalProcessSpan)
	defer span.Finish()
	span.SetTag(ConditionalTagMiddleware, string(c.name))

	c.metrics.Counter(ConditionalEvaluatedTotal).Inc()
	met := c.predicate(ctx, cmd, pctx)
	span.SetTag(ConditionalTagConditionMet, boolString(met))

	event := ConditionalEvent{Middleware: c.name, ConditionMet: met, Timestamp: time.Now()}
	if met {
		c.metrics.Counter(ConditionalPassedTotal).Inc()
		if c.hooks.ListenerCount(ConditionalEventPassed) > 0 {
			_ = c.hooks.Emit(ctx, ConditionalEventPassed, event) //nolint:errcheck
		}
		return c.wrapped.Execute(ctx, cmd, pctx, next)
	}

	c.metrics.Counter(ConditionalSkippedTotal).Inc()
	if c.hooks.ListenerCount(ConditionalEventSkipped) > 0 {
		_ = c.hooks.Emit(ctx, ConditionalEventSkipped, event) //nolint:errcheck
	}
	return next(ctx, cmd, pctx)
}

// Metrics returns this combinator's metrics registry.
func (c *Conditional) Metrics() *metricz.Registry { return c.metrics }

// Tracer returns this combinator's tracer.
func (c *Conditional) Tracer() *tracez.Tracer { return c.tracer }

// Close releases observability resources.
func (c *Conditional) Close() error {
	c.tracer.Close()
	c.hooks.Close()
	return nil
}

// OnPassed registers a handler invoked when the predicate is true.
func (c *Conditional) OnPassed(handler func(context.Context, ConditionalEvent) error) error {
	_, err := c.hooks.Hook(ConditionalEventPassed, handler)
	return err
}

// OnSkipped registers a handler invoked when the predicate is false.
func (c *Conditional) OnSkipped(handler func(context.Context, ConditionalEvent) error) error {
	_, err := c.hooks.Hook(ConditionalEventSkipped, handler)
	return err
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
