package pipelinekit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
	"golang.org/x/sync/errgroup"
)

// ParallelStrategy selects how a Parallel combinator's fanned-out children
// relate to the downstream next continuation.
type ParallelStrategy int

const (
	// ParallelSideEffectsOnly fans children out purely for their
	// side effects (observers, notifications). None may call next; the
	// combinator invokes next itself, once, after every child finishes and
	// its forked context is merged back into the parent.
	ParallelSideEffectsOnly ParallelStrategy = iota
	// ParallelPreValidation fans children out expecting each to succeed or
	// fail; a child's return value is discarded; only its error matters. On
	// overall success the combinator invokes next once, same as
	// ParallelSideEffectsOnly.
	ParallelPreValidation
)

// ParallelPolicy controls how ParallelPreValidation reacts to a failing
// child.
type ParallelPolicy int

const (
	// ParallelFailFast cancels sibling children as soon as one fails and
	// returns that failure immediately. This is the default policy.
	ParallelFailFast ParallelPolicy = iota
	// ParallelBestEffort awaits every child regardless of failures and
	// returns all of them aggregated.
	ParallelBestEffort
)

// Metric keys, span names/tags, and hook event keys for the Parallel
// combinator.
const (
	ParallelFanOutTotal   = metricz.Key("parallel.fanout.total")
	ParallelSuccessTotal  = metricz.Key("parallel.success.total")
	ParallelFailureTotal  = metricz.Key("parallel.failure.total")
	ParallelChildrenGauge = metricz.Key("parallel.children.current")

	ParallelProcessSpan = tracez.Key("parallel.process")
	ParallelChildSpan   = tracez.Key("parallel.child")

	ParallelTagMiddleware = tracez.Tag("parallel.middleware")
	ParallelTagChildCount = tracez.Tag("parallel.child_count")
	ParallelTagSuccess    = tracez.Tag("parallel.success")
	ParallelTagChild      = tracez.Tag("parallel.child")

	ParallelEventChildDone = hookz.Key("parallel.child_done")
	ParallelEventMerged    = hookz.Key("parallel.merged")
)

// ParallelEvent is emitted via hookz for each child's completion and for the
// final merge.
type ParallelEvent struct {
	Middleware Name
	Child      Name
	Success    bool
	Error      error
	Timestamp  time.Time
}

// errChildCalledNext is returned to a Parallel child that invokes the next
// continuation it was handed - children never continue the chain
// themselves, only the Parallel combinator does, once, after fan-out.
var errChildCalledNext = errors.New("pipelinekit: parallel child must not call next")

// Parallel fans a command out across an ordered list of child Middleware,
// each on its own forked Context, then invokes next on the parent Context
// exactly once after every child has observably completed. Children never
// call next directly and never mutate the command's result; the combinator
// itself owns the single downstream continuation.
type Parallel struct {
	name     Name
	priority Priority
	children []Middleware
	strategy ParallelStrategy
	policy   ParallelPolicy
	merge    bool
	timeout  time.Duration

	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[ParallelEvent]
}

// NewParallel creates a Parallel combinator fanning out to children, at the
// given priority, using strategy. merge-context defaults to false per the
// spec's safety-first resolution of the ambiguity between the teacher's
// code paths; WithMergeContext turns it on. side-effects-only always merges
// regardless of this flag, since forked-context merge is its entire point.
func NewParallel(name Name, priority Priority, strategy ParallelStrategy, children ...Middleware) *Parallel {
	registry := metricz.New()
	registry.Counter(ParallelFanOutTotal)
	registry.Counter(ParallelSuccessTotal)
	registry.Counter(ParallelFailureTotal)
	registry.Gauge(ParallelChildrenGauge)

	return &Parallel{
		name:     name,
		priority: priority,
		children: children,
		strategy: strategy,
		policy:   ParallelFailFast,
		metrics:  registry,
		tracer:   tracez.New(),
		hooks:    hookz.New[ParallelEvent](),
	}
}

// WithPolicy sets the failure policy used by ParallelPreValidation.
// Meaningless for ParallelSideEffectsOnly, whose children aren't expected
// to fail the execution.
func (p *Parallel) WithPolicy(policy ParallelPolicy) *Parallel {
	p.policy = policy
	return p
}

// WithMergeContext enables merging ParallelPreValidation's forked child
// contexts back into the parent after a successful fan-out. Off by default.
func (p *Parallel) WithMergeContext(merge bool) *Parallel {
	p.merge = merge
	return p
}

// WithTimeout bounds the entire fan-out; if children haven't all finished
// within d, Parallel cancels their context. Under ParallelPreValidation a
// failure caused by that cancellation is returned as a TimeoutError; under
// ParallelSideEffectsOnly child outcomes are discarded, so the forks are
// merged and next is called as usual.
func (p *Parallel) WithTimeout(d time.Duration) *Parallel {
	p.timeout = d
	return p
}

// Priority implements Middleware.
func (p *Parallel) Priority() Priority { return p.priority }

// Name implements Middleware.
func (p *Parallel) Name() Name { return p.name }

func rejectNext(context.Context, Command[Result], *Context) (Result, error) {
	return nil, errChildCalledNext
}

// Execute implements Middleware.
func (p *Parallel) Execute(ctx context.Context, cmd Command[Result], pctx *Context, next NextFunc) (result Result, err error) {
	defer recoverMiddlewarePanic(&result, &err, p.name, Result(cmd))

	ctx, span := p.tracer.StartSpan(ctx, ParallelProcessSpan)
	defer span.Finish()
	span.SetTag(ParallelTagMiddleware, string(p.name))
	span.SetTag(ParallelTagChildCount, strconv.Itoa(len(p.children)))

	fanCtx := ctx
	var cancel context.CancelFunc
	if p.timeout > 0 {
		fanCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	p.metrics.Counter(ParallelFanOutTotal).Inc()
	p.metrics.Gauge(ParallelChildrenGauge).Set(float64(len(p.children)))
	defer p.metrics.Gauge(ParallelChildrenGauge).Set(0)

	forks := make([]*Context, len(p.children))
	for i := range p.children {
		forks[i] = pctx.Fork()
	}

	switch p.strategy {
	case ParallelPreValidation:
		if ferr := p.runValidation(fanCtx, cmd, forks); ferr != nil {
			p.metrics.Counter(ParallelFailureTotal).Inc()
			span.SetTag(ParallelTagSuccess, "false")
			if p.timeout > 0 && fanCtx.Err() != nil && ctx.Err() == nil {
				return nil, newError(p.name, Result(cmd), &TimeoutError{Duration: p.timeout}, time.Now())
			}
			return nil, ferr
		}
	default: // ParallelSideEffectsOnly
		p.runSideEffects(fanCtx, cmd, forks)
	}

	p.metrics.Counter(ParallelSuccessTotal).Inc()
	span.SetTag(ParallelTagSuccess, "true")

	if p.strategy == ParallelSideEffectsOnly || p.merge {
		for _, fork := range forks {
			pctx.Merge(fork)
		}
		if p.hooks.ListenerCount(ParallelEventMerged) > 0 {
			_ = p.hooks.Emit(ctx, ParallelEventMerged, ParallelEvent{Middleware: p.name, Success: true, Timestamp: time.Now()}) //nolint:errcheck
		}
	}

	return next(ctx, cmd, pctx)
}

// runSideEffects fans out every child concurrently and waits for all of
// them, discarding results; children are not allowed to fail the overall
// execution under this strategy, matching "fire out for observation".
func (p *Parallel) runSideEffects(ctx context.Context, cmd Command[Result], forks []*Context) {
	var wg sync.WaitGroup
	wg.Add(len(p.children))
	for i, child := range p.children {
		go func(child Middleware, fork *Context) {
			defer wg.Done()
			p.runChild(ctx, cmd, child, fork)
		}(child, forks[i])
	}
	wg.Wait()
}

// runValidation fans out every child concurrently expecting success or
// failure, applying the configured policy.
func (p *Parallel) runValidation(ctx context.Context, cmd Command[Result], forks []*Context) error {
	if p.policy == ParallelBestEffort {
		return p.runBestEffort(ctx, cmd, forks)
	}
	return p.runFailFast(ctx, cmd, forks)
}

func (p *Parallel) runFailFast(ctx context.Context, cmd Command[Result], forks []*Context) error {
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var failure *ChildFailure
	for i, child := range p.children {
		child, fork := child, forks[i]
		g.Go(func() error {
			_, err := p.runChild(gctx, cmd, child, fork)
			if err != nil {
				mu.Lock()
				if failure == nil {
					failure = &ChildFailure{ChildName: child.Name(), Err: err}
				}
				mu.Unlock()
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return &ParallelExecutionFailedError{Failures: []ChildFailure{*failure}, First: failure.Err}
	}
	return nil
}

func (p *Parallel) runBestEffort(ctx context.Context, cmd Command[Result], forks []*Context) error {
	type outcome struct {
		name Name
		err  error
	}
	results := make([]outcome, len(p.children))
	var wg sync.WaitGroup
	wg.Add(len(p.children))
	for i, child := range p.children {
		i, child := i, child
		go func() {
			defer wg.Done()
			_, err := p.runChild(ctx, cmd, child, forks[i])
			results[i] = outcome{name: child.Name(), err: err}
		}()
	}
	wg.Wait()

	var failures []ChildFailure
	var first error
	for _, r := range results {
		if r.err != nil {
			failures = append(failures, ChildFailure{ChildName: r.name, Err: r.err})
			if first == nil {
				first = r.err
			}
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return &ParallelExecutionFailedError{Failures: failures, First: first}
}

// runChild executes one fanned-out child against its own forked Context. The
// child receives a NextFunc that fails loudly if invoked - Parallel children
// never continue the chain themselves.
func (p *Parallel) runChild(ctx context.Context, cmd Command[Result], child Middleware, fork *Context) (result Result, err error) {
	defer recoverMiddlewarePanic(&result, &err, child.Name(), Result(cmd))

	childCtx, span := p.tracer.StartSpan(ctx, ParallelChildSpan)
	span.SetTag(ParallelTagChild, string(child.Name()))
	defer span.Finish()

	result, err = child.Execute(childCtx, cmd, fork, rejectNext)

	if p.hooks.ListenerCount(ParallelEventChildDone) > 0 {
		_ = p.hooks.Emit(ctx, ParallelEventChildDone, ParallelEvent{ //nolint:errcheck
			Middleware: p.name,
			Child:      child.Name(),
			Success:    err == nil,
			Error:      err,
			Timestamp:  time.Now(),
		})
	}
	return result, err
}

// Metrics returns this combinator's metrics registry.
func (p *Parallel) Metrics() *metricz.Registry { return p.metrics }

// Tracer returns this combinator's tracer.
func (p *Parallel) Tracer() *tracez.Tracer { return p.tracer }

// Close releases observability resources.
func (p *Parallel) Close() error {
	p.tracer.Close()
	p.hooks.Close()
	return nil
}

// OnChildDone registers a handler invoked after each child completes.
func (p *Parallel) OnChildDone(handler func(context.Context, ParallelEvent) error) error {
	_, err := p.hooks.Hook(ParallelEventChildDone, handler)
	return err
}
