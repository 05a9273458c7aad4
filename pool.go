package pipelinekit

import "sync"

const defaultPoolMaxSize = 256

// poolToken is the handle a borrower holds for a pooled Context. It pins the
// generation the Context was borrowed at, so a reference retained past
// Return is detectable as stale rather than silently reused by the next
// borrower.
type poolToken struct {
	ctx        *Context
	generation uint64
	pool       *ContextPool
}

// Context returns the borrowed Context. Valid only until the matching
// Return call; using it afterward races with whoever borrows it next.
func (t *poolToken) Context() *Context {
	return t.ctx
}

// PoolStats reports basic counters for external telemetry via a pool
// monitor.
type PoolStats struct {
	Borrows  uint64
	Returns  uint64
	Hits     uint64
	Misses   uint64
	PeakSize int
}

// HitRate returns Hits / Borrows, or 0 if nothing has been borrowed yet.
func (s PoolStats) HitRate() float64 {
	if s.Borrows == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Borrows)
}

// PoolMonitor is an optional callback invoked on every borrow/return, for
// external telemetry systems that want a push rather than a poll.
type PoolMonitor interface {
	OnBorrow(stats PoolStats)
	OnReturn(stats PoolStats)
}

// ContextPool recycles Context instances to reduce allocation churn in
// high-throughput executions. Entirely optional: an Executor built without
// one behaves identically, just with one fresh *Context per execution.
type ContextPool struct {
	mu         sync.Mutex
	free       []*Context
	generation map[*Context]uint64
	maxSize    int
	stats      PoolStats
	monitor    PoolMonitor
}

// NewContextPool creates an empty pool that retains at most maxSize
// returned Contexts; a maxSize below 1 is clamped to 1.
func NewContextPool(maxSize int) *ContextPool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &ContextPool{
		maxSize:    maxSize,
		generation: make(map[*Context]uint64),
	}
}

// WithMonitor installs a PoolMonitor invoked after every borrow/return.
func (p *ContextPool) WithMonitor(monitor PoolMonitor) *ContextPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.monitor = monitor
	return p
}

// Borrow returns a Context with fresh Metadata, reused from the free list if
// one is available (a pool hit) or freshly allocated otherwise (a miss). The
// returned token's Context always appears empty to the borrower: a reused
// Context was fully cleared by its prior Return.
func (p *ContextPool) Borrow(meta Metadata) *poolToken {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Borrows++

	var ctx *Context
	if n := len(p.free); n > 0 {
		ctx = p.free[n-1]
		p.free = p.free[:n-1]
		p.stats.Hits++
		ctx.meta = meta
		ctx.requestID = requestIDFromMetadata(meta)
	} else {
		ctx = NewContext(meta)
		p.stats.Misses++
	}

	p.generation[ctx]++
	gen := p.generation[ctx]

	monitor := p.monitor
	stats := p.stats
	if monitor != nil {
		monitor.OnBorrow(stats)
	}

	return &poolToken{ctx: ctx, generation: gen, pool: p}
}

// Return clears the token's Context (values, metadata, metrics, event
// emitter, request ID) and, if the pool is below maxSize, re-inserts it into
// the free list for a future Borrow; otherwise it's dropped for the garbage
// collector. A token whose generation no longer matches the pool's record
// (a double-return, or a Return after the Context was already recycled) is
// a no-op.
func (p *ContextPool) Return(token *poolToken) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.generation[token.ctx] != token.generation {
		return
	}

	token.ctx.Clear()
	token.ctx.SetEventEmitter(nil)
	token.ctx.SetRequestID("")

	p.stats.Returns++
	if len(p.free) < p.maxSize {
		p.free = append(p.free, token.ctx)
		if len(p.free) > p.stats.PeakSize {
			p.stats.PeakSize = len(p.free)
		}
	} else {
		delete(p.generation, token.ctx)
	}

	monitor := p.monitor
	stats := p.stats
	if monitor != nil {
		monitor.OnReturn(stats)
	}
}

// Stats returns a snapshot of the pool's borrow/return/hit counters.
func (p *ContextPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
