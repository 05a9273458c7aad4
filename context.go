package pipelinekit

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/hookz"
)

// ContextKey identifies a value stored in a Context. Keys carry their value's
// reflect.Type alongside their name so two packages can each declare a key
// named "user" without colliding, and so GetTyped can assert the stored value
// back to its declared type instead of trusting the caller.
type ContextKey struct {
	name string
	typ  reflect.Type
}

func (k ContextKey) String() string {
	return fmt.Sprintf("%s(%s)", k.name, k.typ)
}

// TypedKey is a ContextKey with its type parameter carried at the call site,
// so GetTyped/SetTyped can return/accept T directly instead of any.
type TypedKey[T any] struct {
	key ContextKey
}

// NewContextKey declares a new typed context key. Intended for package-level
// var declarations, e.g. var UserIDKey = pipelinekit.NewContextKey[string]("user_id").
func NewContextKey[T any](name string) TypedKey[T] {
	var zero T
	return TypedKey[T]{key: ContextKey{name: name, typ: reflect.TypeOf(zero)}}
}

// Key returns the untyped ContextKey backing this typed key, for use with
// Context.Get/Set when the static type isn't convenient at the call site.
func (k TypedKey[T]) Key() ContextKey {
	return k.key
}

// GetTyped retrieves a value by its typed key, returning false if absent or
// if the stored value does not assert to T.
func GetTyped[T any](c *Context, key TypedKey[T]) (T, bool) {
	var zero T
	raw, ok := c.Get(key.key)
	if !ok {
		return zero, false
	}
	v, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// SetTyped stores a value under its typed key.
func SetTyped[T any](c *Context, key TypedKey[T], value T) {
	c.Set(key.key, value)
}

// Metadata is the immutable envelope describing one pipeline execution: who
// asked for it, when it started, and how to correlate it with other
// executions. Set once at Context creation; never mutated afterward.
type Metadata struct {
	ID            uuid.UUID
	CreatedAt     time.Time
	UserID        *string
	CorrelationID *string
}

// NewMetadata builds a Metadata envelope with a freshly generated ID and the
// current time as CreatedAt.
func NewMetadata() Metadata {
	return Metadata{ID: uuid.New(), CreatedAt: time.Now()}
}

// Event is emitted through a Context's EventEmitter whenever a middleware
// reports something worth observing outside the normal return value - a
// cache hit, a validation downgrade, a business-level warning.
type Event struct {
	Name       string
	Middleware Name
	Properties map[string]any
	At         time.Time
}

// EventEmitter decouples Context from any one observability backend.
// HookEventEmitter is the default, built on hookz.
type EventEmitter interface {
	Emit(event Event)
	Close() error
}

// HookEventEmitter implements EventEmitter on top of a hookz.Hooks registry,
// the same event-hook library the engine's combinators use for their own
// OnAttempt/OnTimeout-style notifications.
type HookEventEmitter struct {
	hooks *hookz.Hooks[Event]
}

const contextEventKey = hookz.Key("context.event")

// NewHookEventEmitter constructs an EventEmitter backed by hookz.
func NewHookEventEmitter() *HookEventEmitter {
	return &HookEventEmitter{hooks: hookz.New[Event]()}
}

// On registers a handler invoked for every emitted event.
func (h *HookEventEmitter) On(handler func(context.Context, Event) error) error {
	_, err := h.hooks.Hook(contextEventKey, handler)
	return err
}

// Emit fires the event to all registered listeners. Never blocks the calling
// goroutine: the hookz dispatch itself runs in its own goroutine so a slow or
// misbehaving listener cannot stall the execution path.
func (h *HookEventEmitter) Emit(event Event) {
	if h.hooks.ListenerCount(contextEventKey) == 0 {
		return
	}
	go func() {
		_ = h.hooks.Emit(context.Background(), contextEventKey, event) //nolint:errcheck
	}()
}

// Close releases the underlying hook registry.
func (h *HookEventEmitter) Close() error {
	h.hooks.Close()
	return nil
}

// DeepCloner is implemented by values stored in a Context that need custom
// deep-copy behavior on DeepFork. Unlike the engine's generic Cloner[T]
// (used where the compile-time type is known, e.g. Parallel's per-child
// Command), Context's store is a heterogeneous map[ContextKey]any, so the
// fork path needs a non-generic hook it can call through an interface
// assertion rather than a type parameter.
type DeepCloner interface {
	DeepClone() any
}

// Context carries per-execution state through a middleware chain: typed
// values set by upstream middleware for downstream consumption, free-form
// metadata and metrics, and an event emitter for out-of-band signals. A
// single sync.RWMutex protects three independent maps, one per concern,
// grouped under one lock for simplicity rather than one lock per map.
type Context struct {
	mu       sync.RWMutex
	values   map[ContextKey]any
	metadata map[string]any
	metrics  map[string]float64

	meta      Metadata
	requestID string
	emitter   EventEmitter
}

// requestIDFromMetadata resolves the default request id for meta: its
// correlation id when one is present, its own execution id otherwise. Shared
// by NewContext and ContextPool.Borrow so the two construction paths can't
// drift apart.
func requestIDFromMetadata(meta Metadata) string {
	if meta.CorrelationID != nil {
		return *meta.CorrelationID
	}
	return meta.ID.String()
}

// NewContext creates a Context for a new execution. The request id defaults
// to the metadata's correlation id when one is present, falling back to the
// execution's own id otherwise.
func NewContext(meta Metadata) *Context {
	return &Context{
		values:    make(map[ContextKey]any),
		metadata:  make(map[string]any),
		metrics:   make(map[string]float64),
		meta:      meta,
		requestID: requestIDFromMetadata(meta),
	}
}

// Get retrieves a raw value by key.
func (c *Context) Get(key ContextKey) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Set stores a raw value by key, overwriting any existing value.
func (c *Context) Set(key ContextKey, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Remove deletes a value by key. No-op if absent.
func (c *Context) Remove(key ContextKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
}

// Contains reports whether a key has a stored value.
func (c *Context) Contains(key ContextKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.values[key]
	return ok
}

// Clear removes all stored values, metadata, and metrics. Does not reset the
// Metadata envelope or request ID.
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = make(map[ContextKey]any)
	c.metadata = make(map[string]any)
	c.metrics = make(map[string]float64)
}

// Snapshot returns a shallow copy of the current value store, safe to read
// without holding the Context's lock.
func (c *Context) Snapshot() map[ContextKey]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[ContextKey]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Fork creates a child Context sharing this Context's Metadata and request
// ID but starting with a shallow copy of its value/metadata/metric maps -
// independent of the parent from that point on. Used by combinators (such as
// Parallel) that hand each child branch its own mutable view.
func (c *Context) Fork() *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	child := &Context{
		values:    make(map[ContextKey]any, len(c.values)),
		metadata:  make(map[string]any, len(c.metadata)),
		metrics:   make(map[string]float64, len(c.metrics)),
		meta:      c.meta,
		requestID: c.requestID,
		emitter:   c.emitter,
	}
	for k, v := range c.values {
		child.values[k] = v
	}
	for k, v := range c.metadata {
		child.metadata[k] = v
	}
	for k, v := range c.metrics {
		child.metrics[k] = v
	}
	return child
}

// DeepFork behaves like Fork, but for the given keys (or all keys, if none
// are given) it additionally calls DeepClone on any stored value that
// implements DeepCloner, rather than sharing the original value by
// reference. Values that don't implement DeepCloner are copied by reference,
// same as Fork.
func (c *Context) DeepFork(copying ...ContextKey) *Context {
	child := c.Fork()
	target := func(k ContextKey) bool { return true }
	if len(copying) > 0 {
		set := make(map[ContextKey]bool, len(copying))
		for _, k := range copying {
			set[k] = true
		}
		target = func(k ContextKey) bool { return set[k] }
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.values {
		if !target(k) {
			continue
		}
		if cloner, ok := v.(DeepCloner); ok {
			child.values[k] = cloner.DeepClone()
		}
	}
	return child
}

// Merge copies every value, metadata entry, and metric from another Context
// into this one, last-write-wins on key collision. Used by combinators that
// fan out into forked child contexts and need to fold their results back
// into the parent after the fan-out completes.
func (c *Context) Merge(from *Context) {
	from.mu.RLock()
	values := make(map[ContextKey]any, len(from.values))
	for k, v := range from.values {
		values[k] = v
	}
	metadata := make(map[string]any, len(from.metadata))
	for k, v := range from.metadata {
		metadata[k] = v
	}
	metrics := make(map[string]float64, len(from.metrics))
	for k, v := range from.metrics {
		metrics[k] = v
	}
	from.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range values {
		c.values[k] = v
	}
	for k, v := range metadata {
		c.metadata[k] = v
	}
	for k, v := range metrics {
		c.metrics[k] = v
	}
}

// RequestID returns the execution's correlation identifier.
func (c *Context) RequestID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.requestID
}

// SetRequestID overrides the execution's correlation identifier, for
// middleware that receives one from an upstream caller (e.g. an inbound
// request header) instead of using the generated Metadata.ID.
func (c *Context) SetRequestID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestID = id
}

// Metadata returns the execution's immutable envelope.
func (c *Context) Metadata() Metadata {
	return c.meta
}

// SetMetadataValue stores a free-form metadata entry, for values that don't
// warrant a dedicated typed key.
func (c *Context) SetMetadataValue(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// MetadataValue retrieves a free-form metadata entry.
func (c *Context) MetadataValue(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.metadata[key]
	return v, ok
}

// SetMetric records a numeric measurement against this execution, separate
// from the engine-wide metricz registries used by the combinators.
func (c *Context) SetMetric(key string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics[key] = value
}

// Metric retrieves a per-execution numeric measurement.
func (c *Context) Metric(key string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.metrics[key]
	return v, ok
}

// SetEventEmitter installs the EventEmitter used by Emit. Middleware that
// forks a Context normally inherits the parent's emitter through Fork.
func (c *Context) SetEventEmitter(emitter EventEmitter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitter = emitter
}

// Emit reports an out-of-band event through the installed EventEmitter, if
// any. No-op if no emitter is installed. Never blocks the execution path.
func (c *Context) Emit(name string, middleware Name, properties map[string]any) {
	c.mu.RLock()
	emitter := c.emitter
	c.mu.RUnlock()
	if emitter == nil {
		return
	}
	emitter.Emit(Event{Name: name, Middleware: middleware, Properties: properties, At: time.Now()})
}
