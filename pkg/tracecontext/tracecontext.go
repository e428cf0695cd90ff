// Package tracecontext implements the Context Carrier (CC): process-local
// propagation of a small metadata bag across one logical request.
//
// Go has no implicit task-local storage, so propagation here is explicit:
// Run binds a (possibly merged) TraceContext to a context.Context value
// and hands the caller a child context to thread through any further
// call, including goroutines spawned from inside work. That child
// context is the "dynamic extent" spec.md describes — work spawned
// before Run, or from a context never derived from it, does not see the
// bound metadata. Concurrent Run calls against independent base contexts
// never observe each other's state, since each gets its own box.
package tracecontext

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"obscore/pkg/types"
)

type ctxKey struct{}

// box is the mutable cell stored in the context. Set mutates it in
// place so that Set can "merge into the currently bound context without
// creating a new scope", per spec.md §4.1.
type box struct {
	mu   sync.RWMutex
	data types.TraceContext
}

// Current returns the TraceContext bound to ctx, or an empty map if
// none is bound. Never raises.
func Current(ctx context.Context) types.TraceContext {
	b, ok := ctx.Value(ctxKey{}).(*box)
	if !ok || b == nil {
		return types.TraceContext{}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.data.Clone()
}

// Set merges metadata into the TraceContext currently bound to ctx. If
// no scope is bound, Set is a no-op: there is nothing to amend.
func Set(ctx context.Context, metadata types.TraceContext) {
	b, ok := ctx.Value(ctxKey{}).(*box)
	if !ok || b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range metadata {
		b.data[k] = v
	}
}

// Run binds a new TraceContext for the lifetime of work: the parent's
// context (if any) is extended with metadata, metadata's keys take
// precedence over the parent's. A trace_id is generated when neither the
// parent nor metadata supplies one (this call starts a new logical
// trace); a span_id is always freshly generated unless metadata supplies
// one explicitly, and the parent's span_id (if any) becomes
// parent_span_id.
func Run(ctx context.Context, metadata types.TraceContext, work func(context.Context)) {
	child, childCtx := bind(ctx, metadata)
	_ = child
	work(childCtx)
}

// bind performs the merge/generate step Run uses, split out so tests can
// observe the resulting TraceContext without running work.
func bind(ctx context.Context, metadata types.TraceContext) (types.TraceContext, context.Context) {
	parent := Current(ctx)
	merged := parent.Merge(metadata)

	if merged[types.KeyTraceID] == "" {
		merged[types.KeyTraceID] = uuid.NewString()
	}
	if parentSpan, ok := parent[types.KeySpanID]; ok && parentSpan != "" {
		if _, explicit := metadata[types.KeyParentSpanID]; !explicit {
			merged[types.KeyParentSpanID] = parentSpan
		}
	}
	if _, explicitSpan := metadata[types.KeySpanID]; !explicitSpan {
		merged[types.KeySpanID] = uuid.NewString()
	}

	b := &box{data: merged}
	return merged.Clone(), context.WithValue(ctx, ctxKey{}, b)
}

// Bind is the non-callback form of Run, for callers that cannot express
// their continuation as a single function (e.g. an HTTP middleware that
// must call next.ServeHTTP with a derived request). It returns the
// TraceContext that was bound and the context.Context carrying it.
func Bind(ctx context.Context, metadata types.TraceContext) (types.TraceContext, context.Context) {
	return bind(ctx, metadata)
}
