package chainlog

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Context field names used for request and trace correlation.
const (
	FieldRequestID = "request_id"
	FieldTraceID   = "trace_id"
	FieldSpanID    = "span_id"
)

type logContextKey struct{}

// sampling memo states stored in logContext.memo.
const (
	memoUndecided = iota
	memoSampled
	memoRejected
)

// logContext is the per-request mutable state carried on a context.Context.
// It holds the ambient log fields and the memoized sampling decision for the
// chain of log calls made under this context. Each WithLogContext call
// installs a fresh state, so concurrent requests never share a memo.
type logContext struct {
	mu     sync.Mutex
	fields map[string]interface{}
	memo   int
}

// decide returns the chain sampling decision, drawing and memoizing it on
// the first undecided call.
func (lc *logContext) decide(draw func() bool) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.memo == memoUndecided {
		if draw() {
			lc.memo = memoSampled
		} else {
			lc.memo = memoRejected
		}
	}
	return lc.memo == memoSampled
}

// forceSampled marks the chain as sampled, overriding an earlier rejection.
// Subsequent records in the chain become visible.
func (lc *logContext) forceSampled() {
	lc.mu.Lock()
	lc.memo = memoSampled
	lc.mu.Unlock()
}

// snapshot returns a copy of the fields map, never the live map.
func (lc *logContext) snapshot() map[string]interface{} {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if len(lc.fields) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(lc.fields))
	for k, v := range lc.fields {
		out[k] = v
	}
	return out
}

// WithLogContext installs a fresh log context carrying the given fields.
// The fields map is copied. Any previously installed log context (and its
// sampling memo) is shadowed, so a new WithLogContext call marks the start
// of a new sampling chain.
func WithLogContext(ctx context.Context, fields map[string]interface{}) context.Context {
	lc := &logContext{fields: make(map[string]interface{}, len(fields))}
	for k, v := range fields {
		lc.fields[k] = v
	}
	return context.WithValue(ctx, logContextKey{}, lc)
}

// UpdateLogContext merges fields into the active log context in place,
// preserving the sampling memo. Without an active log context it behaves
// like WithLogContext.
func UpdateLogContext(ctx context.Context, fields map[string]interface{}) context.Context {
	lc := fromContext(ctx)
	if lc == nil {
		return WithLogContext(ctx, fields)
	}
	lc.mu.Lock()
	for k, v := range fields {
		lc.fields[k] = v
	}
	lc.mu.Unlock()
	return ctx
}

// LogContextFields returns a copy of the active log context fields, or nil
// when no log context is installed.
func LogContextFields(ctx context.Context) map[string]interface{} {
	lc := fromContext(ctx)
	if lc == nil {
		return nil
	}
	return lc.snapshot()
}

// WithRequestID attaches a generated request id to the log context,
// installing one if absent, and returns the id. Useful at request entry
// points so every record of the request carries the same correlation key.
func WithRequestID(ctx context.Context) (context.Context, string) {
	id := uuid.NewString()
	ctx = UpdateLogContext(ctx, map[string]interface{}{FieldRequestID: id})
	return ctx, id
}

// fromContext extracts the active log context, or nil.
func fromContext(ctx context.Context) *logContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey{}).(*logContext)
	return lc
}

// contextSnapshot builds the record's context field snapshot: a copy of the
// log context fields plus trace correlation ids when the context carries a
// valid OpenTelemetry span.
func contextSnapshot(ctx context.Context, lc *logContext) map[string]interface{} {
	var snap map[string]interface{}
	if lc != nil {
		snap = lc.snapshot()
	}
	if ctx == nil {
		return snap
	}
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		if snap == nil {
			snap = make(map[string]interface{}, 2)
		}
		sc := span.SpanContext()
		snap[FieldTraceID] = sc.TraceID().String()
		snap[FieldSpanID] = sc.SpanID().String()
	}
	return snap
}
