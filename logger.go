package chainlog

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Logger is a named node in the logger hierarchy. Attributes that were never
// set explicitly on a node are resolved lazily from the nearest ancestor that
// did set them, so a parent reconfigured at runtime is immediately visible to
// every descendant that does not override it. The root logger (name "") is
// created with explicit defaults and terminates every chain.
//
// Loggers are created through a Registry (or the package-level GetLogger) and
// are safe for concurrent use.
type Logger struct {
	name     string
	parent   *Logger
	registry *Registry

	mu                 sync.RWMutex
	level              Level
	levelSet           bool
	handlers           []Handler
	handlersSet        bool
	sampleRate         float64
	sampleRateSet      bool
	samplePropagate    bool
	samplePropagateSet bool
	captureTrace       bool
	captureTraceSet    bool
}

// Name returns the full dotted name of the logger. The root logger's name is
// the empty string.
func (l *Logger) Name() string { return l.name }

// Parent returns the parent logger, or nil for the root.
func (l *Logger) Parent() *Logger { return l.parent }

// Child returns (creating and registering if needed) the child logger named
// name under this logger. The child is registered non-persistently: it is
// reclaimable via Release once the caller lets go of it.
func (l *Logger) Child(name string) *Logger {
	full := name
	if l.name != "" {
		full = l.name + "." + name
	}
	return l.registry.GetLogger(full, false)
}

// Release removes this logger from its registry unless it is persistent.
// Releasing forgets every explicit override set on the logger; the next
// lookup by the same name yields a fresh logger inheriting purely from its
// ancestor chain. Call it when a short-lived, per-task logger's owning scope
// ends so high-cardinality names do not accumulate.
func (l *Logger) Release() {
	l.registry.release(l)
}

// SetLevel sets an explicit level threshold on this node.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.levelSet = true
	l.mu.Unlock()
}

// EffectiveLevel resolves the level threshold from this node or the nearest
// ancestor that set one.
func (l *Logger) EffectiveLevel() Level {
	for n := l; n != nil; n = n.parent {
		n.mu.RLock()
		if n.levelSet {
			level := n.level
			n.mu.RUnlock()
			return level
		}
		n.mu.RUnlock()
	}
	return Info
}

// SetHandlers replaces this node's explicit handler set.
func (l *Logger) SetHandlers(handlers ...Handler) {
	l.mu.Lock()
	l.handlers = append([]Handler(nil), handlers...)
	l.handlersSet = true
	l.mu.Unlock()
}

// AddHandler appends a handler to this node's explicit handler set, starting
// one from the inherited set if the node had none of its own.
func (l *Logger) AddHandler(h Handler) {
	inherited := l.EffectiveHandlers()
	l.mu.Lock()
	if !l.handlersSet {
		l.handlers = append([]Handler(nil), inherited...)
		l.handlersSet = true
	}
	l.handlers = append(l.handlers, h)
	l.mu.Unlock()
}

// EffectiveHandlers resolves the handler set from this node or the nearest
// ancestor that set one. Duplicate handler instances are suppressed, order
// preserved, so a handler reachable twice through the chain is invoked once.
func (l *Logger) EffectiveHandlers() []Handler {
	for n := l; n != nil; n = n.parent {
		n.mu.RLock()
		if n.handlersSet {
			out := make([]Handler, 0, len(n.handlers))
			for _, h := range n.handlers {
				if !containsHandler(out, h) {
					out = append(out, h)
				}
			}
			n.mu.RUnlock()
			return out
		}
		n.mu.RUnlock()
	}
	return nil
}

func containsHandler(hs []Handler, h Handler) bool {
	for _, have := range hs {
		if handlerEqual(have, h) {
			return true
		}
	}
	return false
}

// handlerEqual compares two handlers by identity without panicking on
// non-comparable dynamic types (a struct handler with map or func fields).
// Identity is undefined for those, so they never compare equal.
func handlerEqual(a, b Handler) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// replaceHandler substitutes a replaced instance in this node's explicit
// handler set. Called by the registry when a named handler is reconfigured.
func (l *Logger) replaceHandler(old, repl Handler) {
	l.mu.Lock()
	if l.handlersSet {
		for i, h := range l.handlers {
			if handlerEqual(h, old) {
				l.handlers[i] = repl
			}
		}
	}
	l.mu.Unlock()
}

// SetSampleRate sets the probability, in [0, 1], at which records below Warn
// are sampled. Values >= 1 disable sampling.
func (l *Logger) SetSampleRate(rate float64) {
	if rate < 0 {
		rate = 0
	}
	l.mu.Lock()
	l.sampleRate = rate
	l.sampleRateSet = true
	l.mu.Unlock()
}

// EffectiveSampleRate resolves the sample rate from this node or the nearest
// ancestor that set one. The default is 1 (sampling disabled).
func (l *Logger) EffectiveSampleRate() float64 {
	for n := l; n != nil; n = n.parent {
		n.mu.RLock()
		if n.sampleRateSet {
			rate := n.sampleRate
			n.mu.RUnlock()
			return rate
		}
		n.mu.RUnlock()
	}
	return 1.0
}

// SetSamplePropagate controls whether the sampling decision is shared across
// the log chain of an active context (the default) or drawn independently
// per record.
func (l *Logger) SetSamplePropagate(propagate bool) {
	l.mu.Lock()
	l.samplePropagate = propagate
	l.samplePropagateSet = true
	l.mu.Unlock()
}

// EffectiveSamplePropagate resolves the propagate flag; the default is true.
func (l *Logger) EffectiveSamplePropagate() bool {
	for n := l; n != nil; n = n.parent {
		n.mu.RLock()
		if n.samplePropagateSet {
			p := n.samplePropagate
			n.mu.RUnlock()
			return p
		}
		n.mu.RUnlock()
	}
	return true
}

// SetCaptureTrace enables call-site capture (file, line, function, and a
// stack for Error-and-above records). Off by default; resolving the caller
// has a measurable per-call cost.
func (l *Logger) SetCaptureTrace(capture bool) {
	l.mu.Lock()
	l.captureTrace = capture
	l.captureTraceSet = true
	l.mu.Unlock()
}

// EffectiveCaptureTrace resolves the trace capture flag; the default is
// false.
func (l *Logger) EffectiveCaptureTrace() bool {
	for n := l; n != nil; n = n.parent {
		n.mu.RLock()
		if n.captureTraceSet {
			c := n.captureTrace
			n.mu.RUnlock()
			return c
		}
		n.mu.RUnlock()
	}
	return false
}

// Debug logs a printf-style message at Debug.
func (l *Logger) Debug(ctx context.Context, msg string, args ...interface{}) {
	l.log(ctx, Debug, nil, msg, args, nil)
}

// Info logs a printf-style message at Info.
func (l *Logger) Info(ctx context.Context, msg string, args ...interface{}) {
	l.log(ctx, Info, nil, msg, args, nil)
}

// Warn logs a printf-style message at Warn. Warn records bypass sampling and
// pin an active sampling chain to "sampled".
func (l *Logger) Warn(ctx context.Context, msg string, args ...interface{}) {
	l.log(ctx, Warn, nil, msg, args, nil)
}

// Error logs a printf-style message at Error.
func (l *Logger) Error(ctx context.Context, msg string, args ...interface{}) {
	l.log(ctx, Error, nil, msg, args, nil)
}

// Critical logs a printf-style message at Critical.
func (l *Logger) Critical(ctx context.Context, msg string, args ...interface{}) {
	l.log(ctx, Critical, nil, msg, args, nil)
}

// NeverLog logs at the Never level: the record ignores every level threshold
// and always passes sampling.
func (l *Logger) NeverLog(ctx context.Context, msg string, args ...interface{}) {
	l.log(ctx, Never, nil, msg, args, nil)
}

// DebugWith logs a message with structured attributes at Debug.
func (l *Logger) DebugWith(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(ctx, Debug, nil, msg, nil, fields)
}

// InfoWith logs a message with structured attributes at Info.
func (l *Logger) InfoWith(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(ctx, Info, nil, msg, nil, fields)
}

// WarnWith logs a message with structured attributes at Warn.
func (l *Logger) WarnWith(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(ctx, Warn, nil, msg, nil, fields)
}

// ErrorWith logs a message with structured attributes at Error.
func (l *Logger) ErrorWith(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(ctx, Error, nil, msg, nil, fields)
}

// CriticalWith logs a message with structured attributes at Critical.
func (l *Logger) CriticalWith(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(ctx, Critical, nil, msg, nil, fields)
}

// NeverWith logs a message with structured attributes at Never.
func (l *Logger) NeverWith(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(ctx, Never, nil, msg, nil, fields)
}

// ErrorErr logs a printf-style message at Error, capturing err on the record.
func (l *Logger) ErrorErr(ctx context.Context, err error, msg string, args ...interface{}) {
	l.log(ctx, Error, err, msg, args, nil)
}

// CriticalErr logs a printf-style message at Critical, capturing err on the
// record.
func (l *Logger) CriticalErr(ctx context.Context, err error, msg string, args ...interface{}) {
	l.log(ctx, Critical, err, msg, args, nil)
}

// Log logs at an arbitrary level, capturing err when non-nil.
func (l *Logger) Log(ctx context.Context, level Level, err error, msg string, args ...interface{}) {
	l.log(ctx, level, err, msg, args, nil)
}

// log is the single admission and dispatch path. Every exported log method
// calls it exactly one frame deep so caller resolution stays uniform.
func (l *Logger) log(ctx context.Context, level Level, err error, msg string, args []interface{}, extras map[string]interface{}) {
	if level != Never && level < l.EffectiveLevel() {
		return
	}
	lc := fromContext(ctx)
	if !l.sampleAdmit(level, lc) {
		l.registry.metrics.IncSampledOut()
		return
	}

	rec := &Record{
		Time:   time.Now(),
		Level:  level,
		Name:   l.name,
		Args:   args,
		Extras: extras,
		Err:    err,
		Ctx:    contextSnapshot(ctx, lc),
	}
	if len(args) > 0 {
		rec.Message = fmt.Sprintf(msg, args...)
	} else {
		rec.Message = msg
	}
	if l.EffectiveCaptureTrace() {
		if pc, file, line, ok := runtime.Caller(2); ok {
			rec.File = file
			rec.Line = line
			if fn := runtime.FuncForPC(pc); fn != nil {
				rec.Function = fn.Name()
			}
		}
		if level >= Error {
			rec.Stack = captureStack()
		}
	}

	l.registry.metrics.IncEmitted(int(level))
	eh := l.registry.errHandler()
	for _, h := range l.EffectiveHandlers() {
		dispatch(h, rec, eh)
	}
}

// dispatch invokes one handler, containing panics so a broken handler cannot
// take down the caller's goroutine.
func dispatch(h Handler, rec *Record, eh ErrorHandler) {
	defer func() {
		if r := recover(); r != nil {
			reportError(eh, "dispatch", "", fmt.Sprintf("handler panic on record from %q", rec.Name), fmt.Errorf("%v", r))
		}
	}()
	h.Handle(rec)
}

// captureStack returns a trimmed stack trace of the logging call site.
func captureStack() string {
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	stack := string(buf[:n])

	// Drop the goroutine header and the chainlog-internal frames.
	lines := strings.Split(stack, "\n")
	if len(lines) > 7 {
		lines = lines[7:]
	}
	return strings.Join(lines, "\n")
}
