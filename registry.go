package chainlog

import (
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/chainlog/chainlog/internal/metrics"
)

// Registry owns a logger hierarchy together with its named handlers and
// formatters. Loggers are interned by dotted name; looking one up
// materializes its whole ancestor chain, so attribute resolution always has a
// parent to walk to. A registry starts with usable defaults: text and json
// formatters, a "stderr" stream handler, and a persistent root logger at Info
// writing to it.
//
// Most programs use the package-level default registry; independent
// registries exist so tests and embedded components can keep separate
// configuration.
type Registry struct {
	mu             sync.Mutex
	loggers        map[string]*loggerEntry
	handlers       map[string]Handler
	formatters     map[string]Formatter
	handlerTypes   map[string]HandlerConstructor
	formatterTypes map[string]FormatterConstructor
	errh           ErrorHandler

	metrics *metrics.Collector
}

// loggerEntry tracks whether a registered logger may be reclaimed. Persistent
// loggers (the root, and any logger named by configuration) survive Release.
type loggerEntry struct {
	logger     *Logger
	persistent bool
}

// FormatterConstructor builds a formatter from configuration settings. It
// must reject settings it does not recognize.
type FormatterConstructor func(settings map[string]interface{}) (Formatter, error)

// HandlerConstructor builds a handler from configuration settings, already
// resolved formatter included.
type HandlerConstructor func(formatter Formatter, level Level, settings map[string]interface{}) (Handler, error)

// errorHandlerSetter is satisfied by handlers whose error fallback can be
// replaced after construction.
type errorHandlerSetter interface {
	SetErrorHandler(eh ErrorHandler)
}

// NewRegistry returns a registry with the default handlers, formatters, and
// root logger installed.
func NewRegistry() *Registry {
	r := &Registry{
		handlerTypes:   make(map[string]HandlerConstructor),
		formatterTypes: make(map[string]FormatterConstructor),
		metrics:        metrics.NewCollector(),
	}
	r.handlerTypes["stream"] = newStreamHandlerFromSettings
	r.handlerTypes["queue"] = newQueueHandlerFromSettings
	r.formatterTypes["text"] = newTextFormatterFromSettings
	r.formatterTypes["json"] = newJSONFormatterFromSettings
	r.installDefaultsLocked()
	return r
}

// installDefaultsLocked resets the instance tables to the out-of-the-box
// state. Type catalogs are left alone; registered types survive Clear.
func (r *Registry) installDefaultsLocked() {
	text := NewTextFormatter()
	r.formatters = map[string]Formatter{
		"text": text,
		"json": NewJSONFormatter(),
	}

	stderr := NewStreamHandler(RouteStderr, text, Debug)
	stderr.SetErrorHandler(r.errh)
	r.handlers = map[string]Handler{RouteStderr: stderr}

	root := &Logger{
		name:     "",
		registry: r,

		level:              Info,
		levelSet:           true,
		handlers:           []Handler{stderr},
		handlersSet:        true,
		sampleRate:         1.0,
		sampleRateSet:      true,
		samplePropagate:    true,
		samplePropagateSet: true,
		captureTraceSet:    true,
	}
	r.loggers = map[string]*loggerEntry{
		"": {logger: root, persistent: true},
	}
}

// Root returns the root logger.
func (r *Registry) Root() *Logger {
	return r.GetLogger("", true)
}

// GetLogger returns the logger registered under the dotted name, creating it
// and any missing ancestors on first use. A persistent logger is pinned in
// the registry; a non-persistent one can be reclaimed with Release. Asking
// for an existing logger with persistent set pins it.
func (r *Registry) GetLogger(name string, persistent bool) *Logger {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLoggerLocked(name, persistent)
}

func (r *Registry) getLoggerLocked(name string, persistent bool) *Logger {
	if e, ok := r.loggers[name]; ok {
		if persistent {
			e.persistent = true
		}
		return e.logger
	}

	parentName := ""
	if i := strings.LastIndex(name, "."); i >= 0 {
		parentName = name[:i]
	}
	// Implicit ancestors stay reclaimable even when the leaf is pinned.
	parent := r.getLoggerLocked(parentName, false)

	l := &Logger{name: name, parent: parent, registry: r}
	r.loggers[name] = &loggerEntry{logger: l, persistent: persistent}
	return l
}

// release forgets a non-persistent logger. Loggers still holding the released
// instance keep working through their parent pointers; the next lookup by the
// same name builds a fresh node with no explicit overrides.
func (r *Registry) release(l *Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.loggers[l.name]
	if !ok || e.logger != l || e.persistent {
		return
	}
	delete(r.loggers, l.name)
}

// LoggerNames returns the sorted names of all registered loggers.
func (r *Registry) LoggerNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.loggers))
	for name := range r.loggers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddHandler registers a handler instance under a name. Replacing an
// existing name rewires every logger whose explicit handler set holds the
// old instance to the new one, then closes the old instance, so loggers
// configured against the name keep emitting across reconfiguration.
func (r *Registry) AddHandler(name string, h Handler) error {
	if setter, ok := h.(errorHandlerSetter); ok {
		r.mu.Lock()
		eh := r.errh
		r.mu.Unlock()
		if eh != nil {
			setter.SetErrorHandler(eh)
		}
	}

	r.mu.Lock()
	old := r.handlers[name]
	r.handlers[name] = h
	var rewire []*Logger
	if old != nil && !handlerEqual(old, h) {
		for _, e := range r.loggers {
			rewire = append(rewire, e.logger)
		}
	}
	r.mu.Unlock()

	if old == nil || handlerEqual(old, h) {
		return nil
	}
	for _, l := range rewire {
		l.replaceHandler(old, h)
	}
	return errors.Wrapf(old.Close(), "close replaced handler %q", name)
}

// Handler returns the handler registered under name.
func (r *Registry) Handler(name string) (Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[name]
	return h, ok
}

// AddFormatter registers a formatter instance under a name.
func (r *Registry) AddFormatter(name string, f Formatter) {
	r.mu.Lock()
	r.formatters[name] = f
	r.mu.Unlock()
}

// Formatter returns the formatter registered under name.
func (r *Registry) Formatter(name string) (Formatter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.formatters[name]
	return f, ok
}

// RegisterHandlerType registers a constructor for configuration blocks with
// the given type name. Registered types survive Clear.
func (r *Registry) RegisterHandlerType(name string, ctor HandlerConstructor) {
	r.mu.Lock()
	r.handlerTypes[name] = ctor
	r.mu.Unlock()
}

// RegisterFormatterType registers a constructor for configuration blocks with
// the given type name. Registered types survive Clear.
func (r *Registry) RegisterFormatterType(name string, ctor FormatterConstructor) {
	r.mu.Lock()
	r.formatterTypes[name] = ctor
	r.mu.Unlock()
}

func (r *Registry) errHandler() ErrorHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errh
}

// SetErrorHandler routes internal failures (stream writes, queue batches,
// contained handler panics) of every current and future registry-owned
// handler to eh.
func (r *Registry) SetErrorHandler(eh ErrorHandler) {
	r.mu.Lock()
	r.errh = eh
	handlers := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		if setter, ok := h.(errorHandlerSetter); ok {
			setter.SetErrorHandler(eh)
		}
	}
}

// Clear closes every registered handler and restores the default loggers,
// handlers, and formatters. Registered handler and formatter types are kept.
// Handler close failures are collected and returned together; the reset
// happens regardless.
func (r *Registry) Clear() error {
	r.mu.Lock()
	old := r.handlers
	r.installDefaultsLocked()
	r.mu.Unlock()

	var result *multierror.Error
	for name, h := range old {
		if err := h.Close(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "close handler %q", name))
		}
	}
	return result.ErrorOrNil()
}

// RegistryStats is a point-in-time view of the registry's pipeline counters.
type RegistryStats struct {
	// EmittedByLevel counts records that passed level and sampling
	// admission, keyed by level.
	EmittedByLevel map[Level]uint64

	// SampledOut counts records rejected by the sampling gate.
	SampledOut uint64
}

// Stats returns the registry's current counters.
func (r *Registry) Stats() RegistryStats {
	snap := r.metrics.Snapshot()
	stats := RegistryStats{
		EmittedByLevel: make(map[Level]uint64, len(snap.EmittedByLevel)),
		SampledOut:     snap.SampledOut,
	}
	for level, count := range snap.EmittedByLevel {
		stats.EmittedByLevel[Level(level)] = count
	}
	return stats
}

// defaultRegistry backs the package-level functions.
var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the package-level registry.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// GetLogger returns a reclaimable logger from the default registry.
func GetLogger(name string) *Logger {
	return Default().GetLogger(name, false)
}

// Root returns the default registry's root logger.
func Root() *Logger {
	return Default().Root()
}

// Clear resets the default registry to its out-of-the-box state.
func Clear() error {
	return Default().Clear()
}

// RegisterHandlerType registers a handler constructor with the default
// registry.
func RegisterHandlerType(name string, ctor HandlerConstructor) {
	Default().RegisterHandlerType(name, ctor)
}

// RegisterFormatterType registers a formatter constructor with the default
// registry.
func RegisterFormatterType(name string, ctor FormatterConstructor) {
	Default().RegisterFormatterType(name, ctor)
}
