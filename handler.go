package chainlog

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// Handler consumes admitted records. Any type satisfying the interface can
// be attached to a logger or registered with a registry; the two built-in
// implementations are StreamHandler (synchronous) and QueueHandler
// (asynchronous, batched).
//
// Handle must never panic the caller's goroutine on a write failure; errors
// are routed to the handler's ErrorHandler.
type Handler interface {
	// Handle formats and emits one record. Records below the handler's own
	// level threshold are ignored.
	Handle(rec *Record)

	// SetLevel changes the handler's own level threshold.
	SetLevel(level Level)

	// Level returns the handler's own level threshold.
	Level() Level

	// Close flushes and releases the underlying destination. Idempotent.
	Close() error
}

// FormatterSetter is implemented by handlers whose formatter can be swapped
// after construction.
type FormatterSetter interface {
	SetFormatter(f Formatter)
}

// Well-known stream routes.
const (
	RouteStderr = "stderr"
	RouteStdout = "stdout"
)

// recordTerminator separates records in stream output.
var recordTerminator = []byte{'\n'}

// StreamHandler writes each record synchronously to its destination: the
// process standard streams or an append-only file. The destination opens
// lazily on the first record; writes are serialized by an internal mutex, so
// the handler is safe to share across goroutines. File destinations
// additionally take a flock advisory lock around each write so appends from
// cooperating processes do not interleave mid-record.
type StreamHandler struct {
	route string

	mu        sync.Mutex
	formatter Formatter
	level     Level
	w         io.Writer
	file      *os.File
	lock      *flock.Flock
	closed    bool
	errh      ErrorHandler
}

// NewStreamHandler creates a synchronous handler for route: "stderr",
// "stdout", or a file path. The file (and its directory) is created on the
// first write.
func NewStreamHandler(route string, formatter Formatter, level Level) *StreamHandler {
	return &StreamHandler{
		route:     route,
		formatter: formatter,
		level:     level,
	}
}

// NewWriterHandler creates a synchronous handler emitting to an arbitrary
// writer. Mostly useful in tests and for custom in-process destinations.
func NewWriterHandler(w io.Writer, formatter Formatter, level Level) *StreamHandler {
	return &StreamHandler{
		route:     "writer",
		formatter: formatter,
		level:     level,
		w:         w,
	}
}

// Route returns the handler's destination route.
func (h *StreamHandler) Route() string { return h.route }

// SetLevel changes the handler's level threshold.
func (h *StreamHandler) SetLevel(level Level) {
	h.mu.Lock()
	h.level = level
	h.mu.Unlock()
}

// Level returns the handler's level threshold.
func (h *StreamHandler) Level() Level {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.level
}

// SetFormatter replaces the handler's formatter.
func (h *StreamHandler) SetFormatter(f Formatter) {
	h.mu.Lock()
	h.formatter = f
	h.mu.Unlock()
}

// SetErrorHandler replaces the fallback channel for write failures.
func (h *StreamHandler) SetErrorHandler(eh ErrorHandler) {
	h.mu.Lock()
	h.errh = eh
	h.mu.Unlock()
}

// Handle formats rec and writes it immediately. Failures are reported
// through the error handler, never returned to the logging caller.
func (h *StreamHandler) Handle(rec *Record) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || rec.Level < h.level {
		return
	}
	if h.w == nil {
		if err := h.openLocked(); err != nil {
			reportError(h.errh, "open", h.route, "opening stream", err)
			return
		}
	}

	line, err := h.formatter.Format(rec)
	if err != nil {
		reportError(h.errh, "format", h.route, "formatting record", err)
		return
	}

	if h.lock != nil {
		if err := h.lock.Lock(); err != nil {
			reportError(h.errh, "lock", h.route, "acquiring file lock", err)
			return
		}
		defer func() {
			_ = h.lock.Unlock()
		}()
	}
	if _, err := h.w.Write(append(line, recordTerminator...)); err != nil {
		reportError(h.errh, "write", h.route, "writing record", err)
	}
}

// openLocked resolves the route and opens the destination. Must be called
// with h.mu held.
func (h *StreamHandler) openLocked() error {
	switch h.route {
	case RouteStderr:
		h.w = os.Stderr
	case RouteStdout:
		h.w = os.Stdout
	default:
		path := filepath.Clean(h.route)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errors.Wrap(err, "create log directory")
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		h.file = file
		h.w = file
		h.lock = flock.New(path)
	}
	return nil
}

// Close releases the destination. Standard streams are left open; files are
// synced and closed. Safe to call more than once.
func (h *StreamHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	if h.file != nil {
		err := h.file.Close()
		h.file = nil
		h.w = nil
		if err != nil {
			return errors.Wrap(err, "close log file")
		}
	}
	h.w = nil
	return nil
}
