package chainlog

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Sentinel errors returned by configuration and lifecycle operations.
var (
	// ErrClosed is returned when an operation is attempted on a closed
	// handler or sink.
	ErrClosed = errors.New("chainlog: closed")

	// ErrUnknownHandlerType is returned by Configure for an unregistered
	// handler type tag.
	ErrUnknownHandlerType = errors.New("chainlog: unknown handler type")

	// ErrUnknownFormatterType is returned by Configure for an unregistered
	// formatter type tag.
	ErrUnknownFormatterType = errors.New("chainlog: unknown formatter type")

	// ErrUnknownSink is returned by the queue handler constructor for an
	// unrecognized sink tag.
	ErrUnknownSink = errors.New("chainlog: unknown sink")
)

// LogError describes a failure inside the logging pipeline itself: a
// formatter error, a failed write, a dropped batch. These never propagate to
// the caller of a log method; they are delivered to an ErrorHandler instead.
type LogError struct {
	Time    time.Time
	Source  string // "format", "write", "batch", "open", "close", "dispatch"
	Handler string // route or sink description, if known
	Message string
	Err     error
}

// Error implements the error interface.
func (e LogError) Error() string {
	if e.Handler != "" {
		return fmt.Sprintf("[%s] %s error in %s: %s: %v",
			e.Time.Format("2006-01-02 15:04:05"), e.Source, e.Handler, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s error: %s: %v",
		e.Time.Format("2006-01-02 15:04:05"), e.Source, e.Message, e.Err)
}

// Unwrap exposes the underlying error to errors.Is/As.
func (e LogError) Unwrap() error { return e.Err }

// ErrorHandler consumes pipeline failures. Implementations must not log
// through chainlog (that could recurse) and must not block.
type ErrorHandler func(LogError)

// StderrErrorHandler writes pipeline failures to the process error stream.
// This is the default fallback channel.
func StderrErrorHandler(err LogError) {
	fmt.Fprintf(os.Stderr, "--- logging error ---\n%s\n", err.Error())
}

// SilentErrorHandler discards pipeline failures.
func SilentErrorHandler(LogError) {}

// ChannelErrorHandler delivers failures to ch, falling back to stderr when
// the channel is full.
func ChannelErrorHandler(ch chan<- LogError) ErrorHandler {
	return func(err LogError) {
		select {
		case ch <- err:
		default:
			StderrErrorHandler(err)
		}
	}
}

// MultiErrorHandler fans a failure out to several handlers.
func MultiErrorHandler(handlers ...ErrorHandler) ErrorHandler {
	return func(err LogError) {
		for _, h := range handlers {
			if h != nil {
				h(err)
			}
		}
	}
}

// reportError builds a LogError and hands it to the handler, defaulting to
// stderr when none is set.
func reportError(h ErrorHandler, source, handler, message string, err error) {
	le := LogError{
		Time:    time.Now(),
		Source:  source,
		Handler: handler,
		Message: message,
		Err:     err,
	}
	if h != nil {
		h(le)
		return
	}
	StderrErrorHandler(le)
}
