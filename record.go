package chainlog

import "time"

// Record is an immutable snapshot of one log event. It is created by a
// Logger once a call passes level and sampling admission, handed to every
// handler in the effective handler set, and then discarded (a QueueHandler
// formats it on the producer side, so only the bytes outlive the call).
//
// Ctx holds a copy of the log context fields taken at construction time;
// mutating the context after the call does not affect an emitted record.
type Record struct {
	// Time is the record creation timestamp.
	Time time.Time

	// Level is the severity the record was logged at.
	Level Level

	// Name is the full dotted name of the originating logger.
	Name string

	// Message is the rendered log message.
	Message string

	// Args holds the raw positional arguments of the log call, unformatted.
	// Kept for downstream consumers; formatters do not interpolate it.
	Args []interface{}

	// Extras holds the structured key/value attributes of the call, if any.
	Extras map[string]interface{}

	// Ctx is the snapshot of the active log context fields, if any.
	Ctx map[string]interface{}

	// Err is the captured error, if one was supplied.
	Err error

	// Stack is a formatted stack trace, captured only when the logger has
	// trace capture enabled.
	Stack string

	// File, Line and Function describe the call site. Populated only when
	// trace capture is enabled; resolving the caller costs a few microseconds
	// per call.
	File     string
	Line     int
	Function string
}
