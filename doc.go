// Package chainlog is a structured logging library built around three ideas:
// hierarchical named loggers, context-propagated sampling, and queue-batched
// handlers that keep log producers off the I/O path.
//
// Loggers form a dot-separated tree rooted at the empty name. Level, handler
// set, sample rate and trace capture are resolved lazily from the nearest
// ancestor that set them explicitly, so changing a parent at runtime is
// immediately visible to children that do not override it:
//
//	app := chainlog.GetLogger("app")
//	svc := app.Child("billing")
//	app.SetLevel(chainlog.Debug) // svc now admits debug records too
//
// Sampling is chain-aware. When a log context is installed on the
// context.Context (see WithLogContext), the first call that needs a sampling
// decision draws it and memoizes the result in the context, and every later
// call in the same context reuses it: a request's log chain is either fully
// emitted or fully suppressed. A Warn-or-above record forces the chain to
// "sampled" from that point forward. Records at Warn and above, and at Never,
// are never dropped by sampling.
//
// Handlers come in two flavors. StreamHandler writes synchronously under a
// mutex. QueueHandler enqueues formatted bytes and drains them from a single
// background goroutine into batches, amortizing writes to slow sinks (files,
// NATS subjects). On Close the queue is drained and flushed before the
// consumer exits; a hard kill mid-flush may lose the in-flight batch.
//
// Logging calls never return errors and never panic because of a formatter or
// handler failure; such failures are routed to an ErrorHandler (stderr by
// default).
package chainlog
