package chainlog

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chainlog/chainlog/internal/metrics"
)

// QueuePolicy selects what a bounded QueueHandler does when its queue is full.
type QueuePolicy int

const (
	// QueueBlock makes the logging caller wait for queue space.
	QueueBlock QueuePolicy = iota

	// QueueDropNewest discards the incoming record.
	QueueDropNewest

	// QueueDropOldest evicts the oldest queued record to admit the new one.
	QueueDropOldest
)

// String returns the policy name.
func (p QueuePolicy) String() string {
	switch p {
	case QueueBlock:
		return "block"
	case QueueDropNewest:
		return "drop_newest"
	case QueueDropOldest:
		return "drop_oldest"
	default:
		return fmt.Sprintf("POLICY(%d)", int(p))
	}
}

// ParseQueuePolicy converts a policy name to its value.
func ParseQueuePolicy(name string) (QueuePolicy, error) {
	switch name {
	case "block", "":
		return QueueBlock, nil
	case "drop_newest":
		return QueueDropNewest, nil
	case "drop_oldest":
		return QueueDropOldest, nil
	default:
		return QueueBlock, fmt.Errorf("unknown queue policy %q", name)
	}
}

// QueueHandler defaults.
const (
	DefaultBatchSize     = 64
	DefaultFlushInterval = 200 * time.Millisecond
	DefaultWriteRetries  = 3
	DefaultRetryInterval = 100 * time.Millisecond
)

// QueueHandler decouples logging callers from sink latency. Handle formats
// the record on the caller's goroutine, enqueues the bytes, and returns; a
// single consumer goroutine accumulates batches and hands them to the sink
// whenever a batch fills or the flush interval elapses. The consumer starts
// lazily with the first record and survives sink failures: a batch that still
// fails after the retry budget is reported and dropped, not the goroutine.
//
// Close stops intake, drains everything already queued through the sink, and
// then closes the sink. It is idempotent.
type QueueHandler struct {
	sink Sink

	mu        sync.Mutex
	notFull   *sync.Cond
	pending   [][]byte
	formatter Formatter
	level     Level
	errh      ErrorHandler
	closed    bool
	started   bool

	capacity      int
	policy        QueuePolicy
	batchSize     int
	flushInterval time.Duration
	writeRetries  uint64
	retryInterval time.Duration

	startOnce    sync.Once
	closeOnce    sync.Once
	wake         chan struct{}
	done         chan struct{}
	consumerDone chan struct{}

	stats *metrics.Collector
}

// QueueOption configures a QueueHandler.
type QueueOption func(*QueueHandler)

// WithQueueCapacity bounds the pending queue to n records; the handler's
// policy decides what happens at the bound. n <= 0 leaves the queue
// unbounded, which is also the default.
func WithQueueCapacity(n int) QueueOption {
	return func(h *QueueHandler) { h.capacity = n }
}

// WithQueuePolicy selects the full-queue policy for a bounded handler.
func WithQueuePolicy(p QueuePolicy) QueueOption {
	return func(h *QueueHandler) { h.policy = p }
}

// WithBatchSize sets how many records accumulate before the consumer writes
// a batch.
func WithBatchSize(n int) QueueOption {
	return func(h *QueueHandler) {
		if n > 0 {
			h.batchSize = n
		}
	}
}

// WithFlushInterval sets how long a partial batch may wait before it is
// written anyway.
func WithFlushInterval(d time.Duration) QueueOption {
	return func(h *QueueHandler) {
		if d > 0 {
			h.flushInterval = d
		}
	}
}

// WithWriteRetries sets how many times a failed batch write is retried, with
// exponential backoff, before the batch is dropped.
func WithWriteRetries(n uint64) QueueOption {
	return func(h *QueueHandler) { h.writeRetries = n }
}

// WithRetryInterval sets the initial backoff delay between write retries.
func WithRetryInterval(d time.Duration) QueueOption {
	return func(h *QueueHandler) {
		if d > 0 {
			h.retryInterval = d
		}
	}
}

// WithQueueErrorHandler routes the handler's internal failures (sink opens,
// batch writes) to eh instead of the process error stream.
func WithQueueErrorHandler(eh ErrorHandler) QueueOption {
	return func(h *QueueHandler) { h.errh = eh }
}

// NewQueueHandler creates an asynchronous handler draining into sink.
func NewQueueHandler(sink Sink, formatter Formatter, level Level, opts ...QueueOption) *QueueHandler {
	h := &QueueHandler{
		sink:          sink,
		formatter:     formatter,
		level:         level,
		policy:        QueueBlock,
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		writeRetries:  DefaultWriteRetries,
		retryInterval: DefaultRetryInterval,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		consumerDone:  make(chan struct{}),
		stats:         metrics.NewCollector(),
	}
	h.notFull = sync.NewCond(&h.mu)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Sink returns the handler's destination.
func (h *QueueHandler) Sink() Sink { return h.sink }

// SetLevel changes the handler's level threshold.
func (h *QueueHandler) SetLevel(level Level) {
	h.mu.Lock()
	h.level = level
	h.mu.Unlock()
}

// Level returns the handler's level threshold.
func (h *QueueHandler) Level() Level {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.level
}

func (h *QueueHandler) errHandler() ErrorHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errh
}

// SetErrorHandler replaces the fallback channel for sink failures.
func (h *QueueHandler) SetErrorHandler(eh ErrorHandler) {
	h.mu.Lock()
	h.errh = eh
	h.mu.Unlock()
}

// SetFormatter replaces the handler's formatter.
func (h *QueueHandler) SetFormatter(f Formatter) {
	h.mu.Lock()
	h.formatter = f
	h.mu.Unlock()
}

// Handle formats rec and enqueues the bytes for the consumer. Formatting
// happens on the caller's goroutine so a record mutated after the call cannot
// change what gets written.
func (h *QueueHandler) Handle(rec *Record) {
	h.mu.Lock()
	if h.closed || rec.Level < h.level {
		h.mu.Unlock()
		return
	}
	f := h.formatter
	h.mu.Unlock()

	line, err := f.Format(rec)
	if err != nil {
		reportError(h.errHandler(), "format", h.sink.Name(), "formatting record", err)
		return
	}

	h.start()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if h.capacity > 0 && len(h.pending) >= h.capacity {
		switch h.policy {
		case QueueBlock:
			for len(h.pending) >= h.capacity && !h.closed {
				h.notFull.Wait()
			}
			if h.closed {
				h.mu.Unlock()
				return
			}
		case QueueDropNewest:
			h.mu.Unlock()
			h.stats.IncQueueDropped()
			return
		case QueueDropOldest:
			for len(h.pending) >= h.capacity {
				h.pending = h.pending[1:]
				h.stats.IncQueueDropped()
			}
		}
	}
	h.pending = append(h.pending, line)
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// start launches the consumer goroutine on the first record.
func (h *QueueHandler) start() {
	h.startOnce.Do(func() {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return
		}
		h.started = true
		h.mu.Unlock()

		if err := h.sink.Open(); err != nil {
			// The consumer still runs; the sink reopens lazily on the
			// first batch write and failures keep getting reported.
			reportError(h.errHandler(), "open", h.sink.Name(), "opening sink", err)
		}
		go h.consume()
	})
}

// consume is the single consumer loop: full batches on wake, partial batches
// on the flush tick, a complete drain plus sink close on shutdown.
func (h *QueueHandler) consume() {
	defer close(h.consumerDone)

	ticker := time.NewTicker(h.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.wake:
			for {
				batch := h.takeBatch(true)
				if len(batch) == 0 {
					break
				}
				h.writeBatch(batch)
			}
		case <-ticker.C:
			h.drain()
		case <-h.done:
			h.drain()
			if err := h.sink.Close(); err != nil {
				reportError(h.errHandler(), "close", h.sink.Name(), "closing sink", err)
			}
			return
		}
	}
}

// drain writes everything pending, partial final batch included.
func (h *QueueHandler) drain() {
	for {
		batch := h.takeBatch(false)
		if len(batch) == 0 {
			return
		}
		h.writeBatch(batch)
	}
}

// takeBatch pops up to batchSize records from the queue. With fullOnly set it
// returns nothing unless a complete batch is available, leaving partial
// accumulations to the flush tick.
func (h *QueueHandler) takeBatch(fullOnly bool) [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.pending)
	if n == 0 || (fullOnly && n < h.batchSize) {
		return nil
	}
	if n > h.batchSize {
		n = h.batchSize
	}
	batch := make([][]byte, n)
	copy(batch, h.pending[:n])
	h.pending = append(h.pending[:0], h.pending[n:]...)
	h.notFull.Broadcast()
	return batch
}

// writeBatch hands one batch to the sink, retrying transient failures with
// exponential backoff. A batch that exhausts the retry budget is dropped and
// reported so the consumer keeps serving later records.
func (h *QueueHandler) writeBatch(batch [][]byte) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = h.retryInterval
	bo.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		return h.sink.WriteBatch(batch)
	}, backoff.WithMaxRetries(bo, h.writeRetries))
	if err != nil {
		h.stats.IncWriteError()
		reportError(h.errHandler(), "write", h.sink.Name(),
			fmt.Sprintf("dropping batch of %d records", len(batch)), err)
		return
	}

	size := 0
	for _, rec := range batch {
		size += len(rec)
	}
	h.stats.AddBatch(len(batch), size)
}

// Close stops intake, drains the queue through the sink, closes the sink, and
// waits for the consumer to exit. Records arriving after Close are discarded.
func (h *QueueHandler) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		started := h.started
		h.notFull.Broadcast()
		h.mu.Unlock()

		if started {
			close(h.done)
			<-h.consumerDone
		} else {
			// Nothing was ever queued; just release the sink.
			if err := h.sink.Close(); err != nil {
				reportError(h.errHandler(), "close", h.sink.Name(), "closing sink", err)
			}
		}
	})
	return nil
}

// QueueStats is a point-in-time view of a QueueHandler's counters.
type QueueStats struct {
	// Pending is the number of records queued but not yet written.
	Pending int

	// Dropped counts records discarded by a full-queue policy.
	Dropped uint64

	// BatchesWritten and RecordsWritten count successful sink writes.
	BatchesWritten uint64
	RecordsWritten uint64

	// BytesWritten is the formatted payload volume written, terminators
	// excluded.
	BytesWritten uint64

	// WriteErrors counts batches dropped after exhausting their retries.
	WriteErrors uint64
}

// Stats returns the handler's current counters.
func (h *QueueHandler) Stats() QueueStats {
	h.mu.Lock()
	pending := len(h.pending)
	h.mu.Unlock()

	snap := h.stats.Snapshot()
	return QueueStats{
		Pending:        pending,
		Dropped:        snap.QueueDropped,
		BatchesWritten: snap.BatchesWritten,
		RecordsWritten: snap.RecordsWritten,
		BytesWritten:   snap.BytesWritten,
		WriteErrors:    snap.WriteErrors,
	}
}
