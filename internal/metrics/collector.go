// Package metrics collects internal counters for the logging pipeline.
// The library instruments itself so tests and operators can observe what the
// sampling gate and the queue handlers are doing without attaching an
// external metrics system.
package metrics

import (
	"sync"
	"sync/atomic"
)

// Collector accumulates pipeline counters. All methods are safe for
// concurrent use; counters are monotonic.
type Collector struct {
	emittedByLevel sync.Map // map[int]*atomic.Uint64

	sampledOut     atomic.Uint64
	queueDropped   atomic.Uint64
	batchesWritten atomic.Uint64
	recordsWritten atomic.Uint64
	writeErrors    atomic.Uint64
	bytesWritten   atomic.Uint64
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// IncEmitted counts a record that passed admission at the given level.
func (c *Collector) IncEmitted(level int) {
	counter, ok := c.emittedByLevel.Load(level)
	if !ok {
		counter, _ = c.emittedByLevel.LoadOrStore(level, new(atomic.Uint64))
	}
	counter.(*atomic.Uint64).Add(1)
}

// IncSampledOut counts a record rejected by the sampling gate.
func (c *Collector) IncSampledOut() {
	c.sampledOut.Add(1)
}

// IncQueueDropped counts a record dropped by a full-queue policy.
func (c *Collector) IncQueueDropped() {
	c.queueDropped.Add(1)
}

// AddBatch counts one batch write of n records and size bytes.
func (c *Collector) AddBatch(n, size int) {
	c.batchesWritten.Add(1)
	c.recordsWritten.Add(uint64(n))
	c.bytesWritten.Add(uint64(size))
}

// IncWriteError counts a failed batch write (after retries).
func (c *Collector) IncWriteError() {
	c.writeErrors.Add(1)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	EmittedByLevel map[int]uint64
	SampledOut     uint64
	QueueDropped   uint64
	BatchesWritten uint64
	RecordsWritten uint64
	WriteErrors    uint64
	BytesWritten   uint64
}

// Snapshot returns a copy of all counters.
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		EmittedByLevel: make(map[int]uint64),
		SampledOut:     c.sampledOut.Load(),
		QueueDropped:   c.queueDropped.Load(),
		BatchesWritten: c.batchesWritten.Load(),
		RecordsWritten: c.recordsWritten.Load(),
		WriteErrors:    c.writeErrors.Load(),
		BytesWritten:   c.bytesWritten.Load(),
	}
	c.emittedByLevel.Range(func(key, value interface{}) bool {
		if count := value.(*atomic.Uint64).Load(); count > 0 {
			s.EmittedByLevel[key.(int)] = count
		}
		return true
	})
	return s
}
