package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()

	c.IncEmitted(20)
	c.IncEmitted(20)
	c.IncEmitted(40)
	c.IncSampledOut()
	c.IncQueueDropped()
	c.AddBatch(10, 512)
	c.AddBatch(5, 256)
	c.IncWriteError()

	s := c.Snapshot()
	assert.Equal(t, uint64(2), s.EmittedByLevel[20])
	assert.Equal(t, uint64(1), s.EmittedByLevel[40])
	assert.Equal(t, uint64(1), s.SampledOut)
	assert.Equal(t, uint64(1), s.QueueDropped)
	assert.Equal(t, uint64(2), s.BatchesWritten)
	assert.Equal(t, uint64(15), s.RecordsWritten)
	assert.Equal(t, uint64(768), s.BytesWritten)
	assert.Equal(t, uint64(1), s.WriteErrors)
}

func TestCollectorConcurrentUse(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				c.IncEmitted(20)
				c.IncSampledOut()
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	assert.Equal(t, uint64(8000), s.EmittedByLevel[20])
	assert.Equal(t, uint64(8000), s.SampledOut)
}

func TestSnapshotOmitsZeroLevels(t *testing.T) {
	c := NewCollector()
	s := c.Snapshot()
	assert.Empty(t, s.EmittedByLevel)
}
