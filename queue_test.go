package chainlog

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spySink records every batch it receives and can be told to fail.
type spySink struct {
	mu      sync.Mutex
	batches [][][]byte
	failN   int
	opened  bool
	closed  bool
}

func (s *spySink) Name() string { return "spy" }

func (s *spySink) Open() error {
	s.mu.Lock()
	s.opened = true
	s.mu.Unlock()
	return nil
}

func (s *spySink) WriteBatch(batch [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return errors.New("sink unavailable")
	}
	copied := make([][]byte, len(batch))
	for i, rec := range batch {
		copied[i] = append([]byte(nil), rec...)
	}
	s.batches = append(s.batches, copied)
	return nil
}

func (s *spySink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *spySink) records() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, batch := range s.batches {
		for _, rec := range batch {
			out = append(out, string(rec))
		}
	}
	return out
}

func (s *spySink) batchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sizes := make([]int, len(s.batches))
	for i, batch := range s.batches {
		sizes[i] = len(batch)
	}
	return sizes
}

// messageFormatter reduces a record to its message, keeping queue assertions
// independent of template details.
type messageFormatter struct{}

func (messageFormatter) Format(rec *Record) ([]byte, error) {
	return []byte(rec.Message), nil
}

func TestQueueHandlerBatchesBySize(t *testing.T) {
	sink := &spySink{}
	h := NewQueueHandler(sink, messageFormatter{}, Debug,
		WithBatchSize(100),
		WithFlushInterval(time.Hour),
	)

	const n = 500
	for i := 0; i < n; i++ {
		h.Handle(testRecord(Info, fmt.Sprintf("record-%04d", i)))
	}
	require.NoError(t, h.Close())

	got := sink.records()
	require.Len(t, got, n)
	// Order survives batching.
	for i, msg := range got {
		assert.Equal(t, fmt.Sprintf("record-%04d", i), msg)
	}
	// The consumer only takes complete batches while the producer runs and
	// the flush interval never fires, so the split is exact.
	assert.Equal(t, []int{100, 100, 100, 100, 100}, sink.batchSizes())
	assert.True(t, sink.closed)

	stats := h.Stats()
	assert.Equal(t, uint64(n), stats.RecordsWritten)
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.Dropped)
}

func TestQueueHandlerCloseFlushesPartialBatch(t *testing.T) {
	sink := &spySink{}
	h := NewQueueHandler(sink, messageFormatter{}, Debug,
		WithBatchSize(100),
		WithFlushInterval(time.Hour),
	)

	for i := 0; i < 5; i++ {
		h.Handle(testRecord(Info, fmt.Sprintf("r%d", i)))
	}
	require.NoError(t, h.Close())

	assert.Len(t, sink.records(), 5)
	assert.Equal(t, []int{5}, sink.batchSizes())
}

func TestQueueHandlerFlushIntervalDrainsPartial(t *testing.T) {
	sink := &spySink{}
	h := NewQueueHandler(sink, messageFormatter{}, Debug,
		WithBatchSize(1000),
		WithFlushInterval(10*time.Millisecond),
	)
	defer h.Close()

	h.Handle(testRecord(Info, "lonely"))

	require.Eventually(t, func() bool {
		return len(sink.records()) == 1
	}, time.Second, 5*time.Millisecond, "partial batch never flushed on the interval")
}

func TestQueueHandlerDropNewest(t *testing.T) {
	sink := &spySink{}
	h := NewQueueHandler(sink, messageFormatter{}, Debug,
		WithQueueCapacity(2),
		WithQueuePolicy(QueueDropNewest),
		WithBatchSize(1000),
		WithFlushInterval(time.Hour),
	)

	for i := 0; i < 5; i++ {
		h.Handle(testRecord(Info, fmt.Sprintf("r%d", i)))
	}

	stats := h.Stats()
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, uint64(3), stats.Dropped)

	require.NoError(t, h.Close())
	assert.Equal(t, []string{"r0", "r1"}, sink.records())
}

func TestQueueHandlerDropOldest(t *testing.T) {
	sink := &spySink{}
	h := NewQueueHandler(sink, messageFormatter{}, Debug,
		WithQueueCapacity(2),
		WithQueuePolicy(QueueDropOldest),
		WithBatchSize(1000),
		WithFlushInterval(time.Hour),
	)

	for i := 0; i < 5; i++ {
		h.Handle(testRecord(Info, fmt.Sprintf("r%d", i)))
	}
	require.NoError(t, h.Close())

	assert.Equal(t, []string{"r3", "r4"}, sink.records())
	assert.Equal(t, uint64(3), h.Stats().Dropped)
}

func TestQueueHandlerBlockPolicyDeliversEverything(t *testing.T) {
	sink := &spySink{}
	h := NewQueueHandler(sink, messageFormatter{}, Debug,
		WithQueueCapacity(4),
		WithQueuePolicy(QueueBlock),
		WithBatchSize(4),
		WithFlushInterval(5*time.Millisecond),
	)

	const n = 200
	for i := 0; i < n; i++ {
		h.Handle(testRecord(Info, fmt.Sprintf("record-%04d", i)))
	}
	require.NoError(t, h.Close())

	got := sink.records()
	require.Len(t, got, n)
	for i, msg := range got {
		assert.Equal(t, fmt.Sprintf("record-%04d", i), msg)
	}
	assert.Zero(t, h.Stats().Dropped)
}

func TestQueueHandlerSurvivesSinkFailure(t *testing.T) {
	sink := &spySink{failN: 10}
	errs := make(chan LogError, 8)
	h := NewQueueHandler(sink, messageFormatter{}, Debug,
		WithBatchSize(1000),
		WithFlushInterval(time.Hour),
		WithWriteRetries(1),
		WithRetryInterval(time.Millisecond),
		WithQueueErrorHandler(ChannelErrorHandler(errs)),
	)

	h.Handle(testRecord(Info, "doomed"))
	h.Handle(testRecord(Info, "doomed too"))

	// Both records go out in one batch that fails its attempt and its
	// single retry, then gets dropped with a report.
	require.NoError(t, h.Close())

	select {
	case le := <-errs:
		assert.Equal(t, "write", le.Source)
		assert.ErrorContains(t, le, "sink unavailable")
	default:
		t.Fatal("dropped batch was not reported")
	}
	assert.Equal(t, uint64(1), h.Stats().WriteErrors)
	assert.Empty(t, sink.records())
}

func TestQueueHandlerRetriesTransientFailure(t *testing.T) {
	sink := &spySink{failN: 1}
	h := NewQueueHandler(sink, messageFormatter{}, Debug,
		WithBatchSize(1000),
		WithFlushInterval(time.Hour),
		WithWriteRetries(3),
		WithRetryInterval(time.Millisecond),
	)

	h.Handle(testRecord(Info, "eventually delivered"))
	require.NoError(t, h.Close())

	assert.Equal(t, []string{"eventually delivered"}, sink.records())
	assert.Zero(t, h.Stats().WriteErrors)
}

func TestQueueHandlerLevelGate(t *testing.T) {
	sink := &spySink{}
	h := NewQueueHandler(sink, messageFormatter{}, Error)

	h.Handle(testRecord(Info, "dropped"))
	require.NoError(t, h.Close())

	assert.Empty(t, sink.records())
}

func TestQueueHandlerCloseIsIdempotent(t *testing.T) {
	sink := &spySink{}
	h := NewQueueHandler(sink, messageFormatter{}, Debug)

	h.Handle(testRecord(Info, "one"))
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	h.Handle(testRecord(Info, "after close"))
	assert.Equal(t, []string{"one"}, sink.records())
}

func TestQueuePolicyParsing(t *testing.T) {
	cases := []struct {
		in   string
		want QueuePolicy
		ok   bool
	}{
		{"", QueueBlock, true},
		{"block", QueueBlock, true},
		{"drop_newest", QueueDropNewest, true},
		{"drop_oldest", QueueDropOldest, true},
		{"toss", QueueBlock, false},
	}
	for _, tc := range cases {
		got, err := ParseQueuePolicy(tc.in)
		if tc.ok {
			require.NoError(t, err, "policy %q", tc.in)
			assert.Equal(t, tc.want, got)
		} else {
			assert.Error(t, err, "policy %q", tc.in)
		}
	}
}
