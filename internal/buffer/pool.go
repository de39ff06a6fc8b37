// Package buffer provides a pooled bytes.Buffer for formatter output.
package buffer

import (
	"bytes"
	"sync"
)

// maxRetainedSize caps the buffers returned to the pool. Occasional huge
// records (big stacks, large context maps) would otherwise pin memory for
// the lifetime of the process.
const maxRetainedSize = 64 * 1024

var pool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// Get returns an empty buffer from the pool.
func Get() *bytes.Buffer {
	return pool.Get().(*bytes.Buffer)
}

// Put resets b and returns it to the pool, discarding oversized buffers.
func Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxRetainedSize {
		return
	}
	b.Reset()
	pool.Put(b)
}
