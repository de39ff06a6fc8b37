package buffer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetReturnsEmptyBuffer(t *testing.T) {
	b := Get()
	assert.Zero(t, b.Len())

	b.WriteString("payload")
	Put(b)

	again := Get()
	assert.Zero(t, again.Len(), "pooled buffer must come back reset")
	Put(again)
}

func TestPutDiscardsOversizedBuffers(t *testing.T) {
	b := Get()
	b.WriteString(strings.Repeat("x", maxRetainedSize+1))
	// Must not panic; the buffer is simply dropped.
	Put(b)
}

func TestPutNilIsSafe(t *testing.T) {
	assert.NotPanics(t, func() { Put(nil) })
}
