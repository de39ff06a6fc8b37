package chainlog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithLogContextCopiesFields(t *testing.T) {
	fields := map[string]interface{}{"tenant": "acme"}
	ctx := WithLogContext(context.Background(), fields)

	// Mutating the caller's map afterwards must not leak into the context.
	fields["tenant"] = "evil"
	got := LogContextFields(ctx)
	assert.Equal(t, "acme", got["tenant"])
}

func TestLogContextFieldsReturnsCopy(t *testing.T) {
	ctx := WithLogContext(context.Background(), map[string]interface{}{"k": "v"})

	got := LogContextFields(ctx)
	got["k"] = "mutated"
	assert.Equal(t, "v", LogContextFields(ctx)["k"])
}

func TestLogContextFieldsWithoutContext(t *testing.T) {
	assert.Nil(t, LogContextFields(context.Background()))
}

func TestUpdateLogContextMergesInPlace(t *testing.T) {
	ctx := WithLogContext(context.Background(), map[string]interface{}{"a": 1})
	returned := UpdateLogContext(ctx, map[string]interface{}{"b": 2})

	// The merge mutates the installed state; no new context is needed.
	assert.Equal(t, ctx, returned)
	got := LogContextFields(ctx)
	assert.Equal(t, 1, got["a"])
	assert.Equal(t, 2, got["b"])
}

func TestUpdateLogContextInstallsWhenAbsent(t *testing.T) {
	ctx := UpdateLogContext(context.Background(), map[string]interface{}{"a": 1})
	assert.Equal(t, 1, LogContextFields(ctx)["a"])
}

func TestUpdateLogContextPreservesSamplingMemo(t *testing.T) {
	l, h := newTestLogger(t, "app")
	l.SetSampleRate(0)
	ctx := WithLogContext(context.Background(), nil)

	l.Error(ctx, "pin the chain")
	require.Equal(t, 1, h.Count())

	ctx = UpdateLogContext(ctx, map[string]interface{}{"late": true})
	l.Debug(ctx, "still sampled")
	assert.Equal(t, 2, h.Count())
}

func TestWithRequestID(t *testing.T) {
	ctx, id := WithRequestID(context.Background())
	require.NotEmpty(t, id)
	assert.Equal(t, id, LogContextFields(ctx)[FieldRequestID])

	// Distinct calls yield distinct ids.
	_, other := WithRequestID(context.Background())
	assert.NotEqual(t, id, other)
}

func TestNestedWithLogContextShadowsOuter(t *testing.T) {
	outer := WithLogContext(context.Background(), map[string]interface{}{"scope": "outer"})
	inner := WithLogContext(outer, map[string]interface{}{"scope": "inner"})

	assert.Equal(t, "outer", LogContextFields(outer)["scope"])
	assert.Equal(t, "inner", LogContextFields(inner)["scope"])
}
