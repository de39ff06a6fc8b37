package chainlog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLoggerInternsByName(t *testing.T) {
	r := NewRegistry()
	a := r.GetLogger("svc.worker", false)
	b := r.GetLogger("svc.worker", false)
	assert.Same(t, a, b)
}

func TestGetLoggerMaterializesAncestors(t *testing.T) {
	r := NewRegistry()
	leaf := r.GetLogger("a.b.c", false)

	require.NotNil(t, leaf.Parent())
	assert.Equal(t, "a.b", leaf.Parent().Name())
	assert.Equal(t, "a", leaf.Parent().Parent().Name())
	assert.Equal(t, "", leaf.Parent().Parent().Parent().Name())
	assert.Nil(t, leaf.Parent().Parent().Parent().Parent())

	// The materialized ancestors are the registered ones.
	assert.Same(t, leaf.Parent(), r.GetLogger("a.b", false))
}

func TestChildBuildsDottedName(t *testing.T) {
	r := NewRegistry()
	parent := r.GetLogger("svc", false)
	child := parent.Child("worker")

	assert.Equal(t, "svc.worker", child.Name())
	assert.Same(t, parent, child.Parent())
	assert.Same(t, child, r.GetLogger("svc.worker", false))
}

func TestReleaseForgetsOverrides(t *testing.T) {
	r := NewRegistry()
	parent := r.GetLogger("svc", true)
	parent.SetLevel(Warn)

	task := r.GetLogger("svc.task-123", false)
	task.SetLevel(Debug)
	require.Equal(t, Debug, task.EffectiveLevel())

	task.Release()

	// The next lookup builds a fresh node with no explicit state; it
	// resolves through the ancestor chain again.
	fresh := r.GetLogger("svc.task-123", false)
	assert.NotSame(t, task, fresh)
	assert.Equal(t, Warn, fresh.EffectiveLevel())
}

func TestReleaseIgnoresPersistentLoggers(t *testing.T) {
	r := NewRegistry()
	l := r.GetLogger("svc", true)
	l.SetLevel(Critical)

	l.Release()

	same := r.GetLogger("svc", false)
	assert.Same(t, l, same)
	assert.Equal(t, Critical, same.EffectiveLevel())
}

func TestReleaseIgnoresStaleInstance(t *testing.T) {
	r := NewRegistry()
	old := r.GetLogger("svc.task", false)
	old.Release()
	replacement := r.GetLogger("svc.task", false)

	// Releasing the stale handle must not evict the replacement.
	old.Release()
	assert.Same(t, replacement, r.GetLogger("svc.task", false))
}

func TestRootLoggerDefaults(t *testing.T) {
	r := NewRegistry()
	root := r.Root()

	assert.Equal(t, Info, root.EffectiveLevel())
	assert.Equal(t, 1.0, root.EffectiveSampleRate())
	assert.True(t, root.EffectiveSamplePropagate())
	assert.False(t, root.EffectiveCaptureTrace())

	handlers := root.EffectiveHandlers()
	require.Len(t, handlers, 1)
	stream, ok := handlers[0].(*StreamHandler)
	require.True(t, ok)
	assert.Equal(t, RouteStderr, stream.Route())
}

func TestClearClosesHandlersAndResets(t *testing.T) {
	r := NewRegistry()
	h := newMemoryHandler(NotSet)
	require.NoError(t, r.AddHandler("memory", h))
	r.GetLogger("svc", true).SetLevel(Debug)

	require.NoError(t, r.Clear())

	assert.True(t, h.closed)
	_, ok := r.Handler("memory")
	assert.False(t, ok, "instance table should be reset")

	// The released logger tree is rebuilt from defaults.
	assert.Equal(t, Info, r.GetLogger("svc", false).EffectiveLevel())
}

func TestTypeCatalogsSurviveClear(t *testing.T) {
	r := NewRegistry()
	r.RegisterFormatterType("upper", func(map[string]interface{}) (Formatter, error) {
		return NewTextFormatter(), nil
	})
	require.NoError(t, r.Clear())

	err := r.Configure(Config{
		Formatters: map[string]FormatterConfig{
			"f": {Type: "upper"},
		},
	})
	assert.NoError(t, err)
}

func TestAddHandlerClosesReplacedInstance(t *testing.T) {
	r := NewRegistry()
	old := newMemoryHandler(NotSet)
	require.NoError(t, r.AddHandler("h", old))

	replacement := newMemoryHandler(NotSet)
	require.NoError(t, r.AddHandler("h", replacement))

	assert.True(t, old.closed)
	assert.False(t, replacement.closed)
}

func TestAddHandlerRewiresLoggerSets(t *testing.T) {
	r := NewRegistry()
	old := newMemoryHandler(NotSet)
	require.NoError(t, r.AddHandler("mem", old))

	l := r.GetLogger("svc", false)
	l.SetLevel(Debug)
	l.SetHandlers(old)

	repl := newMemoryHandler(NotSet)
	require.NoError(t, r.AddHandler("mem", repl))

	l.Info(context.Background(), "rewired")

	assert.True(t, old.closed)
	assert.Zero(t, old.Count(), "record leaked to the closed instance")
	assert.Equal(t, 1, repl.Count())
}

func TestRegistryStatsCountEmitted(t *testing.T) {
	r := NewRegistry()
	h := newMemoryHandler(NotSet)
	r.Root().SetLevel(Debug)
	r.Root().SetHandlers(h)

	ctx := context.Background()
	r.Root().Info(ctx, "one")
	r.Root().Info(ctx, "two")
	r.Root().Error(ctx, "three")

	stats := r.Stats()
	assert.Equal(t, uint64(2), stats.EmittedByLevel[Info])
	assert.Equal(t, uint64(1), stats.EmittedByLevel[Error])
}

func TestRegistriesAreIndependent(t *testing.T) {
	r1 := NewRegistry()
	r2 := NewRegistry()

	r1.GetLogger("svc", false).SetLevel(Critical)
	assert.Equal(t, Info, r2.GetLogger("svc", false).EffectiveLevel())
}
