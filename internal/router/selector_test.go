package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framebuf/framebuf/internal/models"
	"github.com/framebuf/framebuf/internal/testutil"
)

func TestSelectPrefersLeastLoaded(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.registry.Register(ctx, testutil.SampleRegistration("p1", 10, "det"))
	f.registry.Register(ctx, testutil.SampleRegistration("p2", 10, "det"))

	require.True(t, f.registry.Heartbeat(ctx, "p1", models.StatusHealthy, 0.9, 0, 0))
	require.True(t, f.registry.Heartbeat(ctx, "p2", models.StatusHealthy, 0.1, 0, 0))

	target, ok := f.router.selectProcessor("det")
	require.True(t, ok)
	assert.Equal(t, "p2", target.ID)
}

func TestSelectSkipsSaturatedAndUnhealthy(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.registry.Register(ctx, testutil.SampleRegistration("p1", 10, "det"))
	f.registry.Register(ctx, testutil.SampleRegistration("p2", 10, "det"))

	require.True(t, f.registry.Heartbeat(ctx, "p1", models.StatusHealthy, 1.0, 0, 0))
	require.True(t, f.registry.Heartbeat(ctx, "p2", models.StatusHealthy, 0.5, 0, 0))

	target, ok := f.router.selectProcessor("det")
	require.True(t, ok)
	assert.Equal(t, "p2", target.ID)

	// Saturate the remaining candidate too: nothing selectable.
	require.True(t, f.registry.Heartbeat(ctx, "p2", models.StatusHealthy, 1.0, 0, 0))
	_, ok = f.router.selectProcessor("det")
	assert.False(t, ok)
}

func TestSelectErrorPenalty(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.registry.Register(ctx, testutil.SampleRegistration("p1", 10, "det"))
	f.registry.Register(ctx, testutil.SampleRegistration("p2", 10, "det"))

	// Same load, but p1 has been erroring.
	require.True(t, f.registry.Heartbeat(ctx, "p1", models.StatusHealthy, 0.5, 100, 30))
	require.True(t, f.registry.Heartbeat(ctx, "p2", models.StatusHealthy, 0.5, 100, 0))

	target, ok := f.router.selectProcessor("det")
	require.True(t, ok)
	assert.Equal(t, "p2", target.ID)
}

func TestSelectTieBreaksLexicographically(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.registry.Register(ctx, testutil.SampleRegistration("pB", 10, "det"))
	f.registry.Register(ctx, testutil.SampleRegistration("pA", 10, "det"))

	target, ok := f.router.selectProcessor("det")
	require.True(t, ok)
	assert.Equal(t, "pA", target.ID)
}

func TestSelectProcessorPriorityBoost(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	boosted := testutil.SampleRegistration("p2", 10, "det")
	boosted.Metadata = map[string]string{"priority": "5"}
	f.registry.Register(ctx, testutil.SampleRegistration("p1", 10, "det"))
	f.registry.Register(ctx, boosted)

	target, ok := f.router.selectProcessor("det")
	require.True(t, ok)
	assert.Equal(t, "p2", target.ID)
}
