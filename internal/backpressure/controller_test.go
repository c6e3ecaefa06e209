package backpressure

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framebuf/framebuf/internal/models"
	"github.com/framebuf/framebuf/internal/streamstore"
)

// fakeCapacity is a static CapacityView for tests.
type fakeCapacity struct {
	capacities map[string]int
	priorities map[string]int
}

func (f *fakeCapacity) Capacity(id string, fallback int) int {
	if c, ok := f.capacities[id]; ok {
		return c
	}
	return fallback
}

func (f *fakeCapacity) All() []models.ProcessorRegistration {
	out := make([]models.ProcessorRegistration, 0, len(f.capacities))
	for id := range f.capacities {
		reg := models.ProcessorRegistration{ID: id, Capacity: f.capacities[id]}
		if p, ok := f.priorities[id]; ok {
			reg.Metadata = map[string]string{"priority": itoa(p)}
		}
		out = append(out, reg)
	}
	return out
}

func itoa(n int) string {
	return string(rune('0' + n))
}

func newTestController(t *testing.T, caps map[string]int) (*Controller, streamstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := streamstore.NewRedisStore(streamstore.Options{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := New(Config{
		CheckInterval: 10 * time.Millisecond,
	}, store, &fakeCapacity{capacities: caps}, nil, nil)
	return c, store
}

func fill(t *testing.T, store streamstore.Store, stream string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := store.Append(ctx, stream, map[string]string{"frame_id": "x"})
		require.NoError(t, err)
	}
}

func TestNormalPressure(t *testing.T) {
	c, store := newTestController(t, map[string]int{"p1": 100})
	fill(t, store, "frames:ready:p1", 10)

	require.NoError(t, c.Check(context.Background()))
	assert.Equal(t, models.PressureNormal, c.Level())
	assert.Equal(t, 1.0, c.Rate())
	assert.False(t, c.Paused())
}

func TestPressureLevels(t *testing.T) {
	tests := []struct {
		name  string
		queue int
		level models.PressureLevel
		rate  float64
	}{
		{"low", 65, models.PressureLow, 0.8},
		{"high", 85, models.PressureHigh, 0.5},
		{"critical", 96, models.PressureCritical, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, store := newTestController(t, map[string]int{"p1": 100})
			fill(t, store, "frames:ready:p1", tt.queue)

			require.NoError(t, c.Check(context.Background()))
			assert.Equal(t, tt.level, c.Level())
			assert.Equal(t, tt.rate, c.Rate())
			assert.Equal(t, tt.level == models.PressureCritical, c.Paused())
		})
	}
}

func TestMaxUtilizationAcrossQueues(t *testing.T) {
	c, store := newTestController(t, map[string]int{"p1": 100, "p2": 100})
	fill(t, store, "frames:ready:p1", 5)
	fill(t, store, "frames:ready:p2", 96)

	require.NoError(t, c.Check(context.Background()))
	assert.Equal(t, models.PressureCritical, c.Level())
}

func TestRecoveryToNormal(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := streamstore.NewRedisStore(streamstore.Options{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	defer store.Close()

	c := New(Config{}, store, &fakeCapacity{capacities: map[string]int{"p1": 100}}, nil, nil)
	ctx := context.Background()

	fill(t, store, "frames:ready:p1", 96)
	require.NoError(t, c.Check(ctx))
	require.Equal(t, models.PressureCritical, c.Level())

	// Drain the queue; the next check returns to NORMAL at full rate.
	_, err = store.TrimMaxLen(ctx, "frames:ready:p1", 1)
	require.NoError(t, err)
	require.NoError(t, c.Check(ctx))
	assert.Equal(t, models.PressureNormal, c.Level())
	assert.Equal(t, 1.0, c.Rate())
	assert.False(t, c.Paused())
}

func TestAlertCooldown(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := streamstore.NewRedisStore(streamstore.Options{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	defer store.Close()

	alerts := 0
	c := New(Config{
		AlertCooldown: time.Hour,
		OnAlert:       func(string, float64) { alerts++ },
	}, store, &fakeCapacity{capacities: map[string]int{"p1": 100}}, nil, nil)

	ctx := context.Background()
	fill(t, store, "frames:ready:p1", 96)

	require.NoError(t, c.Check(ctx))
	require.NoError(t, c.Check(ctx))
	require.NoError(t, c.Check(ctx))
	assert.Equal(t, 1, alerts, "cooldown suppresses repeat alerts")
}

func TestThrottleDecisionsFavorPriority(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := streamstore.NewRedisStore(streamstore.Options{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	defer store.Close()

	caps := &fakeCapacity{
		capacities: map[string]int{"p1": 100, "p2": 100},
		priorities: map[string]int{"p2": 5},
	}
	c := New(Config{}, store, caps, nil, nil)
	ctx := context.Background()

	fill(t, store, "frames:ready:p1", 85)
	fill(t, store, "frames:ready:p2", 85)

	decisions, err := c.ThrottleDecisions(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 2)

	byID := map[string]models.ThrottleDecision{}
	for _, d := range decisions {
		byID[d.ProcessorID] = d
	}
	assert.InDelta(t, 0.5, byID["p1"].Throttle, 1e-9)
	assert.InDelta(t, 0.1, byID["p2"].Throttle, 1e-9)
}

func TestQueueStats(t *testing.T) {
	c, store := newTestController(t, map[string]int{"p1": 100})
	ctx := context.Background()

	fill(t, store, "frames:ready:p1", 3)
	require.NoError(t, store.CreateGroup(ctx, "frames:ready:p1", "p1-group", "0"))
	_, err := store.ReadGroup(ctx, "frames:ready:p1", "p1-group", "p1-1", 2, 10*time.Millisecond)
	require.NoError(t, err)

	stats, err := c.QueueStats(ctx)
	require.NoError(t, err)
	require.Contains(t, stats, "p1")
	assert.Equal(t, int64(3), stats["p1"].Length)
	assert.Equal(t, int64(2), stats["p1"].Pending)
	assert.Equal(t, 1, stats["p1"].Consumers)
	assert.True(t, stats["p1"].Pending <= stats["p1"].Length)
}
