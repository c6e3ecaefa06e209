package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framebuf/framebuf/internal/models"
	"github.com/framebuf/framebuf/internal/streamstore"
	"github.com/framebuf/framebuf/internal/testutil"
)

func testRegistry(t *testing.T, opts ...Option) (*Registry, *time.Time) {
	t.Helper()
	now := time.Now()
	clock := func() time.Time { return now }
	opts = append(opts, WithClock(clock))
	r := New(Config{
		HeartbeatInterval: time.Second,
		LivenessTimeout:   2 * time.Second,
		EvictionRetention: 10 * time.Second,
	}, nil, opts...)
	return r, &now
}

func TestRegisterAndConflict(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	epoch, ok := r.Register(ctx, testutil.SampleRegistration("p1", 4, "det"))
	require.True(t, ok)
	assert.Equal(t, uint64(1), epoch)

	// A live duplicate conflicts.
	_, ok = r.Register(ctx, testutil.SampleRegistration("p1", 4, "det"))
	assert.False(t, ok)
}

func TestRegisterAfterLivenessExpiry(t *testing.T) {
	r, now := testRegistry(t)
	ctx := context.Background()

	_, ok := r.Register(ctx, testutil.SampleRegistration("p1", 4, "det"))
	require.True(t, ok)

	*now = now.Add(3 * time.Second)
	epoch, ok := r.Register(ctx, testutil.SampleRegistration("p1", 4, "det"))
	assert.True(t, ok)
	assert.Equal(t, uint64(2), epoch)
}

func TestHeartbeatUnknown(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	assert.False(t, r.Heartbeat(ctx, "ghost", models.StatusHealthy, 0, 0, 0))
}

func TestHeartbeatAfterEvictionRequiresReregistration(t *testing.T) {
	r, now := testRegistry(t)
	ctx := context.Background()

	_, ok := r.Register(ctx, testutil.SampleRegistration("p1", 4, "det"))
	require.True(t, ok)

	*now = now.Add(3 * time.Second)
	evicted := r.Sweep(ctx)
	require.Equal(t, []string{"p1"}, evicted)

	// A late heartbeat cannot resurrect the evicted entry.
	assert.False(t, r.Heartbeat(ctx, "p1", models.StatusHealthy, 0.1, 1, 0))

	// Re-registration assigns a fresh epoch.
	epoch, ok := r.Register(ctx, testutil.SampleRegistration("p1", 4, "det"))
	assert.True(t, ok)
	assert.Equal(t, uint64(2), epoch)
}

func TestCandidatesFiltering(t *testing.T) {
	unavailable := map[string]bool{}
	r, now := testRegistry(t, WithAvailability(func(id string) bool {
		return !unavailable[id]
	}))
	ctx := context.Background()

	r.Register(ctx, testutil.SampleRegistration("p1", 4, "det"))
	r.Register(ctx, testutil.SampleRegistration("p2", 4, "det"))
	r.Register(ctx, testutil.SampleRegistration("p3", 4, "ocr"))

	ids := func(regs []models.ProcessorRegistration) []string {
		out := make([]string, 0, len(regs))
		for _, reg := range regs {
			out = append(out, reg.ID)
		}
		return out
	}

	assert.Equal(t, []string{"p1", "p2"}, ids(r.Candidates("det")))
	assert.Equal(t, []string{"p3"}, ids(r.Candidates("ocr")))
	assert.Empty(t, r.Candidates("missing"))

	// Breaker open excludes a processor.
	unavailable["p1"] = true
	assert.Equal(t, []string{"p2"}, ids(r.Candidates("det")))

	// Unhealthy status excludes a processor.
	require.True(t, r.Heartbeat(ctx, "p2", models.StatusUnhealthy, 0.2, 0, 0))
	assert.Empty(t, r.Candidates("det"))

	// Liveness expiry excludes the rest.
	unavailable["p1"] = false
	*now = now.Add(3 * time.Second)
	assert.Empty(t, r.Candidates("det"))
}

func TestUpdateAndUnregisterRoundTrip(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	before := len(r.All())
	_, ok := r.Register(ctx, testutil.SampleRegistration("p1", 4, "det"))
	require.True(t, ok)
	require.True(t, r.Heartbeat(ctx, "p1", models.StatusHealthy, 0.5, 10, 1))

	require.True(t, r.Update(ctx, "p1", models.ProcessorRegistration{Capacity: 8, Capabilities: []string{"det", "ocr"}}))
	reg, health, found := r.ByID("p1")
	require.True(t, found)
	assert.Equal(t, 8, reg.Capacity)
	assert.True(t, reg.CanProcess("ocr"))
	assert.Equal(t, 0.5, health.CapacityUsed)

	require.True(t, r.Unregister(ctx, "p1"))
	assert.False(t, r.Unregister(ctx, "p1"))
	assert.Len(t, r.All(), before)
}

func TestSweepRetentionDeletesEventually(t *testing.T) {
	r, now := testRegistry(t)
	ctx := context.Background()

	r.Register(ctx, testutil.SampleRegistration("p1", 4, "det"))

	*now = now.Add(3 * time.Second)
	r.Sweep(ctx)
	_, _, found := r.ByID("p1")
	assert.True(t, found, "evicted entry is retained for diagnostics")

	*now = now.Add(11 * time.Second)
	r.Sweep(ctx)
	_, _, found = r.ByID("p1")
	assert.False(t, found, "entry deleted after retention window")
}

func TestSnapshotPersistence(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := streamstore.NewRedisStore(streamstore.Options{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	defer store.Close()

	r := New(Config{
		HeartbeatInterval: time.Second,
		LivenessTimeout:   2 * time.Second,
		PersistSnapshot:   true,
	}, nil, WithSnapshotStore(store))

	ctx := context.Background()
	_, ok := r.Register(ctx, testutil.SampleRegistration("p1", 4, "det"))
	require.True(t, ok)

	data, err := store.GetBlob(ctx, SnapshotKey)
	require.NoError(t, err)
	require.NotNil(t, data)

	var snap struct {
		Epoch      uint64                         `json:"epoch"`
		Processors []models.ProcessorRegistration `json:"processors"`
	}
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Len(t, snap.Processors, 1)
	assert.Equal(t, "p1", snap.Processors[0].ID)
}

func TestActiveCountAndCapacity(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()

	r.Register(ctx, testutil.SampleRegistration("p1", 4, "det"))
	r.Register(ctx, testutil.SampleRegistration("p2", 16, "det"))

	assert.Equal(t, 2, r.ActiveCount())
	assert.Equal(t, 16, r.Capacity("p2", 100))
	assert.Equal(t, 100, r.Capacity("ghost", 100))
}
