package streamstore

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(Options{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestAppendAndLength(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id1, err := store.Append(ctx, "s", map[string]string{"frame_id": "a"})
	require.NoError(t, err)
	id2, err := store.Append(ctx, "s", map[string]string{"frame_id": "b"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	n, err := store.Length(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestCreateGroupIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateGroup(ctx, "s", "g", "0"))
	require.NoError(t, store.CreateGroup(ctx, "s", "g", "0"))
}

func TestReadGroupAckPending(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateGroup(ctx, "s", "g", "0"))
	_, err := store.Append(ctx, "s", map[string]string{"frame_id": "a"})
	require.NoError(t, err)
	_, err = store.Append(ctx, "s", map[string]string{"frame_id": "b"})
	require.NoError(t, err)

	entries, err := store.ReadGroup(ctx, "s", "g", "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Fields["frame_id"])

	pending, err := store.Pending(ctx, "s", "g")
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending.Count)
	assert.Equal(t, 1, pending.Consumers)

	details, err := store.PendingDetails(ctx, "s", "g", 10)
	require.NoError(t, err)
	require.Len(t, details, 2)
	assert.GreaterOrEqual(t, details[0].DeliveryCount, int64(1))

	require.NoError(t, store.Ack(ctx, "s", "g", entries[0].ID, entries[1].ID))
	pending, err = store.Pending(ctx, "s", "g")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)

	// Acking an unknown id is a no-op.
	require.NoError(t, store.Ack(ctx, "s", "g", "99999-0"))
}

func TestReadGroupExclusiveDelivery(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateGroup(ctx, "s", "g", "0"))
	_, err := store.Append(ctx, "s", map[string]string{"frame_id": "a"})
	require.NoError(t, err)

	first, err := store.ReadGroup(ctx, "s", "g", "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := store.ReadGroup(ctx, "s", "g", "c2", 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestScanKeys(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, s := range []string{"frames:ready:p1", "frames:ready:p2", "frames:metadata"} {
		_, err := store.Append(ctx, s, map[string]string{"frame_id": "x"})
		require.NoError(t, err)
	}

	keys, err := store.ScanKeys(ctx, "frames:ready:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"frames:ready:p1", "frames:ready:p2"}, keys)
}

func TestSetNXAndDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "k", "v", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "k", "v2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Delete(ctx, "k"))
	ok, err = store.SetNX(ctx, "k", "v3", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBlobRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	missing, err := store.GetBlob(ctx, "orchestrator:registry")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.PutBlob(ctx, "orchestrator:registry", []byte(`{"processors":[]}`)))
	data, err := store.GetBlob(ctx, "orchestrator:registry")
	require.NoError(t, err)
	assert.JSONEq(t, `{"processors":[]}`, string(data))
}

func TestTrimMaxLen(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := store.Append(ctx, "s", map[string]string{"frame_id": "x"})
		require.NoError(t, err)
	}
	_, err := store.TrimMaxLen(ctx, "s", 4)
	require.NoError(t, err)

	n, err := store.Length(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestOldestEntryAndAge(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	oldest, err := store.OldestEntry(ctx, "s")
	require.NoError(t, err)
	assert.Nil(t, oldest)

	_, err = store.Append(ctx, "s", map[string]string{"frame_id": "a"})
	require.NoError(t, err)

	oldest, err = store.OldestEntry(ctx, "s")
	require.NoError(t, err)
	require.NotNil(t, oldest)
	assert.Equal(t, "a", oldest.Fields["frame_id"])

	age, ok := EntryAge(oldest.ID, time.Now().Add(10*time.Second))
	assert.True(t, ok)
	assert.Greater(t, age, 5*time.Second)

	_, ok = EntryAge("garbage", time.Now())
	assert.False(t, ok)
}
