package buffer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framebuf/framebuf/internal/models"
	"github.com/framebuf/framebuf/internal/testutil"
)

func frame(priority int) *models.FrameRef {
	return testutil.SampleFrame(priority)
}

func TestHighestPriorityFirst(t *testing.T) {
	q := New(Config{StarvationThreshold: 1000}, nil)
	ctx := context.Background()

	low := frame(1)
	high := frame(9)
	mid := frame(5)
	q.Enqueue(low)
	q.Enqueue(high)
	q.Enqueue(mid)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, high.FrameID, got.FrameID)

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, mid.FrameID, got.FrameID)

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, low.FrameID, got.FrameID)
}

func TestFIFOWithinPriority(t *testing.T) {
	q := New(Config{StarvationThreshold: 1000}, nil)
	ctx := context.Background()

	frames := make([]*models.FrameRef, 5)
	for i := range frames {
		frames[i] = frame(3)
		q.Enqueue(frames[i])
	}
	for i := range frames {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, frames[i].FrameID, got.FrameID, "position %d", i)
	}
}

func TestStarvationStreak(t *testing.T) {
	var mu sync.Mutex
	var events []StarvationReason
	q := New(Config{
		StarvationThreshold: 3,
		OnStarvation: func(reason StarvationReason, _ *models.FrameRef) {
			mu.Lock()
			events = append(events, reason)
			mu.Unlock()
		},
	}, nil)
	ctx := context.Background()

	lowFrame := frame(1)
	q.Enqueue(lowFrame)
	for i := 0; i < 6; i++ {
		q.Enqueue(frame(9))
	}

	var order []int
	for i := 0; i < 7; i++ {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		order = append(order, got.Priority)
	}

	// Three high-priority dequeues trip the threshold; the fourth serve
	// must come from the low bucket.
	assert.Equal(t, []int{9, 9, 9, 1, 9, 9, 9}, order)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1 && events[0] == ReasonStreak
	}, time.Second, 10*time.Millisecond)
}

func TestAgePromotion(t *testing.T) {
	q := New(Config{StarvationThreshold: 1000, MaxAge: 30 * time.Second}, nil)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	q.now = func() time.Time { return past }
	oldLow := frame(0)
	q.Enqueue(oldLow)
	q.now = time.Now

	q.Enqueue(frame(10))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, oldLow.FrameID, got.FrameID)
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New(Config{}, nil)
	ctx := context.Background()

	done := make(chan *models.FrameRef, 1)
	go func() {
		got, err := q.Dequeue(ctx)
		if err == nil {
			done <- got
		}
	}()

	select {
	case <-done:
		t.Fatal("dequeue returned before enqueue")
	case <-time.After(50 * time.Millisecond):
	}

	want := frame(2)
	q.Enqueue(want)

	select {
	case got := <-done:
		assert.Equal(t, want.FrameID, got.FrameID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return after enqueue")
	}
}

func TestDequeueCancellation(t *testing.T) {
	q := New(Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not observe cancellation")
	}
}

func TestSizeAndClose(t *testing.T) {
	q := New(Config{}, nil)
	q.Enqueue(frame(1))
	q.Enqueue(frame(2))
	assert.Equal(t, 2, q.Size())

	q.Close()
	ctx := context.Background()
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, q.Size())

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}
