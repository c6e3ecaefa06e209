// Package buffer provides the in-memory priority queue the router uses to
// hold frames awaiting a routable processor.
package buffer

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/framebuf/framebuf/internal/models"
	"github.com/framebuf/framebuf/internal/observability"
)

// ErrClosed is returned by Dequeue after Close once the queue is drained.
var ErrClosed = errors.New("priority queue closed")

// highPriorityFloor splits the priority range for starvation accounting:
// priorities above it are "high", at or below it "low".
const highPriorityFloor = 5

// StarvationReason identifies which prevention rule fired.
type StarvationReason string

const (
	// ReasonStreak fires after too many consecutive high-priority dequeues.
	ReasonStreak StarvationReason = "high_priority_streak"
	// ReasonAge fires when a bucket's oldest item exceeds the max age.
	ReasonAge StarvationReason = "max_age_exceeded"
)

// item wraps a queued frame with its FIFO sequence inside the bucket.
type item struct {
	frame      *models.FrameRef
	seq        uint64
	enqueuedAt time.Time
}

// Config holds queue tuning.
type Config struct {
	// StarvationThreshold is the number of consecutive high-priority
	// dequeues after which a low-priority bucket is served next.
	StarvationThreshold int
	// MaxAge promotes any bucket whose oldest item exceeds it. Zero
	// disables age promotion.
	MaxAge time.Duration
	// OnStarvation is called (outside the lock) when a prevention rule
	// fires.
	OnStarvation func(reason StarvationReason, frame *models.FrameRef)
}

// Queue is a per-route ordered buffer keyed by priority with starvation
// prevention. All methods are safe for concurrent use.
type Queue struct {
	config  Config
	metrics *observability.Metrics

	mu         sync.Mutex
	notEmpty   *sync.Cond
	buckets    map[int][]*item
	seq        uint64
	highStreak int
	size       int
	closed     bool
	now        func() time.Time
}

// New creates an empty queue.
func New(config Config, metrics *observability.Metrics) *Queue {
	if config.StarvationThreshold <= 0 {
		config.StarvationThreshold = 100
	}
	q := &Queue{
		config:  config,
		metrics: metrics,
		buckets: make(map[int][]*item),
		now:     time.Now,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends the frame to its priority bucket. Non-blocking.
func (q *Queue) Enqueue(frame *models.FrameRef) {
	q.mu.Lock()
	q.seq++
	q.buckets[frame.Priority] = append(q.buckets[frame.Priority], &item{
		frame:      frame,
		seq:        q.seq,
		enqueuedAt: q.now(),
	})
	q.size++
	if q.metrics != nil {
		q.metrics.PriorityQueueSize.WithLabelValues(strconv.Itoa(frame.Priority)).Inc()
	}
	q.notEmpty.Signal()
	q.mu.Unlock()
}

// Dequeue blocks until an item is available or ctx is done. The highest
// priority bucket is served first, FIFO within a bucket, subject to the
// starvation prevention rules.
func (q *Queue) Dequeue(ctx context.Context) (*models.FrameRef, error) {
	// Wake waiters when the context ends; Cond has no native support.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size == 0 && !q.closed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.notEmpty.Wait()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.size == 0 && q.closed {
		return nil, ErrClosed
	}

	it, reason := q.pickLocked()

	if it.frame.Priority > highPriorityFloor {
		q.highStreak++
	} else {
		q.highStreak = 0
	}

	if q.metrics != nil {
		q.metrics.PriorityQueueSize.WithLabelValues(strconv.Itoa(it.frame.Priority)).Dec()
		q.metrics.PriorityQueueAge.Observe(q.now().Sub(it.enqueuedAt).Seconds())
		if reason != "" {
			q.metrics.StarvationEvents.Inc()
		}
	}
	if reason != "" && q.config.OnStarvation != nil {
		go q.config.OnStarvation(reason, it.frame)
	}
	return it.frame, nil
}

// pickLocked applies the selection rules and removes the chosen item.
func (q *Queue) pickLocked() (*item, StarvationReason) {
	// Rule 2: age promotion wins over everything.
	if q.config.MaxAge > 0 {
		cutoff := q.now().Add(-q.config.MaxAge)
		for _, p := range q.prioritiesLocked(false) {
			bucket := q.buckets[p]
			if len(bucket) > 0 && bucket[0].enqueuedAt.Before(cutoff) {
				return q.popLocked(p), ReasonAge
			}
		}
	}

	// Rule 1: after a sustained high-priority streak, serve the lowest
	// non-empty low bucket if one exists.
	if q.highStreak >= q.config.StarvationThreshold {
		for _, p := range q.prioritiesLocked(false) {
			if p > highPriorityFloor {
				break
			}
			if len(q.buckets[p]) > 0 {
				return q.popLocked(p), ReasonStreak
			}
		}
	}

	// Normal path: highest priority first.
	for _, p := range q.prioritiesLocked(true) {
		if len(q.buckets[p]) > 0 {
			return q.popLocked(p), ""
		}
	}
	// Unreachable while size bookkeeping is correct.
	panic("buffer: dequeue from empty queue")
}

// prioritiesLocked returns the bucket keys sorted ascending or descending.
func (q *Queue) prioritiesLocked(desc bool) []int {
	ps := make([]int, 0, len(q.buckets))
	for p, bucket := range q.buckets {
		if len(bucket) > 0 {
			ps = append(ps, p)
		}
	}
	if desc {
		sort.Sort(sort.Reverse(sort.IntSlice(ps)))
	} else {
		sort.Ints(ps)
	}
	return ps
}

func (q *Queue) popLocked(priority int) *item {
	bucket := q.buckets[priority]
	it := bucket[0]
	q.buckets[priority] = bucket[1:]
	q.size--
	return it
}

// Size returns the total number of queued items across buckets.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// OldestAge returns the age of the oldest queued item, or zero when empty.
func (q *Queue) OldestAge() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	var oldest time.Time
	for _, bucket := range q.buckets {
		if len(bucket) > 0 && (oldest.IsZero() || bucket[0].enqueuedAt.Before(oldest)) {
			oldest = bucket[0].enqueuedAt
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return q.now().Sub(oldest)
}

// Close wakes all blocked Dequeue callers. Remaining items stay readable
// until drained; after that Dequeue returns an error.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.mu.Unlock()
}
