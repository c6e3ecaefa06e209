// Package router consumes the ingress stream and routes each frame to the
// egress stream of a selected processor, honoring circuit breakers and
// backpressure.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/framebuf/framebuf/internal/backpressure"
	"github.com/framebuf/framebuf/internal/breaker"
	"github.com/framebuf/framebuf/internal/buffer"
	"github.com/framebuf/framebuf/internal/models"
	"github.com/framebuf/framebuf/internal/observability"
	"github.com/framebuf/framebuf/internal/registry"
	"github.com/framebuf/framebuf/internal/streamstore"
)

// dedupKeyPrefix marks frame ids that already produced an egress append,
// so replays after a crash do not duplicate work downstream.
const dedupKeyPrefix = "framebuf:routed:"

// Config holds router tuning.
type Config struct {
	IngressStream string
	ConsumerGroup string
	ConsumerName  string
	DLQStream     string
	// BatchSize is the maximum entries read per iteration.
	BatchSize int64
	// Block is the read-group block timeout.
	Block time.Duration
	// BaseInterval scales the inter-batch throttle sleep.
	BaseInterval time.Duration
	// MaxRetries bounds egress append attempts per frame.
	MaxRetries int
	// RetryBackoff is the initial backoff between append attempts.
	RetryBackoff time.Duration
	// RetryWindow bounds how long an undeliverable high-priority frame
	// waits in the retry queue before going to the DLQ.
	RetryWindow time.Duration
	// DefaultCapability applies to frames that do not declare one.
	DefaultCapability string
	// DedupTTL is how long routed frame ids are remembered.
	DedupTTL time.Duration
}

func (c *Config) defaults() {
	if c.IngressStream == "" {
		c.IngressStream = models.DefaultIngressStream
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = models.DefaultConsumerGroup
	}
	if c.ConsumerName == "" {
		c.ConsumerName = "frame-buffer-1"
	}
	if c.DLQStream == "" {
		c.DLQStream = models.DefaultDLQStream
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Block <= 0 {
		c.Block = time.Second
	}
	if c.BaseInterval <= 0 {
		c.BaseInterval = 100 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.RetryWindow <= 0 {
		c.RetryWindow = 5 * time.Second
	}
	if c.DefaultCapability == "" {
		c.DefaultCapability = "detection"
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = time.Hour
	}
}

// Router is the orchestrator's routing engine.
type Router struct {
	config   Config
	store    streamstore.Store
	registry *registry.Registry
	breakers *breaker.Manager
	pressure *backpressure.Controller
	queue    *buffer.Queue
	logger   *slog.Logger
	metrics  *observability.Metrics

	framesRouted  atomic.Int64
	framesDropped atomic.Int64

	// entryIDs maps queued frame ids to their unacked ingress entry ids.
	mu       sync.Mutex
	entryIDs map[string]queuedEntry
}

type queuedEntry struct {
	id       string
	enqueued time.Time
}

// New creates a router. The priority queue is owned by the router and
// used for bounded retry of high-priority frames with no candidate.
func New(config Config, store streamstore.Store, reg *registry.Registry, breakers *breaker.Manager, pressure *backpressure.Controller, queue *buffer.Queue, logger *slog.Logger, metrics *observability.Metrics) *Router {
	config.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		config:   config,
		store:    store,
		registry: reg,
		breakers: breakers,
		pressure: pressure,
		queue:    queue,
		logger:   logger,
		metrics:  metrics,
		entryIDs: make(map[string]queuedEntry),
	}
}

// Run executes the consume loop and the retry drainer until ctx is done.
// The ingress consumer group must exist before Run is called.
func (r *Router) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.drainRetryQueue(ctx)
	}()

	err := r.consumeLoop(ctx)
	r.queue.Close()
	wg.Wait()
	return err
}

func (r *Router) consumeLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if r.pressure.Paused() {
			if !sleepCtx(ctx, r.config.Block) {
				return nil
			}
			continue
		}

		entries, err := r.store.ReadGroup(ctx, r.config.IngressStream, r.config.ConsumerGroup, r.config.ConsumerName, r.config.BatchSize, r.config.Block)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.observeError(err)
			r.logger.Error("reading ingress failed", slog.Any("error", err))
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}

		for _, entry := range entries {
			r.handleEntry(ctx, entry)
		}

		// Throttled consumption: sleep proportionally to the gap between
		// full speed and the current rate.
		if rate := r.pressure.Rate(); rate < 1.0 {
			pause := time.Duration((1.0 - rate) * float64(r.config.BaseInterval))
			if !sleepCtx(ctx, pause) {
				return nil
			}
		}
	}
}

// handleEntry decodes and routes one ingress entry.
func (r *Router) handleEntry(ctx context.Context, entry streamstore.Entry) {
	start := time.Now()

	frame, err := models.FrameFromFields(entry.Fields)
	if err != nil {
		// Protocol errors are not retryable: dead-letter and ack.
		r.observeError(err)
		r.toDLQ(ctx, entry.Fields, "decode_error", 1)
		r.ack(ctx, entry.ID)
		r.logger.Warn("undecodable ingress entry",
			slog.String("entry_id", entry.ID),
			slog.String("error_kind", models.KindOf(err).String()),
			slog.Any("error", err),
		)
		return
	}

	switch r.route(ctx, frame, entry.ID) {
	case routeDone:
		if r.metrics != nil {
			r.metrics.RouteDuration.Observe(time.Since(start).Seconds())
		}
	case routeQueued, routeDeferred:
		// Entry stays unacked until the retry drainer settles it.
	}
}

type routeOutcome int

const (
	routeDone routeOutcome = iota
	routeQueued
	routeDeferred
)

// route selects a processor and appends the frame to its egress stream.
// The ingress entry is acked only after the append has durably returned.
func (r *Router) route(ctx context.Context, frame *models.FrameRef, entryID string) routeOutcome {
	capability := frame.Capability(r.config.DefaultCapability)

	target, ok := r.selectProcessor(capability)
	if !ok {
		return r.handleNoCandidate(ctx, frame, entryID, capability)
	}

	if err := r.appendEgress(ctx, frame, target); err != nil {
		if models.IsKind(err, models.KindPolicy) {
			// Breaker rejected the chosen processor; treat as no candidate.
			return r.handleNoCandidate(ctx, frame, entryID, capability)
		}
		// Exhausted retries: leave unacked so visibility timeout
		// redelivers, and penalize the processor.
		r.observeError(err)
		r.logger.Error("egress append failed, leaving entry unacked",
			slog.String("frame_id", frame.FrameID),
			slog.String("processor_id", target.ID),
			slog.Any("error", err),
		)
		return routeDeferred
	}

	r.ack(ctx, entryID)
	r.framesRouted.Add(1)
	if r.metrics != nil {
		r.metrics.FramesRouted.Inc()
	}
	r.logger.Debug("frame routed",
		slog.String("frame_id", frame.FrameID),
		slog.String("processor_id", target.ID),
	)
	return routeDone
}

// appendEgress writes the frame to the processor's egress stream under its
// breaker, with dedup on frame id and bounded retries.
func (r *Router) appendEgress(ctx context.Context, frame *models.FrameRef, target models.ProcessorRegistration) error {
	// Dedup happens against the shared store, outside the breaker: its
	// failures are not attributable to the target processor.
	fresh, err := r.store.SetNX(ctx, dedupKeyPrefix+frame.FrameID, target.ID, r.config.DedupTTL)
	if err != nil {
		return err
	}
	if !fresh {
		// Already routed in a previous life of this entry.
		return nil
	}

	appendErr := r.breakers.Call(ctx, target.ID, func(callCtx context.Context) error {
		fields := frame.ToFields()
		fields["routed_at"] = time.Now().UTC().Format(time.RFC3339Nano)
		fields["route_reason"] = "capability:" + frame.Capability(r.config.DefaultCapability)

		backoff := r.config.RetryBackoff
		var lastErr error
		for attempt := 0; attempt < r.config.MaxRetries; attempt++ {
			if attempt > 0 {
				if !sleepCtx(callCtx, backoff) {
					return callCtx.Err()
				}
				backoff *= 2
			}
			if _, lastErr = r.store.Append(callCtx, target.Queue, fields); lastErr == nil {
				return nil
			}
		}
		return fmt.Errorf("appending to %s after %d attempts: %w", target.Queue, r.config.MaxRetries, lastErr)
	}, nil)

	if appendErr != nil {
		// Release the dedup mark so the redelivered entry can route again.
		if err := r.store.Delete(ctx, dedupKeyPrefix+frame.FrameID); err != nil {
			r.logger.Warn("releasing dedup mark failed",
				slog.String("frame_id", frame.FrameID), slog.Any("error", err))
		}
	}
	return appendErr
}

// handleNoCandidate applies the priority policy when nothing can take the
// frame right now.
func (r *Router) handleNoCandidate(ctx context.Context, frame *models.FrameRef, entryID string, capability string) routeOutcome {
	if frame.Priority >= 8 {
		r.mu.Lock()
		r.entryIDs[frame.FrameID] = queuedEntry{id: entryID, enqueued: time.Now()}
		r.mu.Unlock()
		r.queue.Enqueue(frame)
		r.logger.Info("no candidate, queued for retry",
			slog.String("frame_id", frame.FrameID),
			slog.String("capability", capability),
			slog.Int("priority", frame.Priority),
		)
		return routeQueued
	}

	r.toDLQ(ctx, frame.ToFields(), "no_candidate", 1)
	r.ack(ctx, entryID)
	r.dropped("no_candidate")
	r.logger.Warn("no candidate, frame dropped",
		slog.String("frame_id", frame.FrameID),
		slog.String("capability", capability),
	)
	return routeDone
}

// drainRetryQueue re-attempts queued high-priority frames until their
// retry window expires, then dead-letters them.
func (r *Router) drainRetryQueue(ctx context.Context) {
	for {
		frame, err := r.queue.Dequeue(ctx)
		if err != nil {
			return
		}

		r.mu.Lock()
		qe, ok := r.entryIDs[frame.FrameID]
		delete(r.entryIDs, frame.FrameID)
		r.mu.Unlock()
		if !ok {
			continue
		}

		capability := frame.Capability(r.config.DefaultCapability)
		deadline := qe.enqueued.Add(r.config.RetryWindow)

		for {
			target, found := r.selectProcessor(capability)
			if found {
				if err := r.appendEgress(ctx, frame, target); err == nil {
					r.ack(ctx, qe.id)
					r.framesRouted.Add(1)
					if r.metrics != nil {
						r.metrics.FramesRouted.Inc()
					}
					break
				}
			}
			if time.Now().After(deadline) {
				r.toDLQ(ctx, frame.ToFields(), "no_candidate", 1)
				r.ack(ctx, qe.id)
				r.dropped("undeliverable")
				r.logger.Warn("retry window expired, frame dead-lettered",
					slog.String("frame_id", frame.FrameID),
					slog.String("capability", capability),
				)
				break
			}
			if !sleepCtx(ctx, 250*time.Millisecond) {
				return
			}
		}
	}
}

// toDLQ writes the original fields plus failure annotations to the
// dead-letter stream. DLQ failures are logged and dropped; the DLQ is a
// best-effort diagnostic sink.
func (r *Router) toDLQ(ctx context.Context, fields map[string]string, reason string, attempts int) {
	dlq := make(map[string]string, len(fields)+3)
	for k, v := range fields {
		dlq[k] = v
	}
	dlq["reason"] = reason
	dlq["failed_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	dlq["attempts"] = strconv.Itoa(attempts)

	if _, err := r.store.Append(ctx, r.config.DLQStream, dlq); err != nil {
		r.logger.Error("dead-letter append failed",
			slog.String("reason", reason), slog.Any("error", err))
		return
	}
	if r.metrics != nil {
		r.metrics.DLQTotal.WithLabelValues(reason).Inc()
	}
}

func (r *Router) ack(ctx context.Context, entryID string) {
	if err := r.store.Ack(ctx, r.config.IngressStream, r.config.ConsumerGroup, entryID); err != nil {
		// The entry will redeliver; dedup on frame id absorbs the replay.
		r.logger.Warn("ingress ack failed", slog.String("entry_id", entryID), slog.Any("error", err))
	}
}

func (r *Router) dropped(reason string) {
	r.framesDropped.Add(1)
	if r.metrics != nil {
		r.metrics.FramesDropped.WithLabelValues(reason).Inc()
	}
}

func (r *Router) observeError(err error) {
	if r.metrics != nil {
		r.metrics.RoutingErrors.WithLabelValues(models.KindOf(err).String()).Inc()
	}
}

// FramesRouted returns the total frames routed since start.
func (r *Router) FramesRouted() int64 { return r.framesRouted.Load() }

// FramesDropped returns the total frames dropped since start.
func (r *Router) FramesDropped() int64 { return r.framesDropped.Load() }

// RetryQueueDepth returns the current retry queue size.
func (r *Router) RetryQueueDepth() int { return r.queue.Size() }

// sleepCtx sleeps for d unless ctx ends first; it reports whether the full
// sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
