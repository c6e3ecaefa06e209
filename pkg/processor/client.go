package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/framebuf/framebuf/internal/models"
	"github.com/framebuf/framebuf/internal/resource"
	"github.com/framebuf/framebuf/internal/streamstore"
	"github.com/framebuf/framebuf/pkg/httpclient"
)

// Handler processes one frame. Implementations MUST be idempotent on
// frame_id: delivery is at-least-once and a frame may be processed more
// than once after redelivery.
type Handler interface {
	// ProcessFrame receives the frame's field map and returns an optional
	// result to publish. Returning an error leaves the entry unacked so
	// the store redelivers it.
	ProcessFrame(ctx context.Context, fields map[string]string) (map[string]interface{}, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, fields map[string]string) (map[string]interface{}, error)

// ProcessFrame implements Handler.
func (f HandlerFunc) ProcessFrame(ctx context.Context, fields map[string]string) (map[string]interface{}, error) {
	return f(ctx, fields)
}

// Client consumes a processor's egress stream, dispatches frames to the
// handler through a bounded worker pool, and reports health to the
// orchestrator.
type Client struct {
	config  Config
	handler Handler
	logger  *slog.Logger
	http    *httpclient.Client
	store   streamstore.Store
	metrics *clientMetrics
	limits  *resource.Manager

	ownStore bool
	slots    chan struct{}
	active   atomic.Int64
	frames   atomic.Int64
	errors   errorWindow

	mu         sync.Mutex
	registered bool
	epoch      uint64
}

// Option configures a Client.
type Option func(*Client)

// WithStore injects an existing stream store connection (tests).
func WithStore(s streamstore.Store) Option {
	return func(c *Client) {
		c.store = s
		c.ownStore = false
	}
}

// WithHTTPClient overrides the HTTP client used for orchestrator calls.
func WithHTTPClient(h *httpclient.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithMetricsRegisterer registers the client's collectors on reg.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) {
		c.metrics = newClientMetrics(c.config.ID, reg)
	}
}

// New creates a processor client. The returned client does nothing until
// Run is called.
func New(config Config, handler Handler, opts ...Option) (*Client, error) {
	if err := config.fill(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, models.NewError(models.KindFatal, fmt.Errorf("handler is required"))
	}

	c := &Client{
		config:  config,
		handler: handler,
		logger:  config.Logger.With(slog.String("processor_id", config.ID)),
		slots:   make(chan struct{}, config.Capacity),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = httpclient.New(httpclient.Config{
			Timeout:       30 * time.Second,
			RetryAttempts: config.RegisterRetries,
			RetryDelay:    config.RegisterBackoff,
			Logger:        c.logger,
		})
	}
	if c.metrics == nil {
		c.metrics = newClientMetrics(config.ID, nil)
	}
	if rl := config.ResourceLimits; rl != nil {
		c.limits = resource.NewManager(rl.MaxCPUPercent, rl.MaxMemoryPercent, rl.GPUDevices, c.logger)
	}
	return c, nil
}

// Run executes the client lifecycle: register, create the consumer group,
// consume until ctx is done, then drain, unregister, and close. It blocks
// until shutdown completes.
func (c *Client) Run(ctx context.Context) error {
	if c.store == nil {
		store, err := streamstore.NewRedisStore(streamstore.Options{
			URL:    c.config.StoreURL,
			Logger: c.logger,
		})
		if err != nil {
			return err
		}
		c.store = store
		c.ownStore = true
	}

	if err := c.register(ctx); err != nil {
		if c.ownStore {
			_ = c.store.Close()
		}
		return err
	}

	// Replay any backlog: the group starts at the beginning of the stream.
	if err := c.store.CreateGroup(ctx, c.config.queueName(), c.config.groupName(), "0"); err != nil {
		return fmt.Errorf("creating consumer group: %w", err)
	}

	c.logger.Info("processor started",
		slog.Any("capabilities", c.config.Capabilities),
		slog.Int("capacity", c.config.Capacity),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(ctx)
	}()

	c.consumeLoop(ctx)
	wg.Wait()

	return c.shutdown()
}

// register announces this processor to the orchestrator, retrying
// transient failures with backoff. A live-conflict (409) is fatal: some
// other process holds the id.
func (c *Client) register(ctx context.Context) error {
	reg := models.ProcessorRegistration{
		ID:           c.config.ID,
		Capabilities: c.config.Capabilities,
		Capacity:     c.config.Capacity,
		Queue:        c.config.queueName(),
		Metadata:     c.config.Metadata,
	}

	var out struct {
		ID    string `json:"id"`
		Queue string `json:"queue"`
		Epoch uint64 `json:"epoch"`
	}
	err := c.http.JSON(ctx, http.MethodPost, c.config.OrchestratorURL+"/processors/register", reg, &out)
	if err != nil {
		if httpclient.IsStatus(err, http.StatusConflict) {
			return models.NewError(models.KindFatal,
				fmt.Errorf("processor id %s is already registered and live", c.config.ID))
		}
		return fmt.Errorf("registering processor: %w", err)
	}

	c.mu.Lock()
	c.registered = true
	c.epoch = out.Epoch
	c.mu.Unlock()

	c.logger.Info("registered with orchestrator", slog.Uint64("epoch", out.Epoch))
	return nil
}

// consumeLoop reads batches sized to the free pool capacity. The block
// timeout adapts: short while work is in flight, long when idle.
func (c *Client) consumeLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		free := c.config.Capacity - int(c.active.Load())
		if free <= 0 {
			// Pool full; wait for a slot rather than reading ahead.
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		block := idleBlock
		if c.active.Load() > 0 {
			block = busyBlock
		}
		count := int64(c.config.BatchSize)
		if int64(free) < count {
			count = int64(free)
		}

		entries, err := c.store.ReadGroup(ctx, c.config.queueName(), c.config.groupName(), c.config.consumerName(), count, block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("reading frames failed", slog.Any("error", err))
			c.metrics.errors.WithLabelValues(models.KindOf(err).String()).Inc()
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(entries) == 0 {
			continue
		}

		redeliveries := c.deliveryCounts(ctx, entries)
		for _, entry := range entries {
			if n := redeliveries[entry.ID]; n > c.config.ClaimThreshold {
				c.deadLetter(ctx, entry, n)
				continue
			}
			c.dispatch(ctx, entry)
		}
	}
}

// deliveryCounts looks up how many times each entry has been delivered.
// Failures degrade gracefully: an unknown count never blocks processing.
func (c *Client) deliveryCounts(ctx context.Context, entries []streamstore.Entry) map[string]int64 {
	details, err := c.store.PendingDetails(ctx, c.config.queueName(), c.config.groupName(), int64(len(entries))*4)
	if err != nil {
		return nil
	}
	counts := make(map[string]int64, len(details))
	for _, d := range details {
		counts[d.ID] = d.DeliveryCount
	}
	return counts
}

// dispatch hands the entry to a pool worker, blocking when the pool is at
// capacity so consumption never outpaces processing.
func (c *Client) dispatch(ctx context.Context, entry streamstore.Entry) {
	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return
	}
	c.active.Add(1)
	c.metrics.activeTasks.Set(float64(c.active.Load()))

	go func() {
		defer func() {
			<-c.slots
			c.active.Add(-1)
			c.metrics.activeTasks.Set(float64(c.active.Load()))
		}()
		c.processEntry(ctx, entry)
	}()
}

// processEntry runs the handler for one frame. Success publishes the
// optional result and acks; failure leaves the entry pending so the
// visibility timeout redelivers it.
func (c *Client) processEntry(ctx context.Context, entry streamstore.Entry) {
	start := time.Now()
	frameID := entry.Fields["frame_id"]

	if c.limits != nil {
		rl := c.config.ResourceLimits
		if _, err := c.limits.Acquire(entry.ID, rl.CPUCoresPerFrame, rl.MemoryMBPerFrame, rl.GPUPerFrame); err != nil {
			// Budget exhausted: leave the entry unacked so it redelivers
			// once capacity frees up.
			c.metrics.errors.WithLabelValues(models.KindOf(err).String()).Inc()
			c.logger.Warn("resource budget exceeded, deferring frame",
				slog.String("frame_id", frameID), slog.Any("error", err))
			return
		}
		defer c.limits.Release(entry.ID)
	}

	result, err := c.handler.ProcessFrame(ctx, entry.Fields)
	c.metrics.duration.Observe(time.Since(start).Seconds())

	if err != nil {
		c.errors.record(time.Now())
		c.metrics.framesProcessed.WithLabelValues("error").Inc()
		c.metrics.errors.WithLabelValues(models.KindOf(err).String()).Inc()
		c.logger.Error("frame processing failed",
			slog.String("frame_id", frameID),
			slog.String("error_kind", models.KindOf(err).String()),
			slog.Any("error", err),
		)
		return
	}

	if c.config.ResultStream != "" && result != nil {
		if err := c.publishResult(ctx, frameID, result); err != nil {
			c.logger.Warn("publishing result failed",
				slog.String("frame_id", frameID), slog.Any("error", err))
		}
	}

	if err := c.store.Ack(ctx, c.config.queueName(), c.config.groupName(), entry.ID); err != nil {
		c.logger.Warn("ack failed; frame will redeliver",
			slog.String("frame_id", frameID), slog.Any("error", err))
		return
	}

	c.frames.Add(1)
	c.metrics.framesProcessed.WithLabelValues("success").Inc()
}

// publishResult appends the handler's result to the configured result
// stream, stamping processor_id and processed_at. Non-scalar values are
// serialized as JSON.
func (c *Client) publishResult(ctx context.Context, frameID string, result map[string]interface{}) error {
	fields := make(map[string]string, len(result)+3)
	for k, v := range result {
		switch t := v.(type) {
		case string:
			fields[k] = t
		case int, int32, int64, uint, uint64, float32, float64, bool:
			fields[k] = fmt.Sprint(t)
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encoding result field %s: %w", k, err)
			}
			fields[k] = string(b)
		}
	}
	fields["frame_id"] = frameID
	fields["processor_id"] = c.config.ID
	fields["processed_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	_, err := c.store.Append(ctx, c.config.ResultStream, fields)
	return err
}

// deadLetter moves an entry past the claim threshold to the DLQ and acks
// it so it stops redelivering.
func (c *Client) deadLetter(ctx context.Context, entry streamstore.Entry, attempts int64) {
	fields := make(map[string]string, len(entry.Fields)+3)
	for k, v := range entry.Fields {
		fields[k] = v
	}
	fields["reason"] = "claim_threshold_exceeded"
	fields["failed_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	fields["attempts"] = strconv.FormatInt(attempts, 10)

	if _, err := c.store.Append(ctx, c.config.DLQStream, fields); err != nil {
		c.logger.Error("dead-letter append failed", slog.Any("error", err))
		return
	}
	if err := c.store.Ack(ctx, c.config.queueName(), c.config.groupName(), entry.ID); err != nil {
		c.logger.Warn("dead-letter ack failed", slog.Any("error", err))
	}
	c.logger.Warn("frame dead-lettered after repeated redelivery",
		slog.String("frame_id", entry.Fields["frame_id"]),
		slog.Int64("attempts", attempts),
	)
}

// heartbeatLoop reports health until ctx is done. A 404 means the
// registry evicted us; re-register with a fresh epoch.
func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendHeartbeat(ctx); err != nil {
				if httpclient.IsStatus(err, http.StatusNotFound) {
					c.logger.Warn("registry evicted this processor; re-registering")
					if rerr := c.register(ctx); rerr != nil {
						c.logger.Error("re-registration failed", slog.Any("error", rerr))
					}
					continue
				}
				c.logger.Warn("heartbeat failed", slog.Any("error", err))
			}
		}
	}
}

func (c *Client) sendHeartbeat(ctx context.Context) error {
	now := time.Now()
	errs := c.errors.count(now)

	status := models.StatusHealthy
	if errs >= 10 {
		status = models.StatusDegraded
	}

	body := map[string]interface{}{
		"id":                 c.config.ID,
		"status":             string(status),
		"capacity_used":      float64(c.active.Load()) / float64(c.config.Capacity),
		"frames_processed":   c.frames.Load(),
		"errors_last_minute": errs,
	}
	return c.http.JSON(ctx, http.MethodPost, c.config.OrchestratorURL+"/processors/heartbeat", body, nil)
}

// shutdown drains in-flight work, unregisters, and closes owned
// resources. Work still running after the drain timeout is abandoned
// unacked and will redeliver.
func (c *Client) shutdown() error {
	deadline := time.Now().Add(c.config.DrainTimeout)
	for c.active.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if n := c.active.Load(); n > 0 {
		c.logger.Warn("drain timeout; abandoning in-flight frames", slog.Int64("active", n))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.unregister(ctx); err != nil {
		c.logger.Warn("unregister failed", slog.Any("error", err))
	}

	var err error
	if c.ownStore && c.store != nil {
		err = c.store.Close()
	}
	c.logger.Info("processor stopped", slog.Int64("frames_processed", c.frames.Load()))
	return err
}

func (c *Client) unregister(ctx context.Context) error {
	c.mu.Lock()
	registered := c.registered
	c.mu.Unlock()
	if !registered {
		return nil
	}

	err := c.http.JSON(ctx, http.MethodDelete, c.config.OrchestratorURL+"/processors/"+c.config.ID, nil, nil)
	if err != nil && !httpclient.IsStatus(err, http.StatusNotFound) {
		return err
	}
	return nil
}

// Active returns the number of frames currently being processed.
func (c *Client) Active() int { return int(c.active.Load()) }

// Epoch returns the registration epoch assigned by the orchestrator.
func (c *Client) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// FramesProcessed returns the number of successfully processed frames.
func (c *Client) FramesProcessed() int64 { return c.frames.Load() }

// AvailableCapacity returns how many more frames the pool can take.
func (c *Client) AvailableCapacity() int {
	free := c.config.Capacity - int(c.active.Load())
	if free < 0 {
		return 0
	}
	return free
}

// TraceContext extracts the propagation headers from a frame's fields.
func TraceContext(fields map[string]string) map[string]string {
	raw, ok := fields["trace_context"]
	if !ok || raw == "" {
		return nil
	}
	var tc map[string]string
	if err := json.Unmarshal([]byte(raw), &tc); err != nil {
		return nil
	}
	return tc
}
