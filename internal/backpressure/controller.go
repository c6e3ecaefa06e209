// Package backpressure observes egress queue utilization and derives the
// pressure level gating the router's consumption rate.
package backpressure

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/framebuf/framebuf/internal/models"
	"github.com/framebuf/framebuf/internal/observability"
	"github.com/framebuf/framebuf/internal/streamstore"
)

const (
	historySize        = 100
	adaptiveMinSamples = 50
	adaptiveWindow     = 50
)

// CapacityView supplies per-processor capacity and selection priority;
// the service wires it to the registry.
type CapacityView interface {
	Capacity(processorID string, fallback int) int
	All() []models.ProcessorRegistration
}

// Config holds controller tuning.
type Config struct {
	// CheckInterval is how often the monitor loop samples queue stats.
	CheckInterval time.Duration
	// Low, High, Critical are the utilization thresholds for the
	// corresponding pressure levels.
	Low      float64
	High     float64
	Critical float64
	// Adaptive enables threshold adjustment from pressure history.
	Adaptive bool
	// AlertCooldown suppresses repeated critical alerts.
	AlertCooldown time.Duration
	// DefaultCapacity is assumed for queues whose processor is unknown.
	DefaultCapacity int
	// OnAlert is invoked for critical transitions, subject to cooldown.
	OnAlert func(message string, maxUtilization float64)
}

func (c *Config) defaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.Low == 0 {
		c.Low = 0.6
	}
	if c.High == 0 {
		c.High = 0.8
	}
	if c.Critical == 0 {
		c.Critical = 0.95
	}
	if c.AlertCooldown <= 0 {
		c.AlertCooldown = 5 * time.Minute
	}
	if c.DefaultCapacity <= 0 {
		c.DefaultCapacity = 10000
	}
}

// Controller computes the pressure level and consumption rate. Readers
// (the router) use the atomic snapshot accessors; the monitor loop is the
// only writer.
type Controller struct {
	config   Config
	store    streamstore.Store
	capacity CapacityView
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu              sync.RWMutex
	level           models.PressureLevel
	rate            float64
	paused          bool
	thresholds      thresholds
	history         []models.PressureLevel
	lastAdjustment  time.Time
	lastAlert       time.Time
	throttleStart   time.Time
	lastUtilization float64
	now             func() time.Time
}

type thresholds struct {
	low, high, critical float64
}

// New creates a controller at NORMAL pressure and full consumption rate.
func New(config Config, store streamstore.Store, capacity CapacityView, logger *slog.Logger, metrics *observability.Metrics) *Controller {
	config.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		config:   config,
		store:    store,
		capacity: capacity,
		logger:   logger,
		metrics:  metrics,
		level:    models.PressureNormal,
		rate:     1.0,
		thresholds: thresholds{
			low:      config.Low,
			high:     config.High,
			critical: config.Critical,
		},
		now: time.Now,
	}
}

// Run executes the monitor loop until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.config.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Check(ctx); err != nil {
				// Keep the previous view on transient store errors.
				c.logger.Error("backpressure check failed", slog.Any("error", err))
			}
		}
	}
}

// Check samples queue stats once and applies the resulting pressure level.
func (c *Controller) Check(ctx context.Context) error {
	stats, err := c.QueueStats(ctx)
	if err != nil {
		return err
	}

	maxUtil := 0.0
	for id, qs := range stats {
		cap := c.capacity.Capacity(id, c.config.DefaultCapacity)
		util := float64(qs.Length) / float64(cap)
		if util > maxUtil {
			maxUtil = util
		}
		if c.metrics != nil {
			c.metrics.QueueUtilization.WithLabelValues(id).Set(util)
		}
	}

	c.apply(c.levelFor(maxUtil), maxUtil)
	return nil
}

// QueueStats returns per-processor egress stream statistics discovered by
// pattern scan.
func (c *Controller) QueueStats(ctx context.Context) (map[string]models.QueueStats, error) {
	keys, err := c.store.ScanKeys(ctx, models.EgressStreamPrefix+"*")
	if err != nil {
		return nil, err
	}

	now := c.now()
	stats := make(map[string]models.QueueStats, len(keys))
	for _, stream := range keys {
		id := stream[len(models.EgressStreamPrefix):]
		length, err := c.store.Length(ctx, stream)
		if err != nil {
			c.logger.Warn("reading queue length failed",
				slog.String("stream", stream), slog.Any("error", err))
			continue
		}
		qs := models.QueueStats{QueueName: stream, Length: length}

		if pending, err := c.store.Pending(ctx, stream, id+"-group"); err == nil {
			qs.Pending = pending.Count
			qs.Consumers = pending.Consumers
		}
		if oldest, err := c.store.OldestEntry(ctx, stream); err == nil && oldest != nil {
			if age, ok := streamstore.EntryAge(oldest.ID, now); ok {
				qs.OldestMessageAge = age.Seconds()
			}
		}
		stats[id] = qs
	}
	return stats, nil
}

func (c *Controller) levelFor(utilization float64) models.PressureLevel {
	c.mu.RLock()
	t := c.thresholds
	c.mu.RUnlock()

	switch {
	case utilization >= t.critical:
		return models.PressureCritical
	case utilization >= t.high:
		return models.PressureHigh
	case utilization >= t.low:
		return models.PressureLow
	default:
		return models.PressureNormal
	}
}

// apply moves the controller to the given level, updating rate, pause
// flag, history, metrics, and alerts.
func (c *Controller) apply(level models.PressureLevel, maxUtil float64) {
	now := c.now()

	c.mu.Lock()
	previous := c.level
	c.level = level
	c.lastUtilization = maxUtil

	c.history = append(c.history, level)
	if len(c.history) > historySize {
		c.history = c.history[1:]
	}

	if level > models.PressureNormal && c.throttleStart.IsZero() {
		c.throttleStart = now
	}

	switch level {
	case models.PressureCritical:
		c.paused = true
		c.rate = 0.0
	case models.PressureHigh:
		c.paused = false
		c.rate = 0.5
	case models.PressureLow:
		c.paused = false
		c.rate = 0.8
	default:
		c.paused = false
		c.rate = 1.0
	}

	var throttled time.Duration
	if level == models.PressureNormal && !c.throttleStart.IsZero() {
		throttled = now.Sub(c.throttleStart)
		c.throttleStart = time.Time{}
	}

	adjust := c.config.Adaptive && level != previous
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.BackpressureLevel.Set(float64(level))
		c.metrics.ConsumptionRate.Set(c.Rate())
		if throttled > 0 {
			c.metrics.ThrottleDuration.Observe(throttled.Seconds())
		}
		if level != previous {
			c.metrics.BackpressureEvents.WithLabelValues(level.String()).Inc()
		}
	}

	if level != previous {
		c.logger.Info("backpressure level changed",
			slog.String("from", previous.String()),
			slog.String("to", level.String()),
			slog.Float64("max_utilization", maxUtil),
		)
	}
	if throttled > 0 {
		c.logger.Info("throttling ended", slog.Duration("duration", throttled))
	}

	if level == models.PressureCritical {
		c.alert(maxUtil)
	}
	if adjust {
		c.adjustThresholds()
	}
}

func (c *Controller) alert(maxUtil float64) {
	c.mu.Lock()
	now := c.now()
	if !c.lastAlert.IsZero() && now.Sub(c.lastAlert) < c.config.AlertCooldown {
		c.mu.Unlock()
		return
	}
	c.lastAlert = now
	c.mu.Unlock()

	c.logger.Error("critical backpressure detected",
		slog.Float64("max_utilization", maxUtil))
	if c.config.OnAlert != nil {
		c.config.OnAlert("critical backpressure detected", maxUtil)
	}
}

// adjustThresholds nudges the high/critical thresholds from recent
// history: sustained pressure lowers them, rare pressure raises them.
func (c *Controller) adjustThresholds() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.history) < adaptiveMinSamples {
		return
	}
	now := c.now()
	if !c.lastAdjustment.IsZero() && now.Sub(c.lastAdjustment) < time.Minute {
		return
	}

	recent := c.history
	if len(recent) > adaptiveWindow {
		recent = recent[len(recent)-adaptiveWindow:]
	}
	highCount := 0
	for _, l := range recent {
		if l >= models.PressureHigh {
			highCount++
		}
	}

	switch {
	case highCount > (adaptiveWindow*6)/10:
		c.thresholds.high = maxf(c.thresholds.high*0.95, c.thresholds.low+0.05)
		c.thresholds.critical = maxf(c.thresholds.critical*0.97, c.thresholds.high+0.05)
	case highCount < adaptiveWindow/10:
		c.thresholds.high = minf(0.85, c.thresholds.high*1.05)
		c.thresholds.critical = minf(0.98, c.thresholds.critical*1.02)
	default:
		return
	}
	c.lastAdjustment = now
	c.logger.Info("adjusted backpressure thresholds",
		slog.Float64("high", c.thresholds.high),
		slog.Float64("critical", c.thresholds.critical),
	)
}

// ThrottleDecisions computes the per-processor throttle factors: higher
// utilization throttles more, higher declared priority throttles less.
func (c *Controller) ThrottleDecisions(ctx context.Context) ([]models.ThrottleDecision, error) {
	stats, err := c.QueueStats(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	t := c.thresholds
	c.mu.RUnlock()

	priorities := make(map[string]int)
	for _, reg := range c.capacity.All() {
		priorities[reg.ID] = reg.SelectionPriority()
	}

	decisions := make([]models.ThrottleDecision, 0, len(stats))
	for id, qs := range stats {
		cap := c.capacity.Capacity(id, c.config.DefaultCapacity)
		util := float64(qs.Length) / float64(cap)
		priority := priorities[id]
		if priority < 1 {
			priority = 1
		}

		var base float64
		switch {
		case util > t.critical:
			base = 0.9
		case util > t.high:
			base = 0.5
		case util > t.low:
			base = 0.2
		}
		decisions = append(decisions, models.ThrottleDecision{
			ProcessorID: id,
			Throttle:    base / float64(priority),
			Utilization: util,
			Priority:    priority,
		})
	}
	sort.Slice(decisions, func(i, j int) bool { return decisions[i].ProcessorID < decisions[j].ProcessorID })
	return decisions, nil
}

// Level returns the current pressure level.
func (c *Controller) Level() models.PressureLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.level
}

// Rate returns the current consumption rate multiplier in [0,1].
func (c *Controller) Rate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rate
}

// Paused reports whether the router must stop reading ingress.
func (c *Controller) Paused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paused
}

// Thresholds returns the current (possibly adapted) threshold values.
func (c *Controller) Thresholds() (low, high, critical float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.thresholds.low, c.thresholds.high, c.thresholds.critical
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
