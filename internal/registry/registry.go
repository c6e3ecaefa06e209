// Package registry maintains the authoritative set of live processors and
// answers routing candidacy queries.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/framebuf/framebuf/internal/models"
	"github.com/framebuf/framebuf/internal/streamstore"
)

// SnapshotKey is the store key the registry snapshot is persisted under.
const SnapshotKey = "orchestrator:registry"

// Config holds registry liveness settings.
type Config struct {
	// HeartbeatInterval is the expected client heartbeat cadence; the
	// liveness window defaults to twice this value when LivenessTimeout
	// is unset.
	HeartbeatInterval time.Duration
	// LivenessTimeout is how long a processor may go without a heartbeat
	// before it stops being a candidate.
	LivenessTimeout time.Duration
	// SweepInterval is how often the liveness sweeper runs.
	SweepInterval time.Duration
	// EvictionRetention is how long evicted entries are kept for
	// diagnostics before deletion.
	EvictionRetention time.Duration
	// PersistSnapshot enables writing the registry snapshot to the store
	// on every mutation.
	PersistSnapshot bool
}

func (c *Config) defaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = 2 * c.HeartbeatInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.EvictionRetention <= 0 {
		c.EvictionRetention = 5 * time.Minute
	}
}

// entry is the registry's internal record for one processor.
type entry struct {
	reg       models.ProcessorRegistration
	health    models.ProcessorHealth
	epoch     uint64
	evicted   bool
	evictedAt time.Time
}

// Availability is consulted on candidacy checks; the service wires it to
// the circuit breaker manager.
type Availability func(processorID string) bool

// Registry is safe for concurrent use.
type Registry struct {
	config Config
	logger *slog.Logger
	store  streamstore.Store // nil disables snapshot persistence
	avail  Availability

	mu      sync.RWMutex
	entries map[string]*entry
	epoch   uint64
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithAvailability sets the availability hook used by Candidates.
func WithAvailability(f Availability) Option {
	return func(r *Registry) { r.avail = f }
}

// WithSnapshotStore enables snapshot persistence to the given store.
func WithSnapshotStore(s streamstore.Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(config Config, logger *slog.Logger, opts ...Option) *Registry {
	config.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		config:  config,
		logger:  logger,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a processor. It returns false when an active entry with
// the same id exists whose heartbeat is still within the liveness window.
// Re-registration of a dead or evicted entry succeeds and bumps the epoch.
func (r *Registry) Register(ctx context.Context, reg models.ProcessorRegistration) (uint64, bool) {
	now := r.now()

	r.mu.Lock()
	if existing, ok := r.entries[reg.ID]; ok && !existing.evicted {
		if now.Sub(existing.health.LastHealthCheck) <= r.config.LivenessTimeout {
			r.mu.Unlock()
			return 0, false
		}
	}

	r.epoch++
	epoch := r.epoch
	r.entries[reg.ID] = &entry{
		reg:   reg,
		epoch: epoch,
		health: models.ProcessorHealth{
			ProcessorID:     reg.ID,
			Status:          models.StatusHealthy,
			LastHealthCheck: now,
		},
	}
	r.mu.Unlock()

	r.logger.Info("processor registered",
		slog.String("processor_id", reg.ID),
		slog.Any("capabilities", reg.Capabilities),
		slog.Int("capacity", reg.Capacity),
		slog.Uint64("epoch", epoch),
	)
	r.persist(ctx)
	return epoch, true
}

// Heartbeat updates a processor's health and resets its liveness timer.
// It returns false for unknown or evicted ids: the client must
// re-register, which assigns a fresh epoch.
func (r *Registry) Heartbeat(ctx context.Context, id string, status models.HealthStatus, capacityUsed float64, framesProcessed, errorsLastMin int64) bool {
	now := r.now()

	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.evicted {
		r.mu.Unlock()
		return false
	}
	e.health.Status = status
	e.health.CapacityUsed = capacityUsed
	e.health.FramesProcessed = framesProcessed
	e.health.ErrorsLastMin = errorsLastMin
	e.health.LastHealthCheck = now
	r.mu.Unlock()

	r.persist(ctx)
	return true
}

// Unregister removes a processor entirely. Returns false if unknown.
func (r *Registry) Unregister(ctx context.Context, id string) bool {
	r.mu.Lock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()

	if ok {
		r.logger.Info("processor unregistered", slog.String("processor_id", id))
		r.persist(ctx)
	}
	return ok
}

// Update patches a processor's capabilities, capacity, or metadata.
func (r *Registry) Update(ctx context.Context, id string, patch models.ProcessorRegistration) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.evicted {
		r.mu.Unlock()
		return false
	}
	if len(patch.Capabilities) > 0 {
		e.reg.Capabilities = patch.Capabilities
	}
	if patch.Capacity > 0 {
		e.reg.Capacity = patch.Capacity
	}
	if patch.Endpoint != "" {
		e.reg.Endpoint = patch.Endpoint
	}
	if patch.Metadata != nil {
		e.reg.Metadata = patch.Metadata
	}
	r.mu.Unlock()

	r.logger.Info("processor updated", slog.String("processor_id", id))
	r.persist(ctx)
	return true
}

// Candidates returns the currently routable processors declaring the
// capability: live, healthy or degraded, breaker not open.
func (r *Registry) Candidates(capability string) []models.ProcessorRegistration {
	now := r.now()

	r.mu.RLock()
	var out []models.ProcessorRegistration
	for _, e := range r.entries {
		if e.evicted || !e.reg.CanProcess(capability) {
			continue
		}
		if !e.health.Routable(now, r.config.LivenessTimeout) {
			continue
		}
		out = append(out, e.reg)
	}
	r.mu.RUnlock()

	if r.avail != nil {
		filtered := out[:0]
		for _, reg := range out {
			if r.avail(reg.ID) {
				filtered = append(filtered, reg)
			}
		}
		out = filtered
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByID returns the registration and health for one processor.
func (r *Registry) ByID(id string) (models.ProcessorRegistration, models.ProcessorHealth, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return models.ProcessorRegistration{}, models.ProcessorHealth{}, false
	}
	return e.reg, e.health, true
}

// All returns every non-evicted registration sorted by id.
func (r *Registry) All() []models.ProcessorRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ProcessorRegistration, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.evicted {
			out = append(out, e.reg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Health returns health snapshots for every non-evicted processor.
func (r *Registry) Health() map[string]models.ProcessorHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]models.ProcessorHealth, len(r.entries))
	for id, e := range r.entries {
		if !e.evicted {
			out[id] = e.health
		}
	}
	return out
}

// ActiveCount returns the number of currently routable processors.
func (r *Registry) ActiveCount() int {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if !e.evicted && e.health.Routable(now, r.config.LivenessTimeout) {
			n++
		}
	}
	return n
}

// Capacity returns the declared capacity for a processor, or fallback.
func (r *Registry) Capacity(id string, fallback int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok && e.reg.Capacity > 0 {
		return e.reg.Capacity
	}
	return fallback
}

// Sweep marks processors with expired liveness as unhealthy (soft
// eviction: the record is retained for diagnostics) and deletes evicted
// records past the retention window. Returns the ids evicted this pass.
func (r *Registry) Sweep(ctx context.Context) []string {
	now := r.now()
	var evicted []string

	r.mu.Lock()
	for id, e := range r.entries {
		if e.evicted {
			if now.Sub(e.evictedAt) > r.config.EvictionRetention {
				delete(r.entries, id)
			}
			continue
		}
		if now.Sub(e.health.LastHealthCheck) > r.config.LivenessTimeout {
			e.evicted = true
			e.evictedAt = now
			e.health.Status = models.StatusUnhealthy
			evicted = append(evicted, id)
		}
	}
	r.mu.Unlock()

	for _, id := range evicted {
		r.logger.Warn("processor liveness expired, soft-evicted",
			slog.String("processor_id", id),
			slog.Duration("liveness_timeout", r.config.LivenessTimeout),
		)
	}
	if len(evicted) > 0 {
		r.persist(ctx)
	}
	return evicted
}

// RunSweeper runs the liveness sweeper until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// snapshot is the persisted registry form.
type snapshot struct {
	UpdatedAt  time.Time                      `json:"updated_at"`
	Epoch      uint64                         `json:"epoch"`
	Processors []models.ProcessorRegistration `json:"processors"`
}

// persist writes the snapshot blob; failures are logged, never propagated,
// since the snapshot is diagnostic only.
func (r *Registry) persist(ctx context.Context) {
	if !r.config.PersistSnapshot || r.store == nil {
		return
	}
	r.mu.RLock()
	snap := snapshot{UpdatedAt: r.now(), Epoch: r.epoch}
	for _, e := range r.entries {
		if !e.evicted {
			snap.Processors = append(snap.Processors, e.reg)
		}
	}
	r.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := r.store.PutBlob(ctx, SnapshotKey, data); err != nil {
		r.logger.Warn("persisting registry snapshot failed", slog.Any("error", err))
	}
}
