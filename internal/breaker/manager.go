package breaker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/framebuf/framebuf/internal/observability"
)

// Manager owns one breaker per processor id, created lazily on first use.
type Manager struct {
	config  Config
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewManager creates a manager applying config to every breaker it creates.
func NewManager(config Config, logger *slog.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:   config,
		logger:   logger,
		metrics:  metrics,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the processor, creating it if needed.
func (m *Manager) Get(processorID string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[processorID]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[processorID]; ok {
		return b
	}

	cfg := m.config
	cfg.OnStateChange = func(from, to State) {
		m.logger.Info("circuit breaker state changed",
			slog.String("processor_id", processorID),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
		if m.metrics != nil {
			m.metrics.BreakerStateChanges.WithLabelValues(processorID, from.String(), to.String()).Inc()
			m.metrics.BreakerState.WithLabelValues(processorID).Set(stateGaugeValue(to))
		}
	}
	b = New(cfg)
	m.breakers[processorID] = b
	m.logger.Debug("created circuit breaker", slog.String("processor_id", processorID))
	return b
}

func stateGaugeValue(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// Call runs op for the processor under its breaker.
func (m *Manager) Call(ctx context.Context, processorID string, op func(context.Context) error, fallback func() error) error {
	b := m.Get(processorID)
	err := b.Call(ctx, op, fallback)
	if m.metrics != nil {
		result := "success"
		if err != nil {
			result = "failure"
		}
		m.metrics.BreakerCalls.WithLabelValues(processorID, result).Inc()
	}
	return err
}

// IsAvailable reports whether the processor's breaker admits calls.
// Processors with no breaker yet have no recorded failures and are
// available.
func (m *Manager) IsAvailable(processorID string) bool {
	m.mu.RLock()
	b, ok := m.breakers[processorID]
	m.mu.RUnlock()
	if !ok {
		return true
	}
	return b.Available()
}

// AvailableSubset filters ids down to those whose breakers admit calls.
func (m *Manager) AvailableSubset(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if m.IsAvailable(id) {
			out = append(out, id)
		}
	}
	return out
}

// RecordSuccess records a routing success for the processor.
func (m *Manager) RecordSuccess(processorID string) {
	m.Get(processorID).RecordSuccess()
}

// RecordFailure records a routing failure attributable to the processor.
func (m *Manager) RecordFailure(processorID string) {
	m.Get(processorID).RecordFailure()
}

// Reset resets the processor's breaker, if one exists.
func (m *Manager) Reset(processorID string) bool {
	m.mu.RLock()
	b, ok := m.breakers[processorID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// ResetAll resets every breaker.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.breakers {
		b.Reset()
	}
}

// AllStats returns statistics for all breakers keyed by processor id.
func (m *Manager) AllStats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make(map[string]Stats, len(m.breakers))
	for id, b := range m.breakers {
		stats[id] = b.Stats()
	}
	return stats
}

// Remove drops the breaker for an unregistered processor.
func (m *Manager) Remove(processorID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, processorID)
}
