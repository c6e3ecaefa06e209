package models

import (
	"fmt"
	"time"
)

// HealthStatus is the coarse processor health reported by heartbeats.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// Valid reports whether s is one of the known statuses.
func (s HealthStatus) Valid() bool {
	switch s {
	case StatusHealthy, StatusDegraded, StatusUnhealthy:
		return true
	}
	return false
}

// ProcessorRegistration describes a processor as submitted at registration
// time. The queue name is always derivable from the id.
type ProcessorRegistration struct {
	ID           string            `json:"id"`
	Capabilities []string          `json:"capabilities"`
	Capacity     int               `json:"capacity"`
	Queue        string            `json:"queue"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Validate checks registration invariants and normalizes the queue name.
func (r *ProcessorRegistration) Validate() error {
	if r.ID == "" {
		return NewError(KindProtocol, fmt.Errorf("processor id cannot be empty"))
	}
	if r.Capacity <= 0 {
		return NewError(KindProtocol, fmt.Errorf("capacity must be positive, got %d", r.Capacity))
	}
	if len(r.Capabilities) == 0 {
		return NewError(KindProtocol, fmt.Errorf("at least one capability is required"))
	}
	if r.Queue == "" {
		r.Queue = EgressStream(r.ID)
	} else if r.Queue != EgressStream(r.ID) {
		return NewError(KindProtocol, fmt.Errorf("queue %q is not derivable from id %q", r.Queue, r.ID))
	}
	return nil
}

// CanProcess reports whether the processor declares the capability.
func (r *ProcessorRegistration) CanProcess(capability string) bool {
	for _, c := range r.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// SelectionPriority returns the processor-declared priority used as a
// selection boost and throttle divisor. Declared via metadata key
// "priority"; defaults to 1.
func (r *ProcessorRegistration) SelectionPriority() int {
	if v, ok := r.Metadata["priority"]; ok {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p >= 1 {
			return p
		}
	}
	return 1
}

// ProcessorHealth is the live health view maintained by the registry.
type ProcessorHealth struct {
	ProcessorID     string       `json:"processor_id"`
	Status          HealthStatus `json:"status"`
	CapacityUsed    float64      `json:"capacity_used"`
	FramesProcessed int64        `json:"frames_processed"`
	ErrorsLastMin   int64        `json:"errors_last_minute"`
	LastHealthCheck time.Time    `json:"last_health_check"`
}

// Routable reports whether this health snapshot allows routing, given the
// liveness window. Breaker state is checked separately by the router.
func (h *ProcessorHealth) Routable(now time.Time, livenessWindow time.Duration) bool {
	if h.Status != StatusHealthy && h.Status != StatusDegraded {
		return false
	}
	return now.Sub(h.LastHealthCheck) <= livenessWindow
}

// QueueStats describes one egress stream.
type QueueStats struct {
	QueueName        string  `json:"queue_name"`
	Length           int64   `json:"length"`
	Pending          int64   `json:"pending"`
	Consumers        int     `json:"consumers"`
	OldestMessageAge float64 `json:"oldest_message_age_seconds,omitempty"`
}
