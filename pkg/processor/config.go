// Package processor is the client library processor implementations embed
// to consume frames from the orchestrator's egress streams.
package processor

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/framebuf/framebuf/internal/models"
)

// Default client tuning.
const (
	DefaultCapacity          = 10
	DefaultBatchSize         = 10
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultDrainTimeout      = 30 * time.Second
	DefaultRegisterRetries   = 5
	DefaultRegisterBackoff   = 1 * time.Second
	DefaultClaimThreshold    = 3

	// busyBlock and idleBlock are the adaptive read-group block timeouts.
	busyBlock = 100 * time.Millisecond
	idleBlock = 5 * time.Second
)

// Config holds processor client configuration.
type Config struct {
	// ID uniquely identifies this processor.
	ID string
	// Capabilities are the processing capabilities to advertise.
	Capabilities []string
	// Capacity is the maximum number of concurrently processed frames;
	// it sizes the worker pool.
	Capacity int
	// OrchestratorURL is the base URL of the orchestrator API.
	OrchestratorURL string
	// StoreURL is the stream store connection URL.
	StoreURL string
	// ResultStream, when set, receives processing results.
	ResultStream string
	// DLQStream receives frames that exceeded the claim threshold.
	DLQStream string
	// BatchSize caps entries read per iteration.
	BatchSize int
	// HeartbeatInterval is the health reporting cadence.
	HeartbeatInterval time.Duration
	// DrainTimeout bounds the shutdown wait for in-flight frames.
	DrainTimeout time.Duration
	// RegisterRetries and RegisterBackoff govern registration retry.
	RegisterRetries int
	RegisterBackoff time.Duration
	// ClaimThreshold is the delivery count after which a frame is
	// dead-lettered instead of reprocessed.
	ClaimThreshold int64
	// Metadata is attached to the registration (e.g. "priority").
	Metadata map[string]string
	// ResourceLimits optionally enables advisory per-frame resource
	// reservations; frames that would exceed the budget are left unacked
	// for later redelivery.
	ResourceLimits *ResourceLimits
	// Logger receives client events; defaults to slog.Default.
	Logger *slog.Logger
}

// ResourceLimits declares the advisory resource budget for this processor
// and the per-frame reservation taken from it.
type ResourceLimits struct {
	// MaxCPUPercent and MaxMemoryPercent bound the budget as a fraction
	// of host resources (default 80 each).
	MaxCPUPercent    float64
	MaxMemoryPercent float64
	// CPUCoresPerFrame and MemoryMBPerFrame are reserved per in-flight
	// frame.
	CPUCoresPerFrame float64
	MemoryMBPerFrame float64
	// GPUDevices lists device ids for exclusive per-frame use; empty
	// means no GPU gating.
	GPUDevices []int
	// GPUPerFrame reserves a GPU device for each in-flight frame.
	GPUPerFrame bool
}

// fill applies defaults and the environment overrides recognized by the
// deployment tooling.
func (c *Config) fill() error {
	if c.ID == "" {
		return models.NewError(models.KindFatal, fmt.Errorf("processor id is required"))
	}
	if len(c.Capabilities) == 0 {
		return models.NewError(models.KindFatal, fmt.Errorf("at least one capability is required"))
	}
	if c.OrchestratorURL == "" {
		return models.NewError(models.KindFatal, fmt.Errorf("orchestrator url is required"))
	}
	c.OrchestratorURL = strings.TrimRight(c.OrchestratorURL, "/")
	if c.StoreURL == "" {
		c.StoreURL = os.Getenv("STREAM_STORE_URL")
	}
	if c.StoreURL == "" {
		return models.NewError(models.KindFatal, fmt.Errorf("stream store url is required"))
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
		if raw := os.Getenv("DRAIN_TIMEOUT_S"); raw != "" {
			if s, err := strconv.Atoi(raw); err == nil && s > 0 {
				c.DrainTimeout = time.Duration(s) * time.Second
			}
		}
	}
	if c.RegisterRetries <= 0 {
		c.RegisterRetries = DefaultRegisterRetries
	}
	if c.RegisterBackoff <= 0 {
		c.RegisterBackoff = DefaultRegisterBackoff
	}
	if c.ClaimThreshold <= 0 {
		c.ClaimThreshold = DefaultClaimThreshold
	}
	if c.DLQStream == "" {
		c.DLQStream = models.DefaultDLQStream
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// queueName returns the canonical egress stream for this processor.
func (c *Config) queueName() string { return models.EgressStream(c.ID) }

// groupName returns the consumer group for this processor.
func (c *Config) groupName() string { return c.ID + "-group" }

// consumerName returns this client's consumer name within the group.
func (c *Config) consumerName() string { return c.ID + "-1" }
