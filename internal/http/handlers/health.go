package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/framebuf/framebuf/internal/streamstore"
)

// HealthHandler handles liveness checks.
type HealthHandler struct {
	version   string
	startTime time.Time
	store     streamstore.Store
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string, store streamstore.Store) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
		store:     store,
	}
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status      string  `json:"status"`
	Version     string  `json:"version"`
	Timestamp   string  `json:"timestamp"`
	Uptime      string  `json:"uptime"`
	StreamStore string  `json:"stream_store"`
	Goroutines  int     `json:"goroutines"`
	MemoryUsed  float64 `json:"memory_used_percent,omitempty"`
	Load1       float64 `json:"load_1m,omitempty"`
}

// HealthOutput wraps the health payload.
type HealthOutput struct {
	Body HealthResponse
}

// Register registers the health route with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth handles GET /health.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	now := time.Now()

	resp := HealthResponse{
		Status:      "healthy",
		Version:     h.version,
		Timestamp:   now.UTC().Format(time.RFC3339),
		Uptime:      now.Sub(h.startTime).Round(time.Second).String(),
		StreamStore: "ok",
		Goroutines:  runtime.NumGoroutine(),
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.store.Ping(pingCtx); err != nil {
		resp.Status = "degraded"
		resp.StreamStore = err.Error()
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemoryUsed = vm.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		resp.Load1 = avg.Load1
	}

	return &HealthOutput{Body: resp}, nil
}
