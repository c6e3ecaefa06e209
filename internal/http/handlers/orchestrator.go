package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/framebuf/framebuf/internal/backpressure"
	"github.com/framebuf/framebuf/internal/models"
	"github.com/framebuf/framebuf/internal/registry"
	"github.com/framebuf/framebuf/internal/router"
)

// OrchestratorHandler exposes the orchestrator status snapshot.
type OrchestratorHandler struct {
	version   string
	startTime time.Time
	registry  *registry.Registry
	router    *router.Router
	pressure  *backpressure.Controller
}

// NewOrchestratorHandler creates a new orchestrator status handler.
func NewOrchestratorHandler(version string, reg *registry.Registry, rt *router.Router, pressure *backpressure.Controller) *OrchestratorHandler {
	return &OrchestratorHandler{
		version:   version,
		startTime: time.Now(),
		registry:  reg,
		router:    rt,
		pressure:  pressure,
	}
}

// StatusOutput wraps the orchestrator state.
type StatusOutput struct {
	Body models.OrchestratorState
}

// Register registers the orchestrator routes with the API.
func (h *OrchestratorHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getOrchestratorStatus",
		Method:      http.MethodGet,
		Path:        "/orchestrator/status",
		Summary:     "Orchestrator status",
		Tags:        []string{"Orchestrator"},
	}, h.GetStatus)
}

// GetStatus handles GET /orchestrator/status.
func (h *OrchestratorHandler) GetStatus(ctx context.Context, _ *struct{}) (*StatusOutput, error) {
	now := time.Now()

	state := models.OrchestratorState{
		Version:           h.version,
		StartTime:         h.startTime,
		UptimeSeconds:     now.Sub(h.startTime).Seconds(),
		IsPaused:          h.pressure.Paused(),
		ConsumptionRate:   h.pressure.Rate(),
		PressureLevel:     h.pressure.Level().String(),
		ActiveProcessors:  h.registry.ActiveCount(),
		TotalFramesRouted: h.router.FramesRouted(),
		FramesDropped:     h.router.FramesDropped(),
		QueueDepth:        h.router.RetryQueueDepth(),
	}

	// Throttle decisions are best-effort; a transient store error leaves
	// them out of the snapshot rather than failing the request.
	if decisions, err := h.pressure.ThrottleDecisions(ctx); err == nil {
		state.Throttles = decisions
	}

	return &StatusOutput{Body: state}, nil
}
