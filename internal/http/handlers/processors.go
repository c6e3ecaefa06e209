// Package handlers provides the orchestrator's HTTP API handlers.
package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/framebuf/framebuf/internal/models"
	"github.com/framebuf/framebuf/internal/registry"
)

// ProcessorsHandler handles processor registration and lifecycle endpoints.
type ProcessorsHandler struct {
	registry *registry.Registry
}

// NewProcessorsHandler creates a new processors handler.
func NewProcessorsHandler(reg *registry.Registry) *ProcessorsHandler {
	return &ProcessorsHandler{registry: reg}
}

// RegisterInput is the body for processor registration.
type RegisterInput struct {
	Body models.ProcessorRegistration
}

// RegisterOutput is the registration response.
type RegisterOutput struct {
	Body struct {
		ID    string `json:"id"`
		Queue string `json:"queue"`
		Epoch uint64 `json:"epoch"`
	}
}

// HeartbeatInput is the body for processor heartbeats.
type HeartbeatInput struct {
	Body struct {
		ID              string  `json:"id"`
		Status          string  `json:"status" enum:"healthy,degraded,unhealthy"`
		CapacityUsed    float64 `json:"capacity_used" minimum:"0" maximum:"1"`
		FramesProcessed int64   `json:"frames_processed,omitempty"`
		ErrorsLastMin   int64   `json:"errors_last_minute,omitempty"`
	}
}

// HeartbeatOutput acknowledges a heartbeat.
type HeartbeatOutput struct {
	Body struct {
		OK bool `json:"ok"`
	}
}

// UpdateInput patches a processor registration.
type UpdateInput struct {
	ID   string `path:"id"`
	Body models.ProcessorRegistration
}

// UpdateOutput acknowledges an update.
type UpdateOutput struct {
	Body struct {
		OK bool `json:"ok"`
	}
}

// UnregisterInput identifies the processor to remove.
type UnregisterInput struct {
	ID string `path:"id"`
}

// UnregisterOutput is empty; the endpoint returns 204.
type UnregisterOutput struct{}

// ListOutput lists registered processors with their health.
type ListOutput struct {
	Body struct {
		Processors []ProcessorView `json:"processors"`
	}
}

// ProcessorView combines registration and live health.
type ProcessorView struct {
	models.ProcessorRegistration
	Health models.ProcessorHealth `json:"health"`
}

// Register registers the processor routes with the API.
func (h *ProcessorsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "registerProcessor",
		Method:        http.MethodPost,
		Path:          "/processors/register",
		Summary:       "Register a processor",
		DefaultStatus: http.StatusCreated,
		Tags:          []string{"Processors"},
	}, h.RegisterProcessor)

	huma.Register(api, huma.Operation{
		OperationID: "processorHeartbeat",
		Method:      http.MethodPost,
		Path:        "/processors/heartbeat",
		Summary:     "Report processor health",
		Tags:        []string{"Processors"},
	}, h.Heartbeat)

	huma.Register(api, huma.Operation{
		OperationID: "updateProcessor",
		Method:      http.MethodPut,
		Path:        "/processors/{id}",
		Summary:     "Update a processor registration",
		Tags:        []string{"Processors"},
	}, h.Update)

	huma.Register(api, huma.Operation{
		OperationID:   "unregisterProcessor",
		Method:        http.MethodDelete,
		Path:          "/processors/{id}",
		Summary:       "Unregister a processor",
		DefaultStatus: http.StatusNoContent,
		Tags:          []string{"Processors"},
	}, h.Unregister)

	huma.Register(api, huma.Operation{
		OperationID: "listProcessors",
		Method:      http.MethodGet,
		Path:        "/processors",
		Summary:     "List registered processors",
		Tags:        []string{"Processors"},
	}, h.List)
}

// RegisterProcessor handles POST /processors/register.
func (h *ProcessorsHandler) RegisterProcessor(ctx context.Context, input *RegisterInput) (*RegisterOutput, error) {
	reg := input.Body
	if err := reg.Validate(); err != nil {
		return nil, huma.Error422UnprocessableEntity(err.Error())
	}

	epoch, ok := h.registry.Register(ctx, reg)
	if !ok {
		return nil, huma.Error409Conflict(
			fmt.Sprintf("processor %s is already registered and live", reg.ID))
	}

	out := &RegisterOutput{}
	out.Body.ID = reg.ID
	out.Body.Queue = models.EgressStream(reg.ID)
	out.Body.Epoch = epoch
	return out, nil
}

// Heartbeat handles POST /processors/heartbeat.
func (h *ProcessorsHandler) Heartbeat(ctx context.Context, input *HeartbeatInput) (*HeartbeatOutput, error) {
	status := models.HealthStatus(input.Body.Status)
	if !status.Valid() {
		return nil, huma.Error422UnprocessableEntity(
			fmt.Sprintf("unknown status %q", input.Body.Status))
	}

	ok := h.registry.Heartbeat(ctx, input.Body.ID, status,
		input.Body.CapacityUsed, input.Body.FramesProcessed, input.Body.ErrorsLastMin)
	if !ok {
		return nil, huma.Error404NotFound(
			fmt.Sprintf("processor %s is not registered", input.Body.ID))
	}

	out := &HeartbeatOutput{}
	out.Body.OK = true
	return out, nil
}

// Update handles PUT /processors/{id}.
func (h *ProcessorsHandler) Update(ctx context.Context, input *UpdateInput) (*UpdateOutput, error) {
	if !h.registry.Update(ctx, input.ID, input.Body) {
		return nil, huma.Error404NotFound(
			fmt.Sprintf("processor %s is not registered", input.ID))
	}
	out := &UpdateOutput{}
	out.Body.OK = true
	return out, nil
}

// Unregister handles DELETE /processors/{id}.
func (h *ProcessorsHandler) Unregister(ctx context.Context, input *UnregisterInput) (*UnregisterOutput, error) {
	if !h.registry.Unregister(ctx, input.ID) {
		return nil, huma.Error404NotFound(
			fmt.Sprintf("processor %s is not registered", input.ID))
	}
	return &UnregisterOutput{}, nil
}

// List handles GET /processors.
func (h *ProcessorsHandler) List(ctx context.Context, _ *struct{}) (*ListOutput, error) {
	health := h.registry.Health()
	regs := h.registry.All()

	out := &ListOutput{}
	out.Body.Processors = make([]ProcessorView, 0, len(regs))
	for _, reg := range regs {
		out.Body.Processors = append(out.Body.Processors, ProcessorView{
			ProcessorRegistration: reg,
			Health:                health[reg.ID],
		})
	}
	return out, nil
}
