package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/framebuf/framebuf/internal/breaker"
)

// BreakersHandler exposes circuit breaker state and reset operations.
type BreakersHandler struct {
	manager *breaker.Manager
}

// NewBreakersHandler creates a new circuit breaker handler.
func NewBreakersHandler(manager *breaker.Manager) *BreakersHandler {
	return &BreakersHandler{manager: manager}
}

// BreakerStatsOutput lists all breaker statistics keyed by processor id.
type BreakerStatsOutput struct {
	Body struct {
		Breakers map[string]breaker.Stats `json:"breakers"`
	}
}

// ResetInput identifies the breaker to reset.
type ResetInput struct {
	ID string `path:"id"`
}

// ResetOutput acknowledges a reset.
type ResetOutput struct {
	Body struct {
		OK bool `json:"ok"`
	}
}

// Register registers the circuit breaker routes with the API.
func (h *BreakersHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getCircuitBreakers",
		Method:      http.MethodGet,
		Path:        "/circuit-breakers",
		Summary:     "Circuit breaker statistics",
		Tags:        []string{"Circuit Breakers"},
	}, h.GetStats)

	huma.Register(api, huma.Operation{
		OperationID: "resetCircuitBreaker",
		Method:      http.MethodPost,
		Path:        "/circuit-breakers/{id}/reset",
		Summary:     "Reset one circuit breaker",
		Tags:        []string{"Circuit Breakers"},
	}, h.Reset)

	huma.Register(api, huma.Operation{
		OperationID: "resetAllCircuitBreakers",
		Method:      http.MethodPost,
		Path:        "/circuit-breakers/reset",
		Summary:     "Reset all circuit breakers",
		Tags:        []string{"Circuit Breakers"},
	}, h.ResetAll)
}

// GetStats handles GET /circuit-breakers.
func (h *BreakersHandler) GetStats(ctx context.Context, _ *struct{}) (*BreakerStatsOutput, error) {
	out := &BreakerStatsOutput{}
	out.Body.Breakers = h.manager.AllStats()
	return out, nil
}

// Reset handles POST /circuit-breakers/{id}/reset.
func (h *BreakersHandler) Reset(ctx context.Context, input *ResetInput) (*ResetOutput, error) {
	if !h.manager.Reset(input.ID) {
		return nil, huma.Error404NotFound(
			fmt.Sprintf("no circuit breaker for processor %s", input.ID))
	}
	out := &ResetOutput{}
	out.Body.OK = true
	return out, nil
}

// ResetAll handles POST /circuit-breakers/reset.
func (h *BreakersHandler) ResetAll(ctx context.Context, _ *struct{}) (*ResetOutput, error) {
	h.manager.ResetAll()
	out := &ResetOutput{}
	out.Body.OK = true
	return out, nil
}
