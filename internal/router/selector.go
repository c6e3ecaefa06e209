package router

import (
	"sort"

	"github.com/framebuf/framebuf/internal/models"
)

// candidateScore pairs a registration with its computed selection score.
type candidateScore struct {
	reg   models.ProcessorRegistration
	score float64
	used  float64
}

// selectProcessor picks the best routable processor for the capability.
// Scoring: (1 - capacity_used) * priority_weight - recent_error_penalty.
// Ties break on least capacity used, then lexicographic id.
func (r *Router) selectProcessor(capability string) (models.ProcessorRegistration, bool) {
	candidates := r.registry.Candidates(capability)
	if len(candidates) == 0 {
		return models.ProcessorRegistration{}, false
	}

	health := r.registry.Health()
	scored := make([]candidateScore, 0, len(candidates))
	for _, reg := range candidates {
		h := health[reg.ID]
		if h.Status == models.StatusUnhealthy || h.CapacityUsed >= 1.0 {
			continue
		}

		weight := 1.0 + 0.05*float64(reg.SelectionPriority()-1)
		penalty := float64(h.ErrorsLastMin) * 0.01
		if penalty > 0.5 {
			penalty = 0.5
		}
		scored = append(scored, candidateScore{
			reg:   reg,
			score: (1.0-h.CapacityUsed)*weight - penalty,
			used:  h.CapacityUsed,
		})
	}
	if len(scored) == 0 {
		return models.ProcessorRegistration{}, false
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if scored[i].used != scored[j].used {
			return scored[i].used < scored[j].used
		}
		return scored[i].reg.ID < scored[j].reg.ID
	})
	return scored[0].reg, true
}
