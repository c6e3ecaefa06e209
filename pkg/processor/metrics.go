package processor

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// clientMetrics holds the Prometheus collectors for one processor client.
type clientMetrics struct {
	framesProcessed *prometheus.CounterVec
	duration        prometheus.Histogram
	activeTasks     prometheus.Gauge
	errors          *prometheus.CounterVec
}

func newClientMetrics(processorID string, reg prometheus.Registerer) *clientMetrics {
	labels := prometheus.Labels{"processor_id": processorID}
	m := &clientMetrics{
		framesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "processor_frames_processed_total",
			Help:        "Total frames processed",
			ConstLabels: labels,
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "processor_frame_duration_seconds",
			Help:        "Frame processing duration",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "processor_active_tasks",
			Help:        "Number of active processing tasks",
			ConstLabels: labels,
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "processor_errors_total",
			Help:        "Total processing errors",
			ConstLabels: labels,
		}, []string{"error_kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.framesProcessed, m.duration, m.activeTasks, m.errors)
	}
	return m
}

// errorWindow counts errors over a sliding one-minute window for
// heartbeat reporting.
type errorWindow struct {
	mu    sync.Mutex
	ticks []time.Time
}

func (w *errorWindow) record(now time.Time) {
	w.mu.Lock()
	w.ticks = append(w.ticks, now)
	w.pruneLocked(now)
	w.mu.Unlock()
}

func (w *errorWindow) count(now time.Time) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	return int64(len(w.ticks))
}

func (w *errorWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for ; i < len(w.ticks); i++ {
		if w.ticks[i].After(cutoff) {
			break
		}
	}
	w.ticks = w.ticks[i:]
}
