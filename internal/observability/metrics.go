package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds every Prometheus collector the orchestrator exports.
// A single value is created at startup and handed to each subsystem;
// nothing registers on the global default registry.
type Metrics struct {
	Registry *prometheus.Registry

	FramesRouted  prometheus.Counter
	FramesDropped *prometheus.CounterVec
	RoutingErrors *prometheus.CounterVec
	RouteDuration prometheus.Histogram

	BackpressureLevel  prometheus.Gauge
	ConsumptionRate    prometheus.Gauge
	QueueUtilization   *prometheus.GaugeVec
	BackpressureEvents *prometheus.CounterVec
	ThrottleDuration   prometheus.Histogram

	BreakerState        *prometheus.GaugeVec
	BreakerCalls        *prometheus.CounterVec
	BreakerStateChanges *prometheus.CounterVec

	PriorityQueueSize *prometheus.GaugeVec
	PriorityQueueAge  prometheus.Histogram
	StarvationEvents  prometheus.Counter

	ActiveProcessors prometheus.Gauge
	DLQTotal         *prometheus.CounterVec
}

// NewMetrics builds and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: reg,

		FramesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framebuf_frames_routed_total",
			Help: "Total frames routed to egress streams",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "framebuf_frames_dropped_total",
			Help: "Total frames dropped",
		}, []string{"reason"}),
		RoutingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "framebuf_routing_errors_total",
			Help: "Total routing errors by behavioral kind",
		}, []string{"error_kind"}),
		RouteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "framebuf_route_duration_seconds",
			Help:    "Time from ingress read to egress append",
			Buckets: prometheus.DefBuckets,
		}),

		BackpressureLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "framebuf_backpressure_level",
			Help: "Current backpressure level (0=normal, 1=low, 2=high, 3=critical)",
		}),
		ConsumptionRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "framebuf_consumption_rate",
			Help: "Current consumption rate multiplier (0.0-1.0)",
		}),
		QueueUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "framebuf_queue_utilization",
			Help: "Egress queue utilization ratio",
		}, []string{"processor_id"}),
		BackpressureEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "framebuf_backpressure_events_total",
			Help: "Total backpressure level transitions",
		}, []string{"level"}),
		ThrottleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "framebuf_throttle_duration_seconds",
			Help:    "Duration of throttling periods",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "framebuf_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		}, []string{"processor_id"}),
		BreakerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "framebuf_circuit_breaker_calls_total",
			Help: "Total circuit breaker calls",
		}, []string{"processor_id", "result"}),
		BreakerStateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "framebuf_circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions",
		}, []string{"processor_id", "from_state", "to_state"}),

		PriorityQueueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "framebuf_priority_queue_size",
			Help: "Current size of the retry priority queue",
		}, []string{"priority"}),
		PriorityQueueAge: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "framebuf_priority_queue_age_seconds",
			Help:    "Age of frames when dequeued",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		StarvationEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framebuf_starvation_events_total",
			Help: "Times starvation prevention was triggered",
		}),

		ActiveProcessors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "framebuf_active_processors",
			Help: "Number of routable processors",
		}),
		DLQTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "framebuf_dlq_entries_total",
			Help: "Total entries written to the dead-letter stream",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.FramesRouted, m.FramesDropped, m.RoutingErrors, m.RouteDuration,
		m.BackpressureLevel, m.ConsumptionRate, m.QueueUtilization,
		m.BackpressureEvents, m.ThrottleDuration,
		m.BreakerState, m.BreakerCalls, m.BreakerStateChanges,
		m.PriorityQueueSize, m.PriorityQueueAge, m.StarvationEvents,
		m.ActiveProcessors, m.DLQTotal,
	)

	return m
}
