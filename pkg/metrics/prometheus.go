package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	eventsTotal      *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	rateEWMA         prometheus.Gauge
	latency          *prometheus.HistogramVec
	alertsTotal      *prometheus.CounterVec
	stateStoreHealth prometheus.Gauge
}

// New creates a recorder registered on the default registry.
func New() *Recorder {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates a recorder registered on reg.
func NewWithRegisterer(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		eventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trapflow_events_total",
				Help: "Processed queue members by outcome",
			},
			[]string{"outcome"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trapflow_errors_total",
				Help: "Total number of errors encountered, by code",
			},
			[]string{"type"},
		),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "trapflow_queue_depth",
			Help: "Members waiting in the trap queue",
		}),
		rateEWMA: f.NewGauge(prometheus.GaugeOpts{
			Name: "trapflow_rate_ewma",
			Help: "Smoothed processing rate in events per second",
		}),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trapflow_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		alertsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trapflow_alerts_total",
				Help: "Alert deliveries by sink and result",
			},
			[]string{"sink", "result"},
		),
		stateStoreHealth: f.NewGauge(prometheus.GaugeOpts{
			Name: "trapflow_state_store_healthy",
			Help: "1 when the state store gateway is healthy",
		}),
	}
}

// RecordEvent counts one processed member.
func (r *Recorder) RecordEvent(outcome string) {
	r.eventsTotal.WithLabelValues(outcome).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(code string) {
	r.errorsTotal.WithLabelValues(code).Inc()
}

func (r *Recorder) RecordQueueDepth(depth int64) {
	r.queueDepth.Set(float64(depth))
}

func (r *Recorder) RecordRate(eventsPerSecond float64) {
	r.rateEWMA.Set(eventsPerSecond)
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

func (r *Recorder) RecordAlert(sink, result string) {
	r.alertsTotal.WithLabelValues(sink, result).Inc()
}

func (r *Recorder) RecordStateStoreHealthy(healthy bool) {
	if healthy {
		r.stateStoreHealth.Set(1)
		return
	}
	r.stateStoreHealth.Set(0)
}
