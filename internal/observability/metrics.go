package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all booking-relay Prometheus metrics.
type Metrics struct {
	BatchesTotal      *prometheus.CounterVec
	RecordsTotal      prometheus.Counter
	RecordsSkipped    *prometheus.CounterVec
	PayloadsTotal     prometheus.Counter
	PublishTotal      *prometheus.CounterVec
	PublishDuration   prometheus.Histogram
	BatchDuration     prometheus.Histogram
	ConfigErrorsTotal prometheus.Counter
	CircuitState      prometheus.Gauge
}

// NewMetrics creates and registers all booking-relay metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		BatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_batches_total",
			Help: "Batches handled by the dispatcher.",
		}, []string{"status"}),

		RecordsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_records_total",
			Help: "Raw records received.",
		}),

		RecordsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_records_skipped_total",
			Help: "Records that produced no payload, by reason.",
		}, []string{"reason"}),

		PayloadsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_payloads_total",
			Help: "Normalized payloads produced.",
		}),

		PublishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_publish_total",
			Help: "Publish attempts by outcome.",
		}, []string{"status"}),

		PublishDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_publish_duration_seconds",
			Help:    "Latency of a single publish call.",
			Buckets: prometheus.DefBuckets,
		}),

		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_batch_duration_seconds",
			Help:    "Time to transform and publish one batch.",
			Buckets: prometheus.DefBuckets,
		}),

		ConfigErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_config_errors_total",
			Help: "Batches dropped because the destination endpoint is not configured.",
		}),

		CircuitState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_publish_circuit_state",
			Help: "Publisher circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
	}
}
