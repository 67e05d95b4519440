package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Delivery-pipeline metrics: writes, batch sizes, backlog depth, and
// healthcheck outcomes, each labeled by writer id.
var (
	WritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "yamc_writer_writes_total",
		Help: "Total number of batches a writer attempted to deliver, by outcome.",
	}, []string{"writer", "outcome"})

	BatchSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "yamc_writer_batch_size",
		Help:    "Size of batches handed to a writer's sink.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"writer"})

	BacklogSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "yamc_writer_backlog_size",
		Help: "Number of envelopes currently held in a writer's on-disk backlog.",
	}, []string{"writer"})

	HealthcheckTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "yamc_writer_healthcheck_total",
		Help: "Total healthcheck outcomes per writer.",
	}, []string{"writer", "healthy"})
)

func init() {
	prometheus.MustRegister(WritesTotal, BatchSize, BacklogSize, HealthcheckTotal)
}
