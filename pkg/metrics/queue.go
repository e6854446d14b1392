package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	AppendsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mmq_appends_total",
		Help: "Total number of records appended to the queue",
	})

	AppendBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mmq_append_bytes_total",
		Help: "Total payload bytes appended to the queue",
	})

	AppendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mmq_append_latency_seconds",
		Help:    "Histogram of append latency including commit",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	})

	TailOffset = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mmq_tail_offset_bytes",
		Help: "Logical offset one past the last committed record",
	})

	Segments = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mmq_segments",
		Help: "Number of retained segment files",
	})
)
