package worker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/cellmate/metric"
)

const metricsService = "worker_pool"

var durationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}

type poolMetrics struct {
	queueDepth prometheus.Gauge
	submitted  prometheus.Counter
	processed  prometheus.Counter
	failed     prometheus.Counter
	dropped    prometheus.Counter
	duration   *prometheus.HistogramVec
}

// newPoolMetrics registers the <prefix>_* series. It returns nil if any of
// them is already taken so a pool never reports half its metrics.
func newPoolMetrics(reg metric.MetricsRegistrar, prefix string) *poolMetrics {
	counter := func(suffix, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: prefix + suffix, Help: help})
	}

	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_queue_depth",
			Help: "Items waiting in the pool queue",
		}),
		submitted: counter("_submitted_total", "Items accepted by Submit"),
		processed: counter("_processed_total", "Items handed to the processor"),
		failed:    counter("_failed_total", "Items whose processor returned an error or panicked"),
		dropped:   counter("_dropped_total", "Items rejected on a full queue or abandoned at stop"),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_processing_duration_seconds",
			Help:    "Processor run time",
			Buckets: durationBuckets,
		}, []string{"status"}),
	}

	steps := []func() error{
		func() error { return reg.RegisterGauge(metricsService, prefix+"_queue_depth", m.queueDepth) },
		func() error { return reg.RegisterCounter(metricsService, prefix+"_submitted_total", m.submitted) },
		func() error { return reg.RegisterCounter(metricsService, prefix+"_processed_total", m.processed) },
		func() error { return reg.RegisterCounter(metricsService, prefix+"_failed_total", m.failed) },
		func() error { return reg.RegisterCounter(metricsService, prefix+"_dropped_total", m.dropped) },
		func() error {
			return reg.RegisterHistogramVec(metricsService, prefix+"_processing_duration_seconds", m.duration)
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil
		}
	}
	return m
}

func (m *poolMetrics) accepted(depth int) {
	if m == nil {
		return
	}
	m.submitted.Inc()
	m.queueDepth.Set(float64(depth))
}

func (m *poolMetrics) rejected() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *poolMetrics) finished(depth int, seconds float64, err error) {
	if m == nil {
		return
	}
	m.processed.Inc()
	m.queueDepth.Set(float64(depth))
	status := "success"
	if err != nil {
		m.failed.Inc()
		status = "error"
	}
	m.duration.WithLabelValues(status).Observe(seconds)
}
