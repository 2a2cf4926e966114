package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/cellmate/errors"
)

// MetricsRegistrar is what components need to publish their own series.
// Metrics are keyed by service and name; the same pair cannot be taken twice.
type MetricsRegistrar interface {
	RegisterCounter(serviceName, metricName string, counter prometheus.Counter) error
	RegisterGauge(serviceName, metricName string, gauge prometheus.Gauge) error
	RegisterHistogram(serviceName, metricName string, histogram prometheus.Histogram) error
	RegisterCounterVec(serviceName, metricName string, counterVec *prometheus.CounterVec) error
	RegisterGaugeVec(serviceName, metricName string, gaugeVec *prometheus.GaugeVec) error
	RegisterHistogramVec(serviceName, metricName string, histogramVec *prometheus.HistogramVec) error
	Unregister(serviceName, metricName string) bool
}

type metricKey struct {
	service string
	name    string
}

// MetricsRegistry owns the Prometheus registry served on /metrics. It always
// carries the request metrics, Go runtime and process collectors.
type MetricsRegistry struct {
	prom    *prometheus.Registry
	Metrics *Metrics

	mu    sync.Mutex
	owned map[metricKey]prometheus.Collector
}

// NewMetricsRegistry returns a registry with the core request metrics registered
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prom:    prometheus.NewRegistry(),
		Metrics: NewMetrics(),
		owned:   make(map[metricKey]prometheus.Collector),
	}
	r.prom.MustRegister(r.Metrics.collectors()...)
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prom
}

// CoreMetrics is nil-safe so optional registries can be passed through
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	if r == nil {
		return nil
	}
	return r.Metrics
}

func (r *MetricsRegistry) RegisterCounter(serviceName, metricName string, counter prometheus.Counter) error {
	return r.add("RegisterCounter", serviceName, metricName, counter)
}

func (r *MetricsRegistry) RegisterGauge(serviceName, metricName string, gauge prometheus.Gauge) error {
	return r.add("RegisterGauge", serviceName, metricName, gauge)
}

func (r *MetricsRegistry) RegisterHistogram(serviceName, metricName string, histogram prometheus.Histogram) error {
	return r.add("RegisterHistogram", serviceName, metricName, histogram)
}

func (r *MetricsRegistry) RegisterCounterVec(serviceName, metricName string, counterVec *prometheus.CounterVec) error {
	return r.add("RegisterCounterVec", serviceName, metricName, counterVec)
}

func (r *MetricsRegistry) RegisterGaugeVec(serviceName, metricName string, gaugeVec *prometheus.GaugeVec) error {
	return r.add("RegisterGaugeVec", serviceName, metricName, gaugeVec)
}

func (r *MetricsRegistry) RegisterHistogramVec(
	serviceName, metricName string, histogramVec *prometheus.HistogramVec) error {
	return r.add("RegisterHistogramVec", serviceName, metricName, histogramVec)
}

// add registers c under (service, name). A key clash, or a Prometheus
// descriptor clash with another service, is an invalid error.
func (r *MetricsRegistry) add(method, service, name string, c prometheus.Collector) error {
	key := metricKey{service, name}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.owned[key]; taken {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for service %s", name, service),
			"MetricsRegistry", method, "duplicate metric registration")
	}

	err := r.prom.Register(c)
	var clash prometheus.AlreadyRegisteredError
	switch {
	case err == nil:
		r.owned[key] = c
		return nil
	case stderrors.As(err, &clash):
		return errors.WrapInvalid(err, "MetricsRegistry", method, "prometheus conflict for metric "+name)
	default:
		return errors.WrapFatal(err, "MetricsRegistry", method, "prometheus registration")
	}
}

// Unregister drops the series registered under (serviceName, metricName)
func (r *MetricsRegistry) Unregister(serviceName, metricName string) bool {
	key := metricKey{serviceName, metricName}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.owned[key]
	if !ok || !r.prom.Unregister(c) {
		return false
	}
	delete(r.owned, key)
	return true
}
