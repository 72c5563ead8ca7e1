package metrics

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Prometheus implements Collector with lazily registered Prometheus metrics.
type Prometheus struct {
	registry *prometheus.Registry

	mu         sync.RWMutex
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
}

// Compile-time check that Prometheus implements Collector.
var _ Collector = (*Prometheus)(nil)

// NewPrometheus creates a collector registering into registry.
// If registry is nil, a fresh registry is created.
func NewPrometheus(registry *prometheus.Registry) *Prometheus {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &Prometheus{
		registry:   registry,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		histograms: make(map[string]prometheus.Histogram),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (c *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry.
func (c *Prometheus) Registry() *prometheus.Registry {
	return c.registry
}

// IncCounter increments a counter metric.
func (c *Prometheus) IncCounter(name string, delta int64) {
	c.counter(name).Add(float64(delta))
}

// SetGauge sets a gauge metric.
func (c *Prometheus) SetGauge(name string, value int64) {
	c.gauge(name).Set(float64(value))
}

// ObserveHistogram records a value in a histogram.
func (c *Prometheus) ObserveHistogram(name string, value float64) {
	c.histogram(name).Observe(value)
}

// HistogramStats returns the sample count and sum of a histogram. ok is false
// when nothing was observed under name yet.
func (c *Prometheus) HistogramStats(name string) (count uint64, sum float64, ok bool) {
	c.mu.RLock()
	h, found := c.histograms[name]
	c.mu.RUnlock()
	if !found {
		return 0, 0, false
	}
	var m dto.Metric
	if err := h.Write(&m); err != nil || m.GetHistogram() == nil {
		return 0, 0, false
	}
	return m.GetHistogram().GetSampleCount(), m.GetHistogram().GetSampleSum(), true
}

func (c *Prometheus) counter(name string) prometheus.Counter {
	c.mu.RLock()
	counter, ok := c.counters[name]
	c.mu.RUnlock()
	if ok {
		return counter
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock.
	if counter, ok = c.counters[name]; ok {
		return counter
	}

	counter = prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: name})
	if err := c.registry.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				counter = existing
			}
		}
	}
	c.counters[name] = counter
	return counter
}

func (c *Prometheus) gauge(name string) prometheus.Gauge {
	c.mu.RLock()
	gauge, ok := c.gauges[name]
	c.mu.RUnlock()
	if ok {
		return gauge
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if gauge, ok = c.gauges[name]; ok {
		return gauge
	}

	gauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: name})
	if err := c.registry.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				gauge = existing
			}
		}
	}
	c.gauges[name] = gauge
	return gauge
}

func (c *Prometheus) histogram(name string) prometheus.Histogram {
	c.mu.RLock()
	histogram, ok := c.histograms[name]
	c.mu.RUnlock()
	if ok {
		return histogram
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if histogram, ok = c.histograms[name]; ok {
		return histogram
	}

	buckets := prometheus.DefBuckets
	if strings.HasSuffix(name, "_bytes") {
		// 256b .. 4mb
		buckets = prometheus.ExponentialBuckets(256, 4, 8)
	}
	histogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    name,
		Help:    name,
		Buckets: buckets,
	})
	if err := c.registry.Register(histogram); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				histogram = existing
			}
		}
	}
	c.histograms[name] = histogram
	return histogram
}
