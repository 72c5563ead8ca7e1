// Package metrics provides a unified interface for collecting metrics.
package metrics

// Metric names used throughout the service.
const (
	// Pipeline metrics.
	MetricCacheHits        = "guildstats_cache_hits_total"
	MetricCacheMisses      = "guildstats_cache_misses_total"
	MetricFallbacks        = "guildstats_fallbacks_total"
	MetricLockContended    = "guildstats_lock_contended_total"
	MetricRefreshSuccesses = "guildstats_refresh_success_total"
	MetricRefreshSeconds   = "guildstats_refresh_seconds"
	MetricCachedKeys       = "guildstats_cached_keys"

	// Upstream metrics.
	MetricUpstreamRequests = "guildstats_upstream_requests_total"
	MetricUpstreamErrors   = "guildstats_upstream_errors_total"
	MetricUpstreamBytes    = "guildstats_upstream_response_bytes"
)

// Collector defines the interface for collecting metrics.
type Collector interface {
	// IncCounter increments a counter metric by delta.
	IncCounter(name string, delta int64)

	// SetGauge sets a gauge metric to value.
	SetGauge(name string, value int64)

	// ObserveHistogram records a value in a histogram metric.
	ObserveHistogram(name string, value float64)
}

// Noop is a no-op collector that discards all metrics.
type Noop struct{}

// Compile-time check that Noop implements Collector.
var _ Collector = (*Noop)(nil)

// NewNoop creates a new no-op collector.
func NewNoop() *Noop {
	return &Noop{}
}

func (n *Noop) IncCounter(name string, delta int64)         {}
func (n *Noop) SetGauge(name string, value int64)           {}
func (n *Noop) ObserveHistogram(name string, value float64) {}
