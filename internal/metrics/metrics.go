package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder captures package lifecycle, engine and cache metrics.
type Recorder interface {
	ObservePackageLoad(pkg, outcome string, durationSeconds float64)
	ObserveInstantiate(pkg, outcome string, durationSeconds float64)
	ObserveEngineAttempt(engine, outcome string, durationSeconds float64)
	AddCacheEvictions(n int)
	SetCacheBytes(bytes int64)
	IncEvent(kind string)
}

// Noop implements Recorder without emitting anything.
type Noop struct{}

func (Noop) ObservePackageLoad(string, string, float64)   {}
func (Noop) ObserveInstantiate(string, string, float64)   {}
func (Noop) ObserveEngineAttempt(string, string, float64) {}
func (Noop) AddCacheEvictions(int)                        {}
func (Noop) SetCacheBytes(int64)                          {}
func (Noop) IncEvent(string)                              {}

// Prom implements Recorder backed by Prometheus collectors on a private registry.
type Prom struct {
	registry       *prometheus.Registry
	packageLoads   *prometheus.HistogramVec
	instantiations *prometheus.HistogramVec
	engineAttempts *prometheus.HistogramVec
	cacheEvictions prometheus.Counter
	cacheBytes     prometheus.Gauge
	events         *prometheus.CounterVec
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		packageLoads: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "package_load_duration_seconds",
			Help:      "Package load latency by package and outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"package", "outcome"}),
		instantiations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolver_instantiate_duration_seconds",
			Help:      "Resolver instantiation latency by package and outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"package", "outcome"}),
		engineAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_attempt_duration_seconds",
			Help:      "Engine attempt latency by engine and outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"engine", "outcome"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Package cache entries evicted",
		}),
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_bytes",
			Help:      "Bytes currently held by the package cache",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_events_total",
			Help:      "Lifecycle events published by kind",
		}, []string{"kind"}),
	}
	p.registry.MustRegister(p.packageLoads, p.instantiations, p.engineAttempts, p.cacheEvictions, p.cacheBytes, p.events)
	return p
}

func (p *Prom) ObservePackageLoad(pkg, outcome string, durationSeconds float64) {
	p.packageLoads.WithLabelValues(pkg, outcome).Observe(durationSeconds)
}

func (p *Prom) ObserveInstantiate(pkg, outcome string, durationSeconds float64) {
	p.instantiations.WithLabelValues(pkg, outcome).Observe(durationSeconds)
}

func (p *Prom) ObserveEngineAttempt(engine, outcome string, durationSeconds float64) {
	p.engineAttempts.WithLabelValues(engine, outcome).Observe(durationSeconds)
}

func (p *Prom) AddCacheEvictions(n int) {
	if n > 0 {
		p.cacheEvictions.Add(float64(n))
	}
}

func (p *Prom) SetCacheBytes(bytes int64) {
	p.cacheBytes.Set(float64(bytes))
}

func (p *Prom) IncEvent(kind string) {
	p.events.WithLabelValues(kind).Inc()
}

// Registry exposes the underlying registry for gathering in tests.
func (p *Prom) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Outcome maps an error to the label used on every histogram.
func Outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
