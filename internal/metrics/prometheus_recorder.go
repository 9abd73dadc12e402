package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics under the
// "prmonitor" namespace.
type PrometheusRecorder struct {
	cycleDuration      prom.Histogram
	cycleOutcomes      *prom.CounterVec
	repoDuration       *prom.HistogramVec
	repoResults        *prom.CounterVec
	prsDiscovered      prom.Counter
	checksDiscovered   prom.Counter
	stateChanges       *prom.CounterVec
	errors             *prom.CounterVec
	rateLimitRemaining *prom.GaugeVec
	cacheHitRate       prom.Gauge
	activeWorkers      prom.Gauge
}

// NewPrometheusRecorder constructs and registers the engine's metrics on reg
// (a fresh registry when nil).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	r := &PrometheusRecorder{
		cycleDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "prmonitor",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of full discovery cycles",
			Buckets:   prom.ExponentialBuckets(0.5, 2, 12),
		}),
		cycleOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "prmonitor",
			Name:      "cycles_total",
			Help:      "Cycle counts by outcome",
		}, []string{"outcome"}),
		repoDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "prmonitor",
			Name:      "repository_discovery_seconds",
			Help:      "Per-repository discovery duration",
			Buckets:   prom.DefBuckets,
		}, []string{"repository"}),
		repoResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "prmonitor",
			Name:      "repository_results_total",
			Help:      "Per-repository discovery outcomes",
		}, []string{"result"}),
		prsDiscovered: prom.NewCounter(prom.CounterOpts{
			Namespace: "prmonitor",
			Name:      "prs_discovered_total",
			Help:      "Pull requests discovered across all cycles",
		}),
		checksDiscovered: prom.NewCounter(prom.CounterOpts{
			Namespace: "prmonitor",
			Name:      "checks_discovered_total",
			Help:      "Check runs discovered across all cycles",
		}),
		stateChanges: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "prmonitor",
			Name:      "state_changes_total",
			Help:      "Significant state changes by kind",
		}, []string{"kind"}),
		errors: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "prmonitor",
			Name:      "errors_total",
			Help:      "Classified errors by kind",
		}, []string{"kind"}),
		rateLimitRemaining: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "prmonitor",
			Name:      "rate_limit_remaining",
			Help:      "Remote rate-limit tokens remaining per resource",
		}, []string{"resource"}),
		cacheHitRate: prom.NewGauge(prom.GaugeOpts{
			Namespace: "prmonitor",
			Name:      "cache_hit_rate",
			Help:      "Exponentially smoothed discovery cache hit rate",
		}),
		activeWorkers: prom.NewGauge(prom.GaugeOpts{
			Namespace: "prmonitor",
			Name:      "active_workers",
			Help:      "Repository workers currently in flight",
		}),
	}
	reg.MustRegister(
		r.cycleDuration, r.cycleOutcomes, r.repoDuration, r.repoResults,
		r.prsDiscovered, r.checksDiscovered, r.stateChanges, r.errors,
		r.rateLimitRemaining, r.cacheHitRate, r.activeWorkers,
	)
	return r
}

func (r *PrometheusRecorder) ObserveCycleDuration(d time.Duration) {
	r.cycleDuration.Observe(d.Seconds())
}

func (r *PrometheusRecorder) IncCycleOutcome(outcome CycleOutcome) {
	r.cycleOutcomes.WithLabelValues(string(outcome)).Inc()
}

func (r *PrometheusRecorder) ObserveRepoDiscovery(repo string, d time.Duration, success bool) {
	r.repoDuration.WithLabelValues(repo).Observe(d.Seconds())
	result := "success"
	if !success {
		result = "failure"
	}
	r.repoResults.WithLabelValues(result).Inc()
}

func (r *PrometheusRecorder) AddPRsDiscovered(n int)    { r.prsDiscovered.Add(float64(n)) }
func (r *PrometheusRecorder) AddChecksDiscovered(n int) { r.checksDiscovered.Add(float64(n)) }

func (r *PrometheusRecorder) AddStateChanges(kind string, n int) {
	r.stateChanges.WithLabelValues(kind).Add(float64(n))
}

func (r *PrometheusRecorder) IncError(kind string) {
	r.errors.WithLabelValues(kind).Inc()
}

func (r *PrometheusRecorder) SetRateLimitRemaining(resource string, remaining int) {
	r.rateLimitRemaining.WithLabelValues(resource).Set(float64(remaining))
}

func (r *PrometheusRecorder) SetCacheHitRate(rate float64) { r.cacheHitRate.Set(rate) }
func (r *PrometheusRecorder) SetActiveWorkers(n int)       { r.activeWorkers.Set(float64(n)) }

// HTTPHandler serves the registry as a Prometheus scrape endpoint.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
