package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aurcache"

// PrometheusRecorder implements Recorder with Prometheus collectors.
type PrometheusRecorder struct {
	buildOutcome  *prom.CounterVec
	buildDuration prom.Histogram
	activeBuilds  prom.Gauge
	limit         prom.Gauge
	reconcile     *prom.CounterVec
	purgedFiles   prom.Counter
}

// NewPrometheusRecorder registers the collectors on reg, or on a fresh
// registry when reg is nil.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		buildOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_outcomes_total",
			Help:      "Finished builds by terminal outcome",
		}, []string{"outcome"}),
		buildDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Wall-clock duration of container builds",
			Buckets:   prom.ExponentialBuckets(10, 2, 10),
		}),
		activeBuilds: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "active_builds",
			Help:      "Builds currently holding an execution slot",
		}),
		limit: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "max_concurrent_builds",
			Help:      "Current admission limit",
		}),
		reconcile: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_results_total",
			Help:      "Repository reconciliations by result",
		}, []string{"result"}),
		purgedFiles: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "purged_files_total",
			Help:      "Artifacts removed after losing their last package link",
		}),
	}
	reg.MustRegister(pr.buildOutcome, pr.buildDuration, pr.activeBuilds, pr.limit, pr.reconcile, pr.purgedFiles)
	return pr
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome string) {
	if p == nil {
		return
	}
	p.buildOutcome.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	if p == nil {
		return
	}
	p.buildDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) SetActiveBuilds(n int) {
	if p == nil {
		return
	}
	p.activeBuilds.Set(float64(n))
}

func (p *PrometheusRecorder) SetConcurrencyLimit(n int) {
	if p == nil {
		return
	}
	p.limit.Set(float64(n))
}

func (p *PrometheusRecorder) IncReconcile(result Result) {
	if p == nil {
		return
	}
	p.reconcile.WithLabelValues(string(result)).Inc()
}

func (p *PrometheusRecorder) AddPurgedFiles(n int) {
	if p == nil || n <= 0 {
		return
	}
	p.purgedFiles.Add(float64(n))
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
