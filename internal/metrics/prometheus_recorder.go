package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "apkforge"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once            sync.Once
	stageDuration   *prom.HistogramVec
	buildDuration   prom.Histogram
	buildOutcome    *prom.CounterVec
	inFlight        prom.Gauge
	busyRejected    prom.Counter
	templateHealthy prom.Gauge
	reaped          prom.Counter
}

// NewPrometheusRecorder constructs and registers the metrics on reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.stageDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage"})
		pr.buildDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Total build duration from submission to terminal state",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		})
		pr.buildOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_outcomes_total",
			Help:      "Terminal builds by outcome and failure kind",
		}, []string{"outcome", "kind"})
		pr.inFlight = prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "builds_in_flight",
			Help:      "Builds that are not yet terminal",
		})
		pr.busyRejected = prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "busy_rejections_total",
			Help:      "Submissions rejected because the package already had a build in flight",
		})
		pr.templateHealthy = prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "template_healthy",
			Help:      "1 when the template store passes its check",
		})
		pr.reaped = prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "workspaces_reaped_total",
			Help:      "Workspaces removed by the retention reaper",
		})
		reg.MustRegister(pr.stageDuration, pr.buildDuration, pr.buildOutcome, pr.inFlight, pr.busyRejected, pr.templateHealthy, pr.reaped)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil || p.stageDuration == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	if p == nil || p.buildDuration == nil {
		return
	}
	p.buildDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome, kind string) {
	if p == nil || p.buildOutcome == nil {
		return
	}
	p.buildOutcome.WithLabelValues(outcome, kind).Inc()
}

func (p *PrometheusRecorder) SetInFlight(n int) {
	if p == nil || p.inFlight == nil {
		return
	}
	p.inFlight.Set(float64(n))
}

func (p *PrometheusRecorder) IncBusyRejected() {
	if p == nil || p.busyRejected == nil {
		return
	}
	p.busyRejected.Inc()
}

func (p *PrometheusRecorder) SetTemplateHealthy(healthy bool) {
	if p == nil || p.templateHealthy == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	p.templateHealthy.Set(v)
}

func (p *PrometheusRecorder) AddWorkspacesReaped(n int) {
	if p == nil || p.reaped == nil || n <= 0 {
		return
	}
	p.reaped.Add(float64(n))
}
