package metrics_prom

import (
	"net/http"

	"github.com/davarch/relpipe/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Observer exports run progress as Prometheus metrics.
type Observer struct {
	reg *prometheus.Registry

	stageStarts      *prometheus.CounterVec
	instanceResults  *prometheus.CounterVec
	instanceDuration *prometheus.HistogramVec
	instanceAttempts prometheus.Histogram
	runs             *prometheus.CounterVec
	runDuration      prometheus.Histogram
	artifacts        prometheus.Gauge
}

func New() *Observer {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Observer{
		reg: reg,
		stageStarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relpipe_stage_starts_total",
			Help: "Stages whose instances were started",
		}, []string{"stage"}),
		instanceResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relpipe_instance_results_total",
			Help: "Finished stage instances by outcome",
		}, []string{"stage", "status"}),
		instanceDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relpipe_instance_duration_seconds",
			Help:    "Wall time of stage instances",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"stage"}),
		instanceAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relpipe_instance_attempts",
			Help:    "Attempts per stage instance",
			Buckets: []float64{1, 2, 3, 5, 8},
		}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relpipe_runs_total",
			Help: "Pipeline runs by final status",
		}, []string{"status"}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relpipe_run_duration_seconds",
			Help:    "Wall time of pipeline runs",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}),
		artifacts: f.NewGauge(prometheus.GaugeOpts{
			Name: "relpipe_last_run_artifacts",
			Help: "Artifacts registered by the last run",
		}),
	}
}

func (o *Observer) StageStarted(stage string) {
	o.stageStarts.WithLabelValues(stage).Inc()
}

func (o *Observer) InstanceFinished(res domain.InstanceResult) {
	stage := res.Instance.Stage
	o.instanceResults.WithLabelValues(stage, string(res.Status)).Inc()

	// skipped and cancelled-before-start instances never ran
	if res.Attempts == 0 {
		return
	}
	o.instanceDuration.WithLabelValues(stage).Observe(res.Finished.Sub(res.Started).Seconds())
	o.instanceAttempts.Observe(float64(res.Attempts))
}

func (o *Observer) RunFinished(rep domain.RunReport) {
	o.runs.WithLabelValues(string(rep.Status)).Inc()
	o.artifacts.Set(float64(len(rep.Artifacts)))
	if !rep.Started.IsZero() && !rep.Finished.IsZero() {
		o.runDuration.Observe(rep.Finished.Sub(rep.Started).Seconds())
	}
}

func (o *Observer) Handler() http.Handler {
	return promhttp.HandlerFor(o.reg, promhttp.HandlerOpts{})
}
