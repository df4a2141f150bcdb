// Package metrics defines the Prometheus collectors exported by the control plane.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Step durations range from milliseconds (env file) to many minutes (install, certbot).
var stepBuckets = []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300, 600}

// Metrics holds every collector. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requestTotal      *prometheus.CounterVec
	requestLatency    *prometheus.HistogramVec
	stepDuration      *prometheus.HistogramVec
	webhookDeliveries *prometheus.CounterVec
	reconcileChanges  *prometheus.CounterVec
	redeployJobs      *prometheus.CounterVec
}

// New creates collectors registered on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keel",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "keel",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "keel",
			Name:      "pipeline_step_duration_seconds",
			Help:      "Duration of deployment and domain pipeline steps",
			Buckets:   stepBuckets,
		}, []string{"pipeline", "step", "result"}),
		webhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keel",
			Name:      "webhook_deliveries_total",
			Help:      "Inbound webhook deliveries by outcome",
		}, []string{"result"}),
		reconcileChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keel",
			Name:      "reconcile_changes_total",
			Help:      "Service status changes applied by the process reconciler",
		}, []string{"status"}),
		redeployJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keel",
			Name:      "redeploy_jobs_total",
			Help:      "Processed redeploy jobs by outcome",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestTotal,
		m.requestLatency,
		m.stepDuration,
		m.webhookDeliveries,
		m.reconcileChanges,
		m.redeployJobs,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveRequest records a finished HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestLatency.WithLabelValues(method, route).Observe(d.Seconds())
}

// WebhookDelivery counts a delivery outcome ("triggered", "ignored", "not_found", "error").
func (m *Metrics) WebhookDelivery(result string) {
	if m == nil {
		return
	}
	m.webhookDeliveries.WithLabelValues(result).Inc()
}

// ReconcileChange counts a status change made by the reconciler.
func (m *Metrics) ReconcileChange(status string) {
	if m == nil {
		return
	}
	m.reconcileChanges.WithLabelValues(status).Inc()
}

// RedeployJob counts a processed redeploy job ("succeeded", "retried", "deferred", "failed").
func (m *Metrics) RedeployJob(result string) {
	if m == nil {
		return
	}
	m.redeployJobs.WithLabelValues(result).Inc()
}

// StepObserver records step durations for one pipeline. It satisfies pipeline.Observer.
type StepObserver struct {
	m        *Metrics
	pipeline string
}

// Pipeline returns an observer for the named pipeline.
func (m *Metrics) Pipeline(name string) *StepObserver {
	return &StepObserver{m: m, pipeline: name}
}

func (o *StepObserver) StepStarted(string) {}

func (o *StepObserver) StepFinished(step string, err error, d time.Duration) {
	if o == nil || o.m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	o.m.stepDuration.WithLabelValues(o.pipeline, step, result).Observe(d.Seconds())
}
