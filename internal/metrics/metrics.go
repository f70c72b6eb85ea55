// Package metrics exposes frame loop, HTTP and emitter counters in
// Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orion_vision"

var states = []string{"idle", "starting", "running", "stopping", "error"}

// Collector implements service.Metrics on a private Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	framesRead        *prometheus.CounterVec
	framesSkipped     *prometheus.CounterVec
	inferences        *prometheus.CounterVec
	inferenceFailures *prometheus.CounterVec
	inferenceDuration *prometheus.HistogramVec
	detections        *prometheus.CounterVec
	resultsDropped    *prometheus.CounterVec
	serviceState      *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	published *prometheus.CounterVec
}

// New creates a Collector with Go runtime and process collectors attached.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		framesRead: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_read_total",
			Help:      "Frames read from the stream source.",
		}, []string{"service"}),
		framesSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_skipped_total",
			Help:      "Frames dropped by the skip cadence or the fps cap.",
		}, []string{"service"}),
		inferences: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inferences_total",
			Help:      "Successful detector inferences.",
		}, []string{"service"}),
		inferenceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_failures_total",
			Help:      "Failed detector inferences.",
		}, []string{"service"}),
		inferenceDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Detector inference latency.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"service"}),
		detections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Objects reported by the detector.",
		}, []string{"service"}),
		resultsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_dropped_total",
			Help:      "Results evicted from a full result buffer.",
		}, []string{"service"}),
		serviceState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_state",
			Help:      "1 for the current lifecycle state of each service.",
		}, []string{"service", "state"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Control API requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Control API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_published_total",
			Help:      "Results handed to external emitters.",
		}, []string{"sink", "status"}),
	}
}

func (c *Collector) FrameRead(serviceID string) {
	c.framesRead.WithLabelValues(serviceID).Inc()
}

func (c *Collector) FrameSkipped(serviceID string) {
	c.framesSkipped.WithLabelValues(serviceID).Inc()
}

func (c *Collector) InferenceCompleted(serviceID string, d time.Duration, detections int) {
	c.inferences.WithLabelValues(serviceID).Inc()
	c.inferenceDuration.WithLabelValues(serviceID).Observe(d.Seconds())
	c.detections.WithLabelValues(serviceID).Add(float64(detections))
}

func (c *Collector) InferenceFailed(serviceID string) {
	c.inferenceFailures.WithLabelValues(serviceID).Inc()
}

func (c *Collector) ResultDropped(serviceID string) {
	c.resultsDropped.WithLabelValues(serviceID).Inc()
}

// StateChanged sets the gauge of the new state to 1 and every other state
// of the service to 0.
func (c *Collector) StateChanged(serviceID string, state string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		c.serviceState.WithLabelValues(serviceID, s).Set(v)
	}
}

// Forget drops every series of a removed service.
func (c *Collector) Forget(serviceID string) {
	labels := prometheus.Labels{"service": serviceID}
	c.framesRead.DeletePartialMatch(labels)
	c.framesSkipped.DeletePartialMatch(labels)
	c.inferences.DeletePartialMatch(labels)
	c.inferenceFailures.DeletePartialMatch(labels)
	c.inferenceDuration.DeletePartialMatch(labels)
	c.detections.DeletePartialMatch(labels)
	c.resultsDropped.DeletePartialMatch(labels)
	c.serviceState.DeletePartialMatch(labels)
}

// Published counts one emitter delivery.
func (c *Collector) Published(sink string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.published.WithLabelValues(sink, status).Inc()
}

// TrackGauge exposes fn as a gauge sampled on every scrape.
func (c *Collector) TrackGauge(name, help string, fn func() float64) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent event streams working behind the middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records request counts and latency labelled by the mux route
// template, so path parameters do not explode cardinality.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		c.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		c.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
