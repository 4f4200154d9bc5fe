package metrics

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "totem"
	subsystem = "deployer"
)

var (
	httpBuckets  = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
	stageBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200}
)

// Metrics holds the deployer collectors. A nil *Metrics records nothing.
type Metrics struct {
	once            sync.Once
	runs            *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	lockContention  *prometheus.CounterVec
	inflight        prometheus.Gauge
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New registers the collectors with reg, reusing any already registered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{}
	m.init(reg)
	return m
}

func (m *Metrics) init(reg prometheus.Registerer) {
	m.once.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		m.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pipeline_runs_total",
			Help:      "Completed pipeline runs by kind and outcome",
		}, []string{"kind", "outcome"})
		m.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage",
			Buckets:   stageBuckets,
		}, []string{"stage", "outcome"})
		m.lockContention = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "lock_contention_total",
			Help:      "Lock acquisitions that found the application already locked",
		}, []string{"app"})
		m.inflight = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pipeline_inflight",
			Help:      "Pipeline runs currently executing",
		})
		m.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"})
		m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   httpBuckets,
		}, []string{"method", "route", "status"})

		m.runs = register(reg, m.runs)
		m.stageDuration = register(reg, m.stageDuration)
		m.lockContention = register(reg, m.lockContention)
		m.inflight = register(reg, m.inflight)
		m.requestTotal = register(reg, m.requestTotal)
		m.requestDuration = register(reg, m.requestDuration)
	})
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// RunFinished counts one completed run.
func (m *Metrics) RunFinished(kind, outcome string) {
	if m == nil {
		return
	}
	m.runs.With(prometheus.Labels{"kind": kind, "outcome": outcome}).Inc()
}

// RunStarted tracks an executing run until the returned func is called.
func (m *Metrics) RunStarted() func() {
	if m == nil {
		return func() {}
	}
	m.inflight.Inc()
	return m.inflight.Dec
}

// StageObserved records how long a stage took.
func (m *Metrics) StageObserved(stage string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.stageDuration.With(prometheus.Labels{"stage": stage, "outcome": outcome}).Observe(d.Seconds())
}

// LockContended counts a failed acquisition for app.
func (m *Metrics) LockContended(app string) {
	if m == nil {
		return
	}
	m.lockContention.With(prometheus.Labels{"app": app}).Inc()
}

// RequestServed records one HTTP request.
func (m *Metrics) RequestServed(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestDuration.With(labels).Observe(d.Seconds())
}
