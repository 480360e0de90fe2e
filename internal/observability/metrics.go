// Package observability exposes the service's Prometheus collectors.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/atlas-desktop/arena-backend/internal/orchestrator"
	"github.com/atlas-desktop/arena-backend/internal/workers"
	"github.com/atlas-desktop/arena-backend/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "arena"

// Metrics owns a private registry with the service collectors. It records
// worker pool, orchestrator and HTTP activity.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	tasks     *prometheus.HistogramVec
	queue     *prometheus.GaugeVec
	rounds    *prometheus.CounterVec
	roundTime *prometheus.HistogramVec
	started   prometheus.Counter
	agents    *prometheus.CounterVec
}

var (
	_ workers.Observer      = (*Metrics)(nil)
	_ orchestrator.Recorder = (*Metrics)(nil)
)

// NewMetrics creates the registry with Go runtime and process collectors.
func NewMetrics(logger *zap.Logger, version string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: reg}

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by route and status.",
		"method", "route", "status")
	m.httpDuration = m.histogramVec("http_request_duration_seconds", "HTTP request latency.",
		prometheus.DefBuckets, "method", "route")

	m.tasks = m.histogramVec("worker_task_duration_seconds", "Worker task run time by outcome.",
		prometheus.ExponentialBuckets(0.001, 4, 10), "pool", "outcome")
	m.queue = m.gaugeVec("worker_queue_depth", "Tasks waiting in a worker pool queue.", "pool")

	m.rounds = m.counterVec("rounds_finished_total", "Rounds reaching a terminal status.", "status")
	m.roundTime = m.histogramVec("round_duration_seconds", "Wall time from start to terminal status.",
		prometheus.ExponentialBuckets(0.05, 2, 12), "status")
	m.started = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rounds_started_total",
		Help:      "Rounds moved to RUNNING.",
	})
	reg.MustRegister(m.started)
	m.agents = m.counterVec("agent_simulations_total", "Agent simulations by strategy and outcome.",
		"strategy", "outcome")

	info := m.gaugeVec("build_info", "Build information.", "version")
	info.WithLabelValues(version).Set(1)

	logger.Info("Metrics registry initialized", zap.String("version", version))
	return m
}

func (m *Metrics) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	m.registry.MustRegister(cv)
	return cv
}

func (m *Metrics) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
	m.registry.MustRegister(gv)
	return gv
}

func (m *Metrics) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
	m.registry.MustRegister(hv)
	return hv
}

// GaugeFunc registers a gauge sampled from fn at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveHTTP records one served request. route is the route template, not
// the raw path.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveTask(pool string, elapsed time.Duration, outcome string) {
	m.tasks.WithLabelValues(pool, outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveQueue(pool string, depth int) {
	m.queue.WithLabelValues(pool).Set(float64(depth))
}

func (m *Metrics) RoundStarted() {
	m.started.Inc()
}

func (m *Metrics) RoundFinished(status types.RoundStatus, elapsed time.Duration) {
	m.rounds.WithLabelValues(string(status)).Inc()
	m.roundTime.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

func (m *Metrics) AgentFinished(strategy types.StrategyType, outcome string) {
	m.agents.WithLabelValues(string(strategy), outcome).Inc()
}
