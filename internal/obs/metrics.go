package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the Prometheus collectors shared across SkillScale's
// processes, each bound to its own registry rather than the global
// default one (so a test can spin up several proxies/servers in one
// binary without duplicate-registration panics).
type Metrics struct {
	registry *prometheus.Registry

	FramesForwarded  *prometheus.CounterVec
	FramesDropped    *prometheus.CounterVec
	SubscriptionsFwd prometheus.Counter

	RequestsInFlight prometheus.Gauge
	RequestsTotal    *prometheus.CounterVec
	ResponseLatency  prometheus.Histogram

	DispatcherDropped  prometheus.Counter
	DispatcherShed     prometheus.Counter
	WorkerQueueDepth   prometheus.Gauge
	ExecDuration       prometheus.Histogram
	ExecFailuresTotal  prometheus.Counter

	CPUUsagePercent prometheus.Gauge
	MemoryUsageBytes prometheus.Gauge
}

// NewMetrics builds and registers a fresh metric set under its own
// registry. component fills every metric's "component" constant label
// (e.g. "proxy", "server", "client").
func NewMetrics(component string) *Metrics {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"component": component}

	m := &Metrics{
		registry: reg,
		FramesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "skillscale_frames_forwarded_total",
			Help:        "Total frames forwarded between XSUB and XPUB sides of the proxy.",
			ConstLabels: constLabels,
		}, []string{"direction"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "skillscale_frames_dropped_total",
			Help:        "Total frames dropped due to a full bounded queue.",
			ConstLabels: constLabels,
		}, []string{"direction"}),
		SubscriptionsFwd: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "skillscale_subscriptions_forwarded_total",
			Help:        "Total subscribe/unsubscribe control frames forwarded upstream.",
			ConstLabels: constLabels,
		}),
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "skillscale_requests_in_flight",
			Help:        "Pending client requests awaiting a response.",
			ConstLabels: constLabels,
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "skillscale_requests_total",
			Help:        "Total client requests by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		ResponseLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "skillscale_response_latency_seconds",
			Help:        "Latency from invoke() to a resolved response.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),
		DispatcherDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "skillscale_dispatcher_dropped_total",
			Help:        "Frames dropped by the dispatcher because the worker queue was full.",
			ConstLabels: constLabels,
		}),
		DispatcherShed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "skillscale_dispatcher_shed_total",
			Help:        "Frames proactively dropped due to system-level overload, distinct from queue-full drops.",
			ConstLabels: constLabels,
		}),
		WorkerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "skillscale_worker_queue_depth",
			Help:        "Current number of frames queued for workers.",
			ConstLabels: constLabels,
		}),
		ExecDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "skillscale_exec_duration_seconds",
			Help:        "Skill executable wall-clock duration.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),
		ExecFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "skillscale_exec_failures_total",
			Help:        "Total skill executions that failed (non-zero exit or timeout).",
			ConstLabels: constLabels,
		}),
		CPUUsagePercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "skillscale_cpu_usage_percent",
			Help:        "Sampled host-wide CPU usage percentage.",
			ConstLabels: constLabels,
		}),
		MemoryUsageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "skillscale_memory_usage_bytes",
			Help:        "Sampled host-wide used memory in bytes.",
			ConstLabels: constLabels,
		}),
	}

	reg.MustRegister(
		m.FramesForwarded, m.FramesDropped, m.SubscriptionsFwd,
		m.RequestsInFlight, m.RequestsTotal, m.ResponseLatency,
		m.DispatcherDropped, m.DispatcherShed, m.WorkerQueueDepth,
		m.ExecDuration, m.ExecFailuresTotal,
		m.CPUUsagePercent, m.MemoryUsageBytes,
	)
	return m
}

// Handler returns the HTTP handler serving this metric set in the
// Prometheus exposition format, for mounting at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
