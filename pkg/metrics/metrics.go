// Package metrics provides Prometheus instrumentation for the Modular API
// server. Labels never carry usernames, tokens or parameter values.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
	registryMu   sync.Mutex
)

// GetRegistry returns the process-wide metrics registry.
func GetRegistry() *prometheus.Registry {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
	return registry
}

// ResetRegistry resets the registry. Only for tests.
func ResetRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registryOnce = sync.Once{}
}

// ServerMetrics covers the dispatch pipeline and the HTTP surface.
type ServerMetrics struct {
	// Dispatch outcomes: allowed, denied, rate_limited, validation_failed,
	// upstream_error, upstream_timeout, error.
	DispatchTotal *prometheus.CounterVec

	// Policy denials by module.
	DenialsTotal *prometheus.CounterVec

	// Rate limiter rejections.
	RateLimitedTotal prometheus.Counter

	// Backend call latency by module.
	BackendDuration *prometheus.HistogramVec

	// Authentication attempts by scheme and result.
	AuthAttempts *prometheus.CounterVec

	// HTTP requests by method, route and status.
	RequestsTotal  *prometheus.CounterVec
	ActiveRequests prometheus.Gauge
}

// NewServerMetrics registers and returns the server metric set.
func NewServerMetrics(version string) *ServerMetrics {
	reg := GetRegistry()

	m := &ServerMetrics{
		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modular_api",
				Name:      "dispatch_total",
				Help:      "Dispatched calls by outcome",
			},
			[]string{"outcome"},
		),
		DenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modular_api",
				Name:      "policy_denials_total",
				Help:      "Policy denials by module",
			},
			[]string{"module"},
		),
		RateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "modular_api",
				Name:      "rate_limited_total",
				Help:      "Calls rejected by the rate limiter",
			},
		),
		BackendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "modular_api",
				Name:      "backend_request_duration_seconds",
				Help:      "Backend call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"module"},
		),
		AuthAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modular_api",
				Name:      "auth_attempts_total",
				Help:      "Authentication attempts by scheme and result",
			},
			[]string{"scheme", "result"},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modular_api",
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		ActiveRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "modular_api",
				Name:      "http_active_requests",
				Help:      "In-flight HTTP requests",
			},
		),
	}

	reg.MustRegister(
		m.DispatchTotal,
		m.DenialsTotal,
		m.RateLimitedTotal,
		m.BackendDuration,
		m.AuthAttempts,
		m.RequestsTotal,
		m.ActiveRequests,
	)

	info := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "modular_api",
			Name:      "info",
			Help:      "Server information",
		},
		[]string{"version"},
	)
	reg.MustRegister(info)
	info.WithLabelValues(version).Set(1)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(GetRegistry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
