// Package telemetry provides Prometheus metrics for the MCI server: HTTP
// server metrics recorded by an Echo middleware, HID pool and allocation
// metrics, database pool gauges, and the /metrics exposition handler.
package telemetry

import (
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	Namespace      string
	ServiceName    string
	ServiceVersion string
	Environment    string
	MetricsEnabled *bool // nil = use default (true)
}

// metricsOn returns whether metrics are enabled (defaults to true).
func (c *TelemetryConfig) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "mci"
	}
	if c.ServiceName == "" {
		c.ServiceName = "mci-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// BoolPtr is a helper to create a *bool for TelemetryConfig fields.
func BoolPtr(b bool) *bool {
	return &b
}

var defaultDurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10,
}

// TelemetryProvider owns the Prometheus registry and every metric the server
// exports.
type TelemetryProvider struct {
	cfg TelemetryConfig
	reg *prometheus.Registry

	httpDuration *prometheus.HistogramVec
	httpActive   prometheus.Gauge

	hid *HIDRecorder

	dbOnce sync.Once
}

// NewTelemetryProvider creates the provider with its own registry, so tests
// can build several without colliding on the default registerer.
func NewTelemetryProvider(cfg TelemetryConfig) *TelemetryProvider {
	cfg.applyDefaults()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	constLabels := prometheus.Labels{
		"service":     cfg.ServiceName,
		"version":     cfg.ServiceVersion,
		"environment": cfg.Environment,
	}
	tp := &TelemetryProvider{
		cfg: cfg,
		reg: reg,
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "http_server",
			Name:        "request_duration_seconds",
			Help:        "HTTP request latency by method, route and status code.",
			Buckets:     defaultDurationBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "route", "status_code"}),
		httpActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "http_server",
			Name:        "active_requests",
			Help:        "HTTP requests currently being served.",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(tp.httpDuration, tp.httpActive)
	tp.hid = newHIDRecorder(reg, cfg.Namespace, constLabels)
	return tp
}

// Registry returns the provider registry.
func (tp *TelemetryProvider) Registry() *prometheus.Registry {
	return tp.reg
}

// HIDMetrics returns the recorder for the HID pool.
func (tp *TelemetryProvider) HIDMetrics() *HIDRecorder {
	return tp.hid
}

// RegisterDBPool exports connection pool gauges read from pool on scrape.
// Later calls are ignored.
func (tp *TelemetryProvider) RegisterDBPool(pool *pgxpool.Pool) {
	tp.dbOnce.Do(func() {
		gauge := func(name, help string, f func(*pgxpool.Stat) float64) prometheus.Collector {
			return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: tp.cfg.Namespace,
				Subsystem: "db_pool",
				Name:      name,
				Help:      help,
			}, func() float64 { return f(pool.Stat()) })
		}
		tp.reg.MustRegister(
			gauge("acquired_conns", "Connections currently in use.",
				func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
			gauge("idle_conns", "Idle connections.",
				func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
			gauge("total_conns", "Total connections.",
				func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
		)
	})
}

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

// MetricsMiddleware returns an Echo middleware that records HTTP server metrics.
func (tp *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !tp.cfg.metricsOn() {
				return next(c)
			}

			tp.httpActive.Inc()
			start := time.Now()

			err := next(c)
			if err != nil {
				// Let echo write the response so the recorded status is final.
				c.Error(err)
				err = nil
			}

			tp.httpActive.Dec()
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			tp.httpDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(c.Response().Status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler returns an Echo handler that serves metrics in Prometheus
// text exposition format at /metrics.
func (tp *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(tp.reg, promhttp.HandlerOpts{Registry: tp.reg}))
}

// ---------------------------------------------------------------------------
// HID metrics
// ---------------------------------------------------------------------------

// HIDRecorder records HID pool metrics.
type HIDRecorder struct {
	poolSize       prometheus.Gauge
	allocations    *prometheus.CounterVec
	replenishments *prometheus.CounterVec
	fetched        prometheus.Counter
	markUsed       *prometheus.CounterVec
}

func newHIDRecorder(reg prometheus.Registerer, namespace string, constLabels prometheus.Labels) *HIDRecorder {
	r := &HIDRecorder{
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "hid",
			Name:        "pool_size",
			Help:        "Unused HIDs held in the local pool.",
			ConstLabels: constLabels,
		}),
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "hid",
			Name:        "allocations_total",
			Help:        "HID allocation attempts by result (ok, exhausted, error).",
			ConstLabels: constLabels,
		}, []string{"result"}),
		replenishments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "hid",
			Name:        "replenishments_total",
			Help:        "Block fetches from the HID authority by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		fetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "hid",
			Name:        "fetched_total",
			Help:        "HIDs received from the HID authority.",
			ConstLabels: constLabels,
		}),
		markUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "hid",
			Name:        "mark_used_total",
			Help:        "Mark-used notifications sent to the HID authority by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
	}
	reg.MustRegister(r.poolSize, r.allocations, r.replenishments, r.fetched, r.markUsed)
	return r
}

func (r *HIDRecorder) SetPoolSize(n int) {
	r.poolSize.Set(float64(n))
}

func (r *HIDRecorder) ObserveAllocation(result string) {
	r.allocations.WithLabelValues(result).Inc()
}

func (r *HIDRecorder) ObserveReplenishment(result string, fetched int) {
	r.replenishments.WithLabelValues(result).Inc()
	r.fetched.Add(float64(fetched))
}

func (r *HIDRecorder) ObserveMarkUsed(result string) {
	r.markUsed.WithLabelValues(result).Inc()
}

// NopRecorder discards HID metrics.
type NopRecorder struct{}

func (NopRecorder) SetPoolSize(int) {}
func (NopRecorder) ObserveAllocation(string) {}
func (NopRecorder) ObserveReplenishment(string, int) {}
func (NopRecorder) ObserveMarkUsed(string) {}
