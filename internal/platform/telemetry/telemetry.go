// Package telemetry wires OpenTelemetry tracing and a Prometheus registry for
// the audit service, plus Echo middleware that traces and measures every
// HTTP request.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config holds all configuration for the telemetry provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // host:port of an OTLP gRPC collector
	Insecure       bool
	MetricsEnabled *bool // nil = on
	TracingEnabled *bool // nil = off unless an endpoint is set
	SampleRate     float64
}

func (c *Config) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *Config) tracingOn() bool {
	if c.TracingEnabled == nil {
		return c.OTLPEndpoint != ""
	}
	return *c.TracingEnabled
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "audit-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 1.0
	}
}

// BoolPtr is a helper to create a *bool for Config fields.
func BoolPtr(b bool) *bool {
	return &b
}

// Provider owns the tracer provider and the metrics registry.
type Provider struct {
	cfg      Config
	tp       *sdktrace.TracerProvider
	registry *prometheus.Registry
	logger   zerolog.Logger

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight prometheus.Gauge
	health   *HealthMetrics
}

// NewProvider builds the registry and, when tracing is on, an OTLP gRPC
// exporter behind a batching tracer provider installed as the otel global.
func NewProvider(ctx context.Context, cfg Config, logger zerolog.Logger) (*Provider, error) {
	cfg.applyDefaults()
	if cfg.SampleRate < 0 || cfg.SampleRate > 1 {
		return nil, fmt.Errorf("telemetry: sample rate must be between 0 and 1, got %v", cfg.SampleRate)
	}
	if !cfg.tracingOn() {
		return newProvider(cfg, nil, logger)
	}

	opts := []otlptracegrpc.Option{}
	if cfg.OTLPEndpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exporter, err := otlptracegrpc.New(dialCtx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create otlp exporter: %w", err)
	}
	return newProvider(cfg, exporter, logger)
}

func newProvider(cfg Config, exporter sdktrace.SpanExporter, logger zerolog.Logger) (*Provider, error) {
	p := &Provider{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		logger:   logger.With().Str("component", "telemetry").Logger(),
	}
	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	f := promauto.With(p.registry)
	p.requests = f.NewCounterVec(prometheus.CounterOpts{
		Name: "http_server_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})
	p.duration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_server_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
	p.inflight = f.NewGauge(prometheus.GaugeOpts{
		Name: "http_server_active_requests",
		Help: "Requests currently being served.",
	})
	p.health = newHealthMetrics(f)

	if exporter == nil {
		p.logger.Info().Msg("tracing disabled")
		return p, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch cfg.SampleRate {
	case 1:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}

	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		),
	)
	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p.logger.Info().
		Str("endpoint", cfg.OTLPEndpoint).
		Float64("sample_rate", cfg.SampleRate).
		Msg("tracing initialized")
	return p, nil
}

// Registry is the registry every component registers its collectors on.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// Tracer returns a named tracer, or a no-op tracer when tracing is off.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p.tp == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Health returns the recorder for dependency gauges.
func (p *Provider) Health() *HealthMetrics {
	return p.health
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry: shutdown tracer provider: %w", err)
	}
	return nil
}

// MetricsHandler serves the registry in the Prometheus exposition format.
func (p *Provider) MetricsHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{
		Registry: p.registry,
	}))
}

func route(c echo.Context) string {
	if r := c.Path(); r != "" {
		return r
	}
	return "unmatched"
}

// statusOf reports the status a request will be answered with. A returned
// error has not been written yet when middleware sees it.
func statusOf(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// TracingMiddleware starts a server span per request, continuing any trace
// context sent by the caller.
func (p *Provider) TracingMiddleware() echo.MiddlewareFunc {
	tracer := p.Tracer("github.com/ehr/audit/internal/platform/telemetry")
	propagator := otel.GetTextMapPropagator()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if p.tp == nil {
				return next(c)
			}
			req := c.Request()
			ctx := propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			ctx, span := tracer.Start(ctx, "HTTP "+req.Method+" "+route(c),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", req.Method),
					attribute.String("http.route", route(c)),
				),
			)
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			status := statusOf(c, err)
			span.SetAttributes(attribute.Int("http.response.status_code", status))
			if tenant, ok := c.Get("tenant_id").(string); ok && tenant != "" {
				span.SetAttributes(attribute.String("audit.tenant", tenant))
			}
			if status >= 500 {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
			return err
		}
	}
}

// MetricsMiddleware counts requests and observes their latency.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.metricsOn() {
				return next(c)
			}
			p.inflight.Inc()
			start := time.Now()

			err := next(c)

			p.inflight.Dec()
			method := c.Request().Method
			r := route(c)
			p.duration.WithLabelValues(method, r).Observe(time.Since(start).Seconds())
			p.requests.WithLabelValues(method, r, strconv.Itoa(statusOf(c, err))).Inc()
			return err
		}
	}
}

// HealthMetrics exposes the state of the service's dependencies as gauges.
type HealthMetrics struct {
	dbActive     prometheus.Gauge
	dbIdle       prometheus.Gauge
	spoolQueued  prometheus.Gauge
	spoolPending prometheus.Gauge
	spoolDead    prometheus.Gauge
}

func newHealthMetrics(f promauto.Factory) *HealthMetrics {
	return &HealthMetrics{
		dbActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_active_connections", Help: "Acquired database connections.",
		}),
		dbIdle: f.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_connections", Help: "Idle database connections.",
		}),
		spoolQueued: f.NewGauge(prometheus.GaugeOpts{
			Name: "audit_spool_queued", Help: "Records waiting in the fallback spool.",
		}),
		spoolPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "audit_spool_processing", Help: "Spooled records claimed by a drain.",
		}),
		spoolDead: f.NewGauge(prometheus.GaugeOpts{
			Name: "audit_spool_dead", Help: "Spooled records that could not be replayed.",
		}),
	}
}

func (h *HealthMetrics) SetDBPool(active, idle int64) {
	h.dbActive.Set(float64(active))
	h.dbIdle.Set(float64(idle))
}

func (h *HealthMetrics) SetSpool(queued, processing, dead int64) {
	h.spoolQueued.Set(float64(queued))
	h.spoolPending.Set(float64(processing))
	h.spoolDead.Set(float64(dead))
}
