package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // gRPC collector, e.g. "localhost:4317"
	SampleRate     float64       // 0.0 to 1.0; >=1 samples everything
	BatchTimeout   time.Duration // span batch flush interval
	Enabled        bool
	Insecure       bool // plaintext OTLP, dev collectors only
}

// DefaultConfig returns development defaults: everything sampled, local
// collector, telemetry off until explicitly enabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "vmp-portal",
		ServiceVersion: "0.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider owns the trace and metric providers plus the portal's RED
// instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger
	slos           *SLOTracker

	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter
}

// New builds a provider. With config.Enabled false the provider is inert:
// spans are no-ops and the SLO tracker still accumulates, so the /ops/slo
// surface works even without a collector.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
		slos:   NewSLOTracker(),
	}
	RegisterPortalTargets(p.slos)

	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("vmp.component", "portal"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init traces: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init metrics: %w", err)
	}

	p.tracer = otel.Tracer("vmp.portal",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter("vmp.portal",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initREDMetrics(); err != nil {
		return nil, fmt.Errorf("observability: init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)

	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initREDMetrics() error {
	var err error

	p.requestCounter, err = p.meter.Int64Counter("vmp.requests.total",
		metric.WithDescription("Portal requests processed"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	p.errorCounter, err = p.meter.Int64Counter("vmp.errors.total",
		metric.WithDescription("Portal requests that failed"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	p.durationHist, err = p.meter.Float64Histogram("vmp.request.duration",
		metric.WithDescription("Request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}

	p.activeOperations, err = p.meter.Int64UpDownCounter("vmp.operations.active",
		metric.WithDescription("Operations currently in flight"),
		metric.WithUnit("{operation}"),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the portal tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("vmp.portal")
	}
	return p.tracer
}

// Meter returns the portal meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("vmp.portal")
	}
	return p.meter
}

// SLOs returns the in-process tracker.
func (p *Provider) SLOs() *SLOTracker { return p.slos }

// StartSpan starts a span on the portal tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordRequest bumps the request counter.
func (p *Provider) RecordRequest(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.requestCounter != nil {
		p.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordError bumps the error counter, tagging the concrete error type.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p.errorCounter != nil {
		allAttrs := append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
		p.errorCounter.Add(ctx, 1, metric.WithAttributes(allAttrs...))
	}
}

// RecordDuration records one operation latency.
func (p *Provider) RecordDuration(ctx context.Context, duration time.Duration, attrs ...attribute.KeyValue) {
	if p.durationHist != nil {
		p.durationHist.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// TrackOperation opens a span and returns the completion callback that
// records duration, outcome and the SLO observation.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()

	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	if p.activeOperations != nil {
		p.activeOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	p.RecordRequest(ctx, attrs...)

	return ctx, func(err error) {
		duration := time.Since(start)

		if p.activeOperations != nil {
			p.activeOperations.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		p.RecordDuration(ctx, duration, attrs...)
		if err != nil {
			span.RecordError(err)
			p.RecordError(ctx, err, attrs...)
		}
		p.slos.Observe(name, duration, err == nil)

		span.End()
	}
}

// statusRecorder captures the response code for the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware traces each request as one operation named by the matched
// route pattern, so "/cases/{id}/evidence" aggregates across case ids.
// It must wrap the mux directly: the mux stamps Pattern on the request it
// is handed, and any middleware in between would clone it away. Responses
// of 500 and above count as errors.
func (p *Provider) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		ctx, span := p.StartSpan(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		served := r.WithContext(ctx)

		if p.activeOperations != nil {
			p.activeOperations.Add(ctx, 1)
		}
		next.ServeHTTP(rec, served)

		name := r.Method + " " + r.URL.Path
		if served.Pattern != "" {
			name = served.Pattern
			span.SetName(served.Pattern)
			span.SetAttributes(attribute.String("http.route", served.Pattern))
		}
		span.SetAttributes(attribute.Int("http.status_code", rec.status))

		duration := time.Since(start)
		attrs := []attribute.KeyValue{
			attribute.String("operation", name),
			attribute.String("http.method", r.Method),
		}
		if p.activeOperations != nil {
			p.activeOperations.Add(ctx, -1)
		}
		p.RecordRequest(ctx, attrs...)
		p.RecordDuration(ctx, duration, attrs...)

		ok := rec.status < http.StatusInternalServerError
		if !ok {
			err := fmt.Errorf("http %d", rec.status)
			span.RecordError(err)
			p.RecordError(ctx, err, attrs...)
		}
		p.slos.Observe(name, duration, ok)

		span.End()
	})
}
