// Package tracing wraps OpenTelemetry span creation for the hub's four
// suspension-heavy paths: ingest, placement, dispatch and the supervisor
// tick, plus inbound API requests.
package tracing

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Config controls how hub spans are exported.
type Config struct {
	ServiceName  string  `yaml:"service_name"`
	ExporterType string  `yaml:"exporter_type"` // "jaeger", "otlp", "stdout", "none"
	JaegerEndpoint string `yaml:"jaeger_endpoint"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// DefaultConfig returns a stdout-exporting, fully-sampled tracing config
// suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:  "gpuhub",
		ExporterType: "stdout",
		JaegerEndpoint: "http://localhost:14268/api/traces",
		OTLPEndpoint: "http://localhost:4318/v1/traces",
		SampleRate:   1.0,
	}
}

// Service manages the OpenTelemetry tracer provider for the hub.
type Service struct {
	config   *Config
	provider *trace.TracerProvider
	tracer   oteltrace.Tracer
	enabled  bool
}

// New creates a tracing Service. A nil config falls back to DefaultConfig.
func New(config *Config) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}

	ts := &Service{config: config, enabled: config.ExporterType != "none" && config.ExporterType != ""}
	if !ts.enabled {
		return ts, nil
	}
	if err := ts.initialize(); err != nil {
		return nil, fmt.Errorf("initialize tracing: %w", err)
	}
	return ts, nil
}

func (ts *Service) initialize() error {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceNameKey.String(ts.config.ServiceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return fmt.Errorf("build resource: %w", err)
	}

	var exporter trace.SpanExporter
	switch ts.config.ExporterType {
	case "jaeger":
		exporter, err = jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(ts.config.JaegerEndpoint)))
	case "otlp":
		exporter, err = otlptrace.New(context.Background(), otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(ts.config.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		))
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return fmt.Errorf("unsupported exporter type: %s", ts.config.ExporterType)
	}
	if err != nil {
		return fmt.Errorf("create exporter: %w", err)
	}

	sampleRate := ts.config.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	ts.provider = trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.TraceIDRatioBased(sampleRate)),
	)
	otel.SetTracerProvider(ts.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	ts.tracer = otel.Tracer(ts.config.ServiceName)
	return nil
}

func (ts *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	if !ts.enabled {
		return ctx, oteltrace.SpanFromContext(ctx)
	}
	return ts.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// Ingest spans an agent report.
func (ts *Service) Ingest(ctx context.Context, hostname string) (context.Context, oteltrace.Span) {
	return ts.startSpan(ctx, "ingest.report_in", attribute.String("agent.hostname", hostname))
}

// Placement spans a GPU selection decision.
func (ts *Service) Placement(ctx context.Context, workloadType string) (context.Context, oteltrace.Span) {
	return ts.startSpan(ctx, "placement.select", attribute.String("workload_type", workloadType))
}

// Dispatch spans a job launch.
func (ts *Service) Dispatch(ctx context.Context, jobID int64, local bool) (context.Context, oteltrace.Span) {
	return ts.startSpan(ctx, "dispatch.launch",
		attribute.Int64("job.id", jobID), attribute.Bool("dispatch.local", local))
}

// SupervisorTick spans one reconciliation pass.
func (ts *Service) SupervisorTick(ctx context.Context) (context.Context, oteltrace.Span) {
	return ts.startSpan(ctx, "supervisor.tick")
}

// RecordError records err on span if tracing is enabled.
func (ts *Service) RecordError(span oteltrace.Span, err error) {
	if !ts.enabled || span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Middleware returns an HTTP middleware that spans every inbound request.
func (ts *Service) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ts.enabled {
				next.ServeHTTP(w, r)
				return
			}
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := ts.startSpan(ctx, fmt.Sprintf("api.%s %s", r.Method, r.URL.Path),
				attribute.String("http.method", r.Method), attribute.String("http.route", r.URL.Path))
			defer span.End()

			rw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.status_code", rw.statusCode))
			if rw.statusCode >= 400 {
				span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", rw.statusCode))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Shutdown flushes and stops the tracer provider.
func (ts *Service) Shutdown(ctx context.Context) error {
	if !ts.enabled || ts.provider == nil {
		return nil
	}
	return ts.provider.Shutdown(ctx)
}

// IsEnabled reports whether tracing is active.
func (ts *Service) IsEnabled() bool { return ts.enabled }
