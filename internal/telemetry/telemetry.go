// =============================================================================
// EnzymeFlow OpenTelemetry SDK Initialization
// =============================================================================
// Wraps OTel SDK setup for traces and metrics. When telemetry is disabled,
// no exporters are created and global providers remain noop, so the span
// helpers below are always safe to call.
// =============================================================================

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/enzymeflow/config"
	"github.com/BaSui01/enzymeflow/internal/ctxkeys"
	"github.com/BaSui01/enzymeflow/types"
)

// TracerName is the instrumentation scope used for workflow spans.
const TracerName = "enzymeflow/workflow"

// Providers holds the OTel SDK TracerProvider and MeterProvider.
// When telemetry is disabled, both fields are nil and Shutdown is a no-op.
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Init initializes the OTel SDK. When cfg.Enabled is false, it returns
// a noop Providers (nil tp/mp) without connecting to any external service.
func Init(cfg config.TelemetryConfig, logger *zap.Logger) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		logger.Info("telemetry disabled, using noop providers")
		return &Providers{}, nil
	}

	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(buildVersion()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", cfg.ServiceName),
		zap.Float64("sample_rate", cfg.SampleRate),
	)

	return &Providers{tp: tp, mp: mp}, nil
}

// Shutdown flushes pending spans/metrics and closes exporters.
// Safe to call on noop Providers (nil tp/mp).
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// StartRun opens the root span for a workflow run.
func StartRun(ctx context.Context, runID string, steps int) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("enzymeflow.run_id", runID),
			attribute.Int("enzymeflow.steps", steps),
		),
	)
}

// StartStep opens a span for one step execution.
func StartStep(ctx context.Context, runID, stepID string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "step."+stepID,
		trace.WithAttributes(
			attribute.String("enzymeflow.run_id", runID),
			attribute.String("enzymeflow.step_id", stepID),
		),
	)
}

// StartCall opens a client span for an outbound call (model API, literature search).
func StartCall(ctx context.Context, service, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("enzymeflow.service", service))
	if runID, ok := ctxkeys.RunID(ctx); ok {
		attrs = append(attrs, attribute.String("enzymeflow.run_id", runID))
	}
	return otel.Tracer(TracerName).Start(ctx, service+"."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// EndSpan records the outcome on span and ends it. A nil err marks success.
func EndSpan(span trace.Span, status string, err error) {
	span.SetAttributes(attribute.String("enzymeflow.status", status))
	if err != nil {
		span.RecordError(err)
		if code := types.GetErrorCode(err); code != "" {
			span.SetAttributes(attribute.String("enzymeflow.error_code", string(code)))
		}
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

var (
	instOnce     sync.Once
	stepRuns     metric.Int64Counter
	stepDuration metric.Float64Histogram
)

// instruments are created on the global meter, which forwards to the SDK
// provider once Init installs it.
func instruments() {
	instOnce.Do(func() {
		meter := otel.Meter(TracerName)
		stepRuns, _ = meter.Int64Counter("enzymeflow.step.runs",
			metric.WithDescription("Step executions by outcome"))
		stepDuration, _ = meter.Float64Histogram("enzymeflow.step.duration",
			metric.WithDescription("Step execution time"), metric.WithUnit("s"))
	})
}

// RecordStep exports one step outcome through the OTel meter.
func RecordStep(ctx context.Context, stepID, status string, d time.Duration) {
	instruments()
	attrs := metric.WithAttributes(
		attribute.String("enzymeflow.step_id", stepID),
		attribute.String("enzymeflow.status", status),
	)
	if stepRuns != nil {
		stepRuns.Add(ctx, 1, attrs)
	}
	if stepDuration != nil {
		stepDuration.Record(ctx, d.Seconds(), attrs)
	}
}

// buildVersion extracts the module version from Go build info.
// Falls back to "dev" if unavailable.
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
