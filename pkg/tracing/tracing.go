package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"hookrelay/internal/config"
)

const exporterDialTimeout = 5 * time.Second

// TracerProvider owns the SDK provider installed by Init. With tracing
// disabled it wraps a provider that records nothing and exports nowhere.
type TracerProvider struct {
	sdk      *sdktrace.TracerProvider
	exported bool
}

func (p *TracerProvider) Tracer(name string) trace.Tracer {
	return p.sdk.Tracer(name)
}

// Exporting reports whether spans leave the process.
func (p *TracerProvider) Exporting() bool {
	return p != nil && p.exported
}

func (p *TracerProvider) Shutdown(ctx context.Context) error {
	if p == nil || p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}

// Init installs the global tracer provider and W3C propagators. The
// configured service name wins over the fallback passed by the binary.
func Init(cfg config.TracingConfig, fallbackName string) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{sdk: sdktrace.NewTracerProvider()}, nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = fallbackName
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(name),
		attribute.String("hookrelay.sampler", samplerName(cfg.Sampler)),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), exporterDialTimeout)
	defer cancel()

	exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLP.Endpoint)}
	if cfg.OTLP.Insecure {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(dialCtx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter for %s: %w", cfg.OTLP.Endpoint, err)
	}

	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.Sampler)),
	)
	otel.SetTracerProvider(sdk)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{sdk: sdk, exported: true}, nil
}

func samplerName(cfg config.SamplerConfig) string {
	if cfg.Type == "" {
		return "always_on"
	}
	return cfg.Type
}

func sampler(cfg config.SamplerConfig) sdktrace.Sampler {
	switch samplerName(cfg) {
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(cfg.Param)
	case "parentbased_always_on":
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case "parentbased_traceidratio":
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Param))
	default:
		return sdktrace.AlwaysSample()
	}
}

func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
