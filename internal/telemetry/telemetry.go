// Package telemetry provides OpenTelemetry observability for clonemgrd.
package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const (
	// DefaultServiceName identifies this daemon to the collector.
	DefaultServiceName = "clonemgrd"

	// DefaultServiceVersion is the service version reported to the
	// collector.
	DefaultServiceVersion = "dev"

	// DefaultOTLPEndpoint is the default OTLP collector endpoint.
	DefaultOTLPEndpoint = "localhost:4317"

	// EnvOTLPEndpoint overrides the OTLP endpoint.
	EnvOTLPEndpoint = "CLONEMGR_OTEL_ENDPOINT"

	// EnvOTelEnabled turns telemetry export on or off.
	EnvOTelEnabled = "CLONEMGR_OTEL_ENABLED"
)

// Config holds telemetry configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	Enabled        bool
	SampleRate     float64
}

// DefaultConfig returns a config with sensible defaults: disabled unless
// explicitly turned on, full sampling outside production.
func DefaultConfig() *Config {
	cfg := &Config{
		ServiceName:    DefaultServiceName,
		ServiceVersion: DefaultServiceVersion,
		Environment:    getEnvironment(),
		OTLPEndpoint:   getOTLPEndpoint(),
		Enabled:        isEnabled(),
		SampleRate:     1.0,
	}
	if cfg.Environment == "production" {
		cfg.SampleRate = 0.1
	}
	return cfg
}

func getEnvironment() string {
	if env := os.Getenv("CLONEMGR_ENV"); env != "" {
		return env
	}
	return "development"
}

func getOTLPEndpoint() string {
	if endpoint := os.Getenv(EnvOTLPEndpoint); endpoint != "" {
		return endpoint
	}
	return DefaultOTLPEndpoint
}

func isEnabled() bool {
	if enabled := os.Getenv(EnvOTelEnabled); enabled != "" {
		return enabled == "true" || enabled == "1"
	}
	return false
}

// Init wires up the global tracer and meter providers and returns a
// shutdown function to call on daemon exit.
func Init(ctx context.Context, cfg *Config) (shutdown func(context.Context) error, err error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
		resource.WithHost(),
		resource.WithOS(),
		resource.WithProcess(),
		resource.WithOSType(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
	)

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if err := initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return func(ctx context.Context) error {
		var errs []error
		if err := tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
		}
		if err := meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
		}
		if len(errs) > 0 {
			return fmt.Errorf("telemetry shutdown errors: %v", errs)
		}
		return nil
	}, nil
}

// MustInit initializes telemetry or panics.
func MustInit(ctx context.Context, cfg *Config) func(context.Context) error {
	shutdown, err := Init(ctx, cfg)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize telemetry: %v", err))
	}
	return shutdown
}
