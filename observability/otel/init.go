// Package otel wires the OpenTelemetry exporters for the payout core. The
// whole OTLP contract of the service lives here: Setup reads the
// OTEL_EXPORTER_OTLP_* variables and PROVEN_ENV itself, so cmd/provend only
// names the service.
package otel

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const (
	defaultEndpoint  = "localhost:4318"
	serviceNamespace = "proven"

	// Payout spans are few and operator-critical; export them quickly
	// rather than letting batches age.
	traceBatchTimeout  = 2 * time.Second
	metricPushInterval = 15 * time.Second
)

// ShutdownFunc flushes and stops the configured providers.
type ShutdownFunc func(context.Context) error

type exporterEnv struct {
	endpoint string
	insecure bool
	headers  map[string]string
	env      string
}

func readEnv() exporterEnv {
	cfg := exporterEnv{
		endpoint: strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		insecure: true,
		headers:  ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		env:      strings.TrimSpace(os.Getenv("PROVEN_ENV")),
	}
	if cfg.endpoint == "" {
		cfg.endpoint = defaultEndpoint
	}
	if raw := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			cfg.insecure = parsed
		}
	}
	return cfg
}

// Setup configures the global trace and meter providers for one of this
// module's services and returns the teardown hook. The exporter endpoint,
// headers, and TLS mode come from the standard OTEL_EXPORTER_OTLP_*
// variables; the deployment environment comes from PROVEN_ENV.
func Setup(ctx context.Context, service string) (ShutdownFunc, error) {
	service = strings.TrimSpace(service)
	if service == "" {
		return nil, fmt.Errorf("otel: service name required")
	}
	env := readEnv()

	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(service),
		semconv.ServiceNamespaceKey.String(serviceNamespace),
	}
	if env.env != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(env.env))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("otel: build resource: %w", err)
	}

	tracerShutdown, err := setupTraces(ctx, env, res)
	if err != nil {
		return nil, err
	}
	meterShutdown, err := setupMetrics(ctx, env, res)
	if err != nil {
		_ = tracerShutdown(ctx)
		return nil, err
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		metricErr := meterShutdown(ctx)
		if traceErr := tracerShutdown(ctx); traceErr != nil {
			return traceErr
		}
		return metricErr
	}, nil
}

func setupTraces(ctx context.Context, env exporterEnv, res *resource.Resource) (ShutdownFunc, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(env.endpoint)}
	if env.insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(env.headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(env.headers))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otel: create trace exporter: %w", err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(traceBatchTimeout)),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

func setupMetrics(ctx context.Context, env exporterEnv, res *resource.Resource) (ShutdownFunc, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(env.endpoint)}
	if env.insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	if len(env.headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(env.headers))
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otel: create metric exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(metricPushInterval))),
	)
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}

// ParseHeaders converts a comma-separated OTEL header string
// (key=value,foo=bar) into exporter header options.
func ParseHeaders(raw string) map[string]string {
	headers := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(pair)
		if trimmed == "" {
			continue
		}
		key, value, found := strings.Cut(trimmed, "=")
		if !found {
			continue
		}
		if key = strings.TrimSpace(key); key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers
}
