// Package telemetry wires OpenTelemetry tracing and the Prometheus metrics
// endpoint shared by every service.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/maciekb2/content-pipeline/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

const (
	DefaultEndpoint    = "tempo:4317"
	DefaultMetricsPort = "2222"
)

type Config struct {
	ServiceName string
	// Endpoint is the OTLP gRPC collector address. An http:// or https://
	// scheme is stripped.
	Endpoint    string
	MetricsPort string
}

// ListenAndServe is replaced in tests.
var ListenAndServe = http.ListenAndServe

// Init installs the global tracer and meter providers and serves /metrics.
// The returned function flushes and stops both providers.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	res, err := sdkresource.New(ctx,
		sdkresource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, err
	}

	traceExp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithInsecure(), otlptracegrpc.WithEndpoint(Endpoint(cfg.Endpoint)))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	promExp, err := prometheus.New()
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)

	port := cfg.MetricsPort
	if port == "" {
		port = DefaultMetricsPort
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := ListenAndServe(":"+port, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("prometheus endpoint error", err, "port", port)
		}
	}()

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// Endpoint normalizes a collector address for the gRPC exporter.
func Endpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return DefaultEndpoint
	}
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimPrefix(endpoint, "https://")
}
