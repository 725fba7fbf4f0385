package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/ambiware-labs/pitchpipe/internal/config"
)

// telemetry bundles what the runtime needs from the OTel bootstrap: the
// meter the pipeline registers its instruments on, the scrape handler for
// /metrics, and a shutdown hook flushing both providers.
type telemetry struct {
	meter    metric.Meter
	handler  http.Handler
	shutdown func(context.Context) error
}

func initTelemetry(cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	traces, err := newTraceProvider(cfg.Telemetry, res, logger)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(traces)

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}
	metrics := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(metrics)

	return &telemetry{
		meter:   metrics.Meter("github.com/ambiware-labs/pitchpipe"),
		handler: promhttp.Handler(),
		shutdown: func(ctx context.Context) error {
			return errors.Join(metrics.Shutdown(ctx), traces.Shutdown(ctx))
		},
	}, nil
}

// newTraceProvider exports spans over OTLP gRPC when an endpoint is
// configured, and to stdout otherwise so traces stay inspectable in
// development without a collector.
func newTraceProvider(cfg config.TelemetryConfig, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	var (
		exporter sdktrace.SpanExporter
		kind     string
		err      error
	)
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(context.Background(), opts...)
		kind = "otlp"
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		kind = "stdout"
	}
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	logger.Info("telemetry initialized", slog.String("traces", kind))
	return tp, nil
}
