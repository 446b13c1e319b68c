package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/loqalabs/loqa-meditation/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// telemetry collects provider shutdowns in install order.
type telemetry struct {
	closers []func(context.Context) error
}

// shutdown runs closers in reverse install order.
func (t *telemetry) shutdown(ctx context.Context) error {
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// setupTelemetry installs the global tracer and meter providers. The returned
// handler serves Prometheus metrics and is nil when the exporter failed.
func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.RuntimeName),
		attribute.String("deployment.environment", cfg.Environment),
		attribute.String("meditation.identity", cfg.Session.Identity),
	))
	if err != nil {
		return nil, nil, err
	}

	t := &telemetry{}
	exporter, name, err := spanExporter(ctx, cfg.Telemetry, cfg.Environment)
	if err != nil {
		return nil, nil, err
	}
	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}
	tracer := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracer)
	t.closers = append(t.closers, tracer.Shutdown)
	logger.Info("tracing initialized", slog.String("exporter", name))

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	var handler http.Handler
	if reader, err := prometheus.New(); err != nil {
		logger.Warn("prometheus exporter unavailable", slog.String("error", err.Error()))
	} else {
		meterOpts = append(meterOpts, sdkmetric.WithReader(reader))
		handler = promhttp.Handler()
	}
	meter := sdkmetric.NewMeterProvider(meterOpts...)
	otel.SetMeterProvider(meter)
	t.closers = append(t.closers, meter.Shutdown)
	logger.Info("metrics initialized", slog.Bool("prometheus", handler != nil), slog.String("bind", cfg.Telemetry.PrometheusBind))

	return t.shutdown, handler, nil
}

// spanExporter picks OTLP when an endpoint is set, stderr in development, and
// no exporter otherwise. Stdout stays reserved for JSON logs.
func spanExporter(ctx context.Context, cfg config.TelemetryConfig, env string) (sdktrace.SpanExporter, string, error) {
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		return exp, "otlp", err
	}
	if env != "development" {
		return nil, "none", nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
	return exp, "stderr", err
}
