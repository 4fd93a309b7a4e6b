// Package telemetry sets up OpenTelemetry tracing for the phase engine.
//
// Telemetry is disabled by default: Setup installs no-op providers and the
// engine's spans and metrics cost nothing. When enabled, spans go to an
// OTLP/HTTP collector, to a writer (dev mode), or both.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Options selects the exporters.
type Options struct {
	Enabled     bool
	Endpoint    string // OTLP/HTTP collector, "host:port" or a full URL
	Stdout      bool
	Writer      io.Writer // stdout exporter target, defaults to os.Stderr
	ServiceName string
	Version     string
}

// Setup installs the global tracer provider and propagator. The returned
// shutdown function flushes pending spans and should be deferred by the
// caller.
func Setup(ctx context.Context, opts Options) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	if !opts.Enabled {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return noop, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.Version),
		),
	)
	if err != nil {
		return noop, fmt.Errorf("telemetry: resource: %w", err)
	}

	exporters, err := buildExporters(ctx, opts)
	if err != nil {
		return noop, err
	}
	if len(exporters) == 0 {
		return noop, errors.New("telemetry: enabled without an exporter")
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	for _, exp := range exporters {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

func buildExporters(ctx context.Context, opts Options) ([]sdktrace.SpanExporter, error) {
	var exporters []sdktrace.SpanExporter

	if opts.Stdout {
		w := opts.Writer
		if w == nil {
			w = os.Stderr
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
		}
		exporters = append(exporters, exp)
	}

	if opts.Endpoint != "" {
		var httpOpts []otlptracehttp.Option
		if strings.Contains(opts.Endpoint, "://") {
			httpOpts = append(httpOpts, otlptracehttp.WithEndpointURL(opts.Endpoint))
		} else {
			httpOpts = append(httpOpts, otlptracehttp.WithEndpoint(opts.Endpoint), otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, httpOpts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: otlp exporter: %w", err)
		}
		exporters = append(exporters, exp)
	}

	return exporters, nil
}
