// Package tracing wires OpenTelemetry spans for turns, completion passes and tool calls.
package tracing

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "flowerdesk"

type Options struct {
	Enabled bool
	// Exporter is "stdout" or "noop".
	Exporter string
	// Writer receives stdout spans; defaults to os.Stdout inside the exporter.
	Writer io.Writer
}

// Setup installs the global tracer provider and returns its shutdown function.
// A disabled config installs a noop provider.
func Setup(ctx context.Context, opts Options) (func(context.Context) error, error) {
	_ = ctx
	noopShutdown := func(context.Context) error { return nil }
	if !opts.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}

	switch strings.ToLower(strings.TrimSpace(opts.Exporter)) {
	case "stdout":
		exportOpts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if opts.Writer != nil {
			exportOpts = append(exportOpts, stdouttrace.WithWriter(opts.Writer))
		}
		exporter, err := stdouttrace.New(exportOpts...)
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		)
		otel.SetTracerProvider(tp)
		return tp.Shutdown, nil
	case "noop", "":
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", opts.Exporter)
	}
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End closes span with an error or OK status.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
