// Package telemetry wires OTLP trace export. Disabled it costs nothing:
// every Tracer call resolves to the no-op provider.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/agentcmd/agentcmd/internal/config"
)

var (
	mu       sync.RWMutex
	provider trace.TracerProvider = noop.NewTracerProvider()
)

// Init configures the global tracer provider from cfg and returns a
// shutdown func that flushes pending spans. With tracing disabled the
// returned func is a no-op.
func Init(ctx context.Context, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "agentcmd"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(name)))
	if err != nil {
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	mu.Lock()
	provider = tp
	mu.Unlock()
	otel.SetTracerProvider(tp)

	slog.Info("telemetry.enabled", "endpoint", cfg.Endpoint, "protocol", protocolOf(cfg))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TelemetryConfig) (*otlptrace.Exporter, error) {
	endpoint := stripScheme(cfg.Endpoint)
	switch protocolOf(cfg) {
	case "http":
		opts := []otlptracehttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		opts := []otlptracegrpc.Option{}
		if endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	}
}

func protocolOf(cfg config.TelemetryConfig) string {
	if strings.EqualFold(cfg.Protocol, "http") {
		return "http"
	}
	return "grpc"
}

// stripScheme drops http:// or https:// since OTLP exporter options want
// host:port.
func stripScheme(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer from the current provider.
func Tracer(name string) trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	return provider.Tracer(name)
}
