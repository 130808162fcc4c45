package runtime

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/ameureka/ai-deepresearch-agent/config"
)

// Telemetry owns the SDK providers installed for one process (API server or
// worker) and the optional standalone metrics listener.
type Telemetry struct {
	tp       *sdktrace.TracerProvider
	mp       *sdkmetric.MeterProvider
	registry *prometheus.Registry
	metrics  *http.Server
	logger   *log.Logger
}

// TelemetryOptions configures telemetry initialization.
type TelemetryOptions struct {
	ServiceName    string
	ServiceVersion string
	// MetricsPort starts a dedicated /metrics listener when positive.
	MetricsPort int
}

const otlpExportInterval = 15 * time.Second

// SetupTelemetry installs the global tracer and meter providers. Metrics are
// always exported to a private Prometheus registry; traces and metrics are
// also shipped over OTLP/gRPC when cfg.OTLPEndpoint is set. Disabled telemetry
// returns the otel no-op globals.
func SetupTelemetry(ctx context.Context, cfg config.TelemetryConfig, opts TelemetryOptions) (*Telemetry, otelmetric.Meter, trace.Tracer, error) {
	if !cfg.Enabled {
		return &Telemetry{}, otel.Meter(opts.ServiceName), otel.Tracer(opts.ServiceName), nil
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.ServiceVersion),
			attribute.String("service.namespace", "deepresearch"),
		),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resource init: %w", err)
	}

	t := &Telemetry{
		registry: prometheus.NewRegistry(),
		logger:   log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
	}
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	if t.tp, err = newTracerProvider(ctx, res, endpoint); err != nil {
		return nil, nil, nil, err
	}
	if t.mp, err = newMeterProvider(ctx, res, endpoint, t.registry); err != nil {
		_ = t.tp.Shutdown(ctx)
		return nil, nil, nil, err
	}
	otel.SetTracerProvider(t.tp)
	otel.SetMeterProvider(t.mp)
	if endpoint == "" {
		t.logger.Printf("otlp export disabled; metrics on prometheus only")
	}

	if opts.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", t.Handler())
		t.metrics = &http.Server{
			Addr:              fmt.Sprintf(":%d", opts.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := t.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				t.logger.Printf("metrics server error: %v", err)
			}
		}()
	}
	return t, t.mp.Meter(opts.ServiceName), t.tp.Tracer(opts.ServiceName), nil
}

func newTracerProvider(ctx context.Context, res *resource.Resource, endpoint string) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if endpoint != "" {
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithDialOption(grpc.WithBlock()),
		)
		if err != nil {
			return nil, fmt.Errorf("otlp trace init: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

func newMeterProvider(ctx context.Context, res *resource.Resource, endpoint string, reg *prometheus.Registry) (*sdkmetric.MeterProvider, error) {
	prom, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("prom exporter: %w", err)
	}
	opts := []sdkmetric.Option{sdkmetric.WithReader(prom), sdkmetric.WithResource(res)}
	if endpoint != "" {
		exp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithDialOption(grpc.WithBlock()),
		)
		if err != nil {
			return nil, fmt.Errorf("otlp metric init: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(otlpExportInterval))))
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}

// Handler serves the Prometheus exposition of the SDK meter provider, or the
// default registry when telemetry is disabled.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var err error
	if t.metrics != nil {
		_ = t.metrics.Shutdown(ctx)
	}
	if t.tp != nil {
		if e := t.tp.Shutdown(ctx); e != nil {
			err = fmt.Errorf("trace shutdown: %w", e)
		}
	}
	if t.mp != nil {
		if e := t.mp.Shutdown(ctx); e != nil {
			if err != nil {
				err = fmt.Errorf("%v; metric shutdown: %w", err, e)
			} else {
				err = fmt.Errorf("metric shutdown: %w", e)
			}
		}
	}
	return err
}
