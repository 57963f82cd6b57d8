package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// Setup installs the global MeterProvider exporting to prometheus.
// When address is not empty the metrics are served on /metrics.
// The returned function shuts the provider and server down.
func Setup(ctx context.Context, serviceName, address string) (func(context.Context) error, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	if address == "" {
		return provider.Shutdown, nil
	}

	l, err := net.Listen("tcp", address)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("listen for metrics requests: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info(fmt.Sprintf("serving metrics on %s/metrics", l.Addr()))
		err := srv.Serve(l)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("failed to serve metrics", "err", err)
		}
	}()

	shutdown := func(ctx context.Context) error {
		return errors.Join(srv.Shutdown(ctx), provider.Shutdown(ctx))
	}

	return shutdown, nil
}
