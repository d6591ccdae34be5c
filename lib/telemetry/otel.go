// Package telemetry configures the OpenTelemetry metric provider for
// Blackjack binaries.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Providers groups telemetry provider handles.
type Providers struct {
	MeterProvider apimetric.MeterProvider
}

// Init configures the OTLP metric exporter for the given endpoint. An empty
// endpoint installs a no-op provider, so metric call sites never need guards.
func Init(ctx context.Context, endpoint, service string) (Providers, func(context.Context) error, error) {
	endpoint = strings.TrimSpace(endpoint)
	service = strings.TrimSpace(service)
	if service == "" {
		service = "blackjack"
	}

	if endpoint == "" {
		providers := Providers{MeterProvider: noop.NewMeterProvider()}
		otel.SetMeterProvider(providers.MeterProvider)
		return providers, func(context.Context) error { return nil }, nil
	}

	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return Providers{}, nil, err
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return Providers{}, nil, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return Providers{}, nil, fmt.Errorf("create resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	return Providers{MeterProvider: mp}, mp.Shutdown, nil
}

func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = raw
	}
	insecure := parsed.Scheme != "https"
	return host, insecure, nil
}
