// Package telemetry exports experiment event counters over OpenTelemetry.
package telemetry

import (
	"context"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/techplay/ab-cli/internal/model"
)

const (
	serviceName    = "ab-cli"
	serviceVersion = "1.0.0"
)

// Config holds OTLP exporter settings.
type Config struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure bool   `yaml:"insecure" mapstructure:"insecure"`
}

// Metrics counts tracked events. It implements tracker.Sink.
type Metrics struct {
	provider    *sdkmetric.MeterProvider
	eventsTotal metric.Int64Counter
	assignTotal metric.Int64Counter
}

// New creates Metrics exporting to an OTLP collector over gRPC.
func New(ctx context.Context, cfg Config) (*Metrics, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return nil, eris.New("telemetry: exporter is disabled or endpoint not configured")
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts,
			otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			otlpmetricgrpc.WithInsecure(),
		)
	}

	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "telemetry: create OTLP exporter")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, eris.Wrap(err, "telemetry: create resource")
	}

	m, err := NewWithReader(sdkmetric.NewPeriodicReader(exp), sdkmetric.WithResource(res))
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(m.provider)
	return m, nil
}

// NewWithReader creates Metrics on an arbitrary reader, e.g. a manual reader in tests.
func NewWithReader(reader sdkmetric.Reader, opts ...sdkmetric.Option) (*Metrics, error) {
	provider := sdkmetric.NewMeterProvider(append(opts, sdkmetric.WithReader(reader))...)
	meter := provider.Meter(serviceName)

	eventsTotal, err := meter.Int64Counter(
		"ab_events_total",
		metric.WithDescription("Experiment events emitted, by event, experiment and variant"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, eris.Wrap(err, "telemetry: create events counter")
	}

	assignTotal, err := meter.Int64Counter(
		"ab_assignments_total",
		metric.WithDescription("Variant resolutions, by experiment, variant and source"),
		metric.WithUnit("{assignment}"),
	)
	if err != nil {
		return nil, eris.Wrap(err, "telemetry: create assignments counter")
	}

	return &Metrics{
		provider:    provider,
		eventsTotal: eventsTotal,
		assignTotal: assignTotal,
	}, nil
}

func (m *Metrics) Emit(ctx context.Context, ev model.Event) error {
	attrs := []attribute.KeyValue{
		attribute.String("event", string(ev.Name)),
		attribute.String("experiment", ev.ExperimentKey),
		attribute.String("variant", ev.Variant),
	}
	m.eventsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if ev.Name == model.EventAssign {
		source, _ := ev.Metadata["source"].(string)
		m.assignTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("experiment", ev.ExperimentKey),
			attribute.String("variant", ev.Variant),
			attribute.String("source", source),
		))
	}
	return nil
}

// Close flushes pending metrics and shuts the provider down.
func (m *Metrics) Close(ctx context.Context) error {
	return eris.Wrap(m.provider.Shutdown(ctx), "telemetry: shutdown")
}
