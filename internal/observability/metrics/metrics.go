package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	webhooksReceived metric.Int64Counter
	webhooksRejected metric.Int64Counter
	reconciliations  metric.Int64Counter
	deadLetters      metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "reconciler"
	}
	meter := provider.Meter(name)

	webhooksReceived, err := meter.Int64Counter("reconciler_webhooks_received_total")
	if err != nil {
		return nil, err
	}
	webhooksRejected, err := meter.Int64Counter("reconciler_webhooks_rejected_total")
	if err != nil {
		return nil, err
	}
	reconciliations, err := meter.Int64Counter("reconciler_reconciliations_total")
	if err != nil {
		return nil, err
	}
	deadLetters, err := meter.Int64Counter("reconciler_dead_letters_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		webhooksReceived: webhooksReceived,
		webhooksRejected: webhooksRejected,
		reconciliations:  reconciliations,
		deadLetters:      deadLetters,
	}, nil
}

func (m *Metrics) RecordWebhookReceived(ctx context.Context, provider, eventType string) {
	if m == nil || m.webhooksReceived == nil {
		return
	}
	m.webhooksReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("event_type", eventType),
	))
}

func (m *Metrics) RecordWebhookRejected(ctx context.Context, provider, reason string) {
	if m == nil || m.webhooksRejected == nil {
		return
	}
	m.webhooksRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) RecordReconciliation(ctx context.Context, provider, outcome string) {
	if m == nil || m.reconciliations == nil {
		return
	}
	m.reconciliations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordDeadLetter(ctx context.Context, provider, reason string) {
	if m == nil || m.deadLetters == nil {
		return
	}
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("reason", reason),
	))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "", "grpc":
		return otlpmetricgrpc.New(context.Background(),
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "http":
		return otlpmetrichttp.New(context.Background(),
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported otlp protocol %q", protocol)
	}
}
