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
	reservations     metric.Int64Counter
	reservedCredits  metric.Int64Counter
	refunds          metric.Int64Counter
	refundedCredits  metric.Int64Counter
	sagaOutcomes     metric.Int64Counter
	executorDuration metric.Float64Histogram
	schedulerRuns    metric.Int64Counter
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

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "", "grpc":
		return otlpmetricgrpc.New(context.Background(),
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "http", "http/protobuf":
		return otlpmetrichttp.New(context.Background(),
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported otlp protocol %q", protocol)
	}
}

// New builds the application instruments from the registered provider.
func New(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("modrun")

	reservations, err := meter.Int64Counter("modrun.ledger.reservations")
	if err != nil {
		return nil, err
	}
	reservedCredits, err := meter.Int64Counter("modrun.ledger.reserved_credits")
	if err != nil {
		return nil, err
	}
	refunds, err := meter.Int64Counter("modrun.ledger.refunds")
	if err != nil {
		return nil, err
	}
	refundedCredits, err := meter.Int64Counter("modrun.ledger.refunded_credits")
	if err != nil {
		return nil, err
	}
	sagaOutcomes, err := meter.Int64Counter("modrun.saga.outcomes")
	if err != nil {
		return nil, err
	}
	executorDuration, err := meter.Float64Histogram("modrun.executor.duration_seconds")
	if err != nil {
		return nil, err
	}
	schedulerRuns, err := meter.Int64Counter("modrun.scheduler.runs")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		reservations:     reservations,
		reservedCredits:  reservedCredits,
		refunds:          refunds,
		refundedCredits:  refundedCredits,
		sagaOutcomes:     sagaOutcomes,
		executorDuration: executorDuration,
		schedulerRuns:    schedulerRuns,
	}, nil
}

func (m *Metrics) RecordReservation(ctx context.Context, amount int64) {
	if m == nil {
		return
	}
	m.reservations.Add(ctx, 1)
	m.reservedCredits.Add(ctx, amount)
}

func (m *Metrics) RecordRefund(ctx context.Context, amount int64) {
	if m == nil {
		return
	}
	m.refunds.Add(ctx, 1)
	m.refundedCredits.Add(ctx, amount)
}

func (m *Metrics) RecordSagaOutcome(ctx context.Context, callSite, status string) {
	if m == nil {
		return
	}
	m.sagaOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("call_site", callSite),
		attribute.String("status", status),
	))
}

func (m *Metrics) ObserveExecutorDuration(ctx context.Context, moduleRef string, d time.Duration) {
	if m == nil {
		return
	}
	m.executorDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("module_ref", moduleRef),
	))
}

func (m *Metrics) RecordSchedulerRun(ctx context.Context, claimed int) {
	if m == nil {
		return
	}
	m.schedulerRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("claimed", claimed),
	))
}
