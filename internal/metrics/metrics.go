// Package metrics holds the OpenTelemetry instruments for transcription
// requests. Without an exporter configured the global provider is a no-op.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const instrumentationName = "github.com/obiente/translate/transcriber"

// Request outcomes.
const (
	OutcomeDone         = "done"
	OutcomeError        = "error"
	OutcomeCancelled    = "cancelled"
	OutcomeUnknownModel = "unknown_model"
	OutcomeLoadFailed   = "load_failed"
)

type MeterConfig struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint is the OTLP HTTP endpoint host:port (e.g. "localhost:4318").
	Endpoint string
	Insecure bool
	Interval time.Duration
}

// InitMeter installs an OTLP-exporting meter provider as the global one.
// The caller shuts it down on exit.
func InitMeter(ctx context.Context, cfg MeterConfig) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.Interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.Interval))
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	log.Info().Str("endpoint", cfg.Endpoint).Dur("interval", cfg.Interval).Msg("metrics: meter initialized")
	return mp, nil
}

// Metrics records request lifecycle measurements.
type Metrics struct {
	requests      metric.Int64Counter
	duration      metric.Float64Histogram
	active        metric.Int64UpDownCounter
	modelResolves metric.Int64Counter
	resolveTime   metric.Float64Histogram
	events        metric.Int64Counter
}

func New(meter metric.Meter) (*Metrics, error) {
	requests, err := meter.Int64Counter("transcriber.requests",
		metric.WithDescription("Transcription requests by model and outcome"))
	if err != nil {
		return nil, fmt.Errorf("creating transcriber.requests counter: %w", err)
	}
	duration, err := meter.Float64Histogram("transcriber.request.duration",
		metric.WithDescription("Duration of transcription requests"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("creating transcriber.request.duration histogram: %w", err)
	}
	active, err := meter.Int64UpDownCounter("transcriber.requests.active",
		metric.WithDescription("Requests currently loading or transcribing"))
	if err != nil {
		return nil, fmt.Errorf("creating transcriber.requests.active gauge: %w", err)
	}
	modelResolves, err := meter.Int64Counter("transcriber.model.resolves",
		metric.WithDescription("Model handle resolutions by model and status"))
	if err != nil {
		return nil, fmt.Errorf("creating transcriber.model.resolves counter: %w", err)
	}
	resolveTime, err := meter.Float64Histogram("transcriber.model.resolve.duration",
		metric.WithDescription("Time to resolve a model handle, including download and load"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("creating transcriber.model.resolve.duration histogram: %w", err)
	}
	events, err := meter.Int64Counter("transcriber.events",
		metric.WithDescription("Outbound events by type"))
	if err != nil {
		return nil, fmt.Errorf("creating transcriber.events counter: %w", err)
	}
	return &Metrics{
		requests:      requests,
		duration:      duration,
		active:        active,
		modelResolves: modelResolves,
		resolveTime:   resolveTime,
		events:        events,
	}, nil
}

// Global builds instruments on the global meter provider, falling back to a
// no-op set if instrument creation fails.
func Global() *Metrics {
	m, err := New(otel.Meter(instrumentationName))
	if err != nil {
		log.Warn().Err(err).Msg("metrics: falling back to no-op instruments")
		return Noop()
	}
	return m
}

// Noop returns instruments that record nothing.
func Noop() *Metrics {
	m, _ := New(noop.NewMeterProvider().Meter(instrumentationName))
	return m
}

func (m *Metrics) RequestStarted(ctx context.Context) {
	m.active.Add(ctx, 1)
}

func (m *Metrics) RequestFinished(ctx context.Context, model, outcome string, d time.Duration) {
	m.active.Add(ctx, -1)
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("outcome", outcome),
	))
	m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("model", model)))
}

// ModelResolved records one handle resolution. A caller that stopped waiting
// is recorded as cancelled even though the load itself may still finish.
func (m *Metrics) ModelResolved(ctx context.Context, model string, err error, d time.Duration) {
	status := "ok"
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = "cancelled"
	case err != nil:
		status = "error"
	}
	m.modelResolves.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("status", status),
	))
	m.resolveTime.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("model", model)))
}

func (m *Metrics) Event(ctx context.Context, typ string) {
	m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}
