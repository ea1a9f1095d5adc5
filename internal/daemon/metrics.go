package daemon

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DaemonMetrics holds daemon loop metrics using OTEL semantic conventions
type DaemonMetrics struct {
	cycles        metric.Int64Counter
	cycleDuration metric.Float64Histogram
	lastSuccess   metric.Int64Gauge
}

// NewDaemonMetrics creates daemon metrics on the global meter provider
func NewDaemonMetrics() (*DaemonMetrics, error) {
	return newDaemonMetricsWithProvider(otel.GetMeterProvider())
}

func newDaemonMetricsWithProvider(provider metric.MeterProvider) (*DaemonMetrics, error) {
	meter := provider.Meter("fleetreaper.daemon")

	cycles, err := meter.Int64Counter(
		"fleetreaper.daemon.cycles",
		metric.WithDescription("Number of cleanup cycles run"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, err
	}

	cycleDuration, err := meter.Float64Histogram(
		"fleetreaper.daemon.cycle.duration",
		metric.WithDescription("Duration of cleanup cycles across all regions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastSuccess, err := meter.Int64Gauge(
		"fleetreaper.daemon.last_success",
		metric.WithDescription("Unix time of the last cycle in which every region succeeded"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		cycles:        cycles,
		cycleDuration: cycleDuration,
		lastSuccess:   lastSuccess,
	}, nil
}

// RecordCycle records a finished cycle with status "success" or "failure"
func (m *DaemonMetrics) RecordCycle(ctx context.Context, status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.cycles.Add(ctx, 1, attrs)
	m.cycleDuration.Record(ctx, d.Seconds(), attrs)
	if status == "success" {
		m.lastSuccess.Record(ctx, time.Now().Unix())
	}
}
