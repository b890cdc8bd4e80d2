package processor

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "order-saga/relay"

type relayMetrics struct {
	published     metric.Int64Counter
	failed        metric.Int64Counter
	escalated     metric.Int64Counter
	batchLatency  metric.Float64Histogram
	failedBacklog metric.Int64Gauge
}

func newRelayMetrics(provider metric.MeterProvider) (relayMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(meterName)

	var (
		metrics relayMetrics
		err     error
	)

	metrics.published, err = meter.Int64Counter(
		"outbox.events.published",
		metric.WithDescription("Number of outbox events published to the broker"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.events.published counter: %w", err)
	}

	metrics.failed, err = meter.Int64Counter(
		"outbox.events.failed",
		metric.WithDescription("Number of failed publish attempts"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.events.failed counter: %w", err)
	}

	metrics.escalated, err = meter.Int64Counter(
		"outbox.events.escalated",
		metric.WithDescription("Number of outbox events escalated after reaching the retry ceiling"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.events.escalated counter: %w", err)
	}

	metrics.batchLatency, err = meter.Float64Histogram(
		"outbox.batch.latency",
		metric.WithDescription("Time taken per relay cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.batch.latency histogram: %w", err)
	}

	metrics.failedBacklog, err = meter.Int64Gauge(
		"outbox.events.failed_backlog",
		metric.WithDescription("Number of unpublished outbox events at or above the retry ceiling"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.events.failed_backlog gauge: %w", err)
	}

	return metrics, nil
}
