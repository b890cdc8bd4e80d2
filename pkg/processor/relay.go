// Package processor relays outbox rows to the message broker.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/order-saga/pkg/broker"
	"github.com/zoff-tech/order-saga/pkg/config"
	"github.com/zoff-tech/order-saga/pkg/logging"
	"github.com/zoff-tech/order-saga/pkg/store"
)

const (
	tracerName = "order-saga/relay"

	defaultPurgeInterval = time.Hour
)

// Result summarizes one relay cycle.
type Result struct {
	Fetched   int
	Published int
	Failed    int
	Escalated int
	Purged    int64
	// Interrupted is set when the circuit breaker stopped the batch early.
	Interrupted bool
}

// Relay polls the outbox and publishes pending events.
type Relay struct {
	outbox    store.OutboxStore
	publisher broker.MessageBroker
	escalator Escalator
	clock     clockwork.Clock
	logger    zerolog.Logger
	tracer    trace.Tracer
	provider  metric.MeterProvider
	metrics   relayMetrics

	pollInterval  time.Duration
	batchSize     int
	maxRetries    int
	purgeInterval time.Duration
	lastPurge     time.Time
}

type Option func(*Relay)

func WithClock(clock clockwork.Clock) Option {
	return func(r *Relay) { r.clock = clock }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Relay) { r.logger = logger }
}

// WithEscalator replaces the default dead-letter escalator.
func WithEscalator(escalator Escalator) Option {
	return func(r *Relay) { r.escalator = escalator }
}

func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(r *Relay) { r.provider = provider }
}

func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(r *Relay) { r.tracer = provider.Tracer(tracerName) }
}

// WithPurgeInterval sets how often expired outbox rows are deleted.
func WithPurgeInterval(interval time.Duration) Option {
	return func(r *Relay) { r.purgeInterval = interval }
}

// NewRelay creates a relay over outbox publishing through publisher.
func NewRelay(outbox store.OutboxStore, publisher broker.MessageBroker, settings config.RelaySettings, opts ...Option) (*Relay, error) {
	r := &Relay{
		outbox:        outbox,
		publisher:     publisher,
		clock:         clockwork.NewRealClock(),
		logger:        zerolog.Nop(),
		tracer:        otel.Tracer(tracerName),
		pollInterval:  settings.PollInterval,
		batchSize:     settings.BatchSize,
		maxRetries:    settings.MaxRetries,
		purgeInterval: defaultPurgeInterval,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.pollInterval <= 0 {
		r.pollInterval = 30 * time.Second
	}
	if r.batchSize <= 0 {
		r.batchSize = 100
	}
	if r.maxRetries <= 0 {
		r.maxRetries = store.DefaultMaxRetries
	}
	if r.escalator == nil {
		r.escalator = NewDeadLetterEscalator(publisher, settings.DeadLetterTopic, r.logger)
	}

	metrics, err := newRelayMetrics(r.provider)
	if err != nil {
		return nil, err
	}
	r.metrics = metrics
	return r, nil
}

// Run executes a cycle immediately and then on every poll interval until ctx is cancelled.
// Cycle errors are logged; the loop keeps going.
func (r *Relay) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.logger.Info().Dur("poll_interval", r.pollInterval).Int("batch_size", r.batchSize).Msg("outbox relay started")
	for {
		result, err := r.RunOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			r.logger.Error().Err(err).Msg("relay cycle failed")
		case result.Fetched > 0 || result.Escalated > 0:
			r.logger.Info().
				Int("published", result.Published).
				Int("failed", result.Failed).
				Int("escalated", result.Escalated).
				Bool("interrupted", result.Interrupted).
				Msg("relay cycle finished")
		}

		select {
		case <-ctx.Done():
			r.logger.Info().Msg("outbox relay stopped")
			return nil
		case <-ticker.Chan():
		}
	}
}

// RunOnce publishes one batch of pending events, escalates events past the retry ceiling and
// purges expired rows when due. A failing event never blocks the others in its batch.
func (r *Relay) RunOnce(ctx context.Context) (Result, error) {
	var result Result

	ctx, span := r.tracer.Start(ctx, "RelayCycle")
	defer span.End()

	start := r.clock.Now()
	defer func() {
		r.metrics.batchLatency.Record(ctx, r.clock.Since(start).Seconds())
	}()

	events, err := r.outbox.ListUnpublished(ctx, r.batchSize, r.maxRetries)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list unpublished")
		return result, fmt.Errorf("list unpublished events: %w", err)
	}
	result.Fetched = len(events)
	span.SetAttributes(attribute.Int("outbox.batch_size", len(events)))

	for _, event := range events {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		err := r.publish(ctx, event)
		if err == nil {
			result.Published++
			continue
		}
		if broker.IsBreakerOpen(err) {
			r.logger.Warn().Err(err).Msg("circuit breaker open, ending batch early")
			result.Interrupted = true
			break
		}
		result.Failed++
	}

	escalated, err := r.escalate(ctx)
	result.Escalated = escalated
	if err != nil {
		span.RecordError(err)
		return result, err
	}

	purged, err := r.purge(ctx)
	result.Purged = purged
	if err != nil {
		span.RecordError(err)
		return result, err
	}
	return result, nil
}

func (r *Relay) publish(ctx context.Context, event store.OutboxEvent) error {
	ctx, span := r.tracer.Start(ctx, "PublishOutboxEvent",
		trace.WithAttributes(
			attribute.String("event.id", event.ID),
			attribute.String("event.type", event.EventType),
			attribute.String("aggregate.id", event.AggregateID),
			attribute.Int("event.retry_count", event.RetryCount),
		))
	defer span.End()

	typeAttr := metric.WithAttributes(attribute.String("event_type", event.EventType))

	err := r.publisher.Publish(ctx, broker.NewMessage(event))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		if broker.IsBreakerOpen(err) {
			// nothing was attempted, the retry count stays as is
			return err
		}

		r.metrics.failed.Add(ctx, 1, typeAttr)
		r.logger.Warn().
			Err(err).
			Str(logging.FieldEventID, event.ID).
			Str(logging.FieldEventType, event.EventType).
			Int("attempt", event.RetryCount+1).
			Msg("failed to publish outbox event")
		if incErr := r.outbox.IncrementRetry(ctx, event.ID, err.Error()); incErr != nil {
			r.logger.Error().Err(incErr).Str(logging.FieldEventID, event.ID).Msg("failed to record retry")
		}
		return err
	}

	r.metrics.published.Add(ctx, 1, typeAttr)
	if err := r.outbox.MarkPublished(ctx, event.ID, r.clock.Now()); err != nil {
		// the event goes out again next cycle; consumers drop the duplicate
		r.logger.Error().Err(err).Str(logging.FieldEventID, event.ID).Msg("failed to mark event as published")
	}
	return nil
}

func (r *Relay) escalate(ctx context.Context) (int, error) {
	failed, err := r.outbox.ListFailed(ctx, r.maxRetries)
	if err != nil {
		return 0, fmt.Errorf("list failed events: %w", err)
	}
	r.metrics.failedBacklog.Record(ctx, int64(len(failed)))

	escalated := make([]string, 0, len(failed))
	for _, event := range failed {
		if event.EscalatedAt != nil {
			continue
		}
		if err := r.escalator.Escalate(ctx, event); err != nil {
			r.logger.Error().Err(err).Str(logging.FieldEventID, event.ID).Msg("failed to escalate outbox event")
			continue
		}
		r.metrics.escalated.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", event.EventType)))
		escalated = append(escalated, event.ID)
	}
	if len(escalated) == 0 {
		return 0, nil
	}

	if err := r.outbox.MarkEscalated(ctx, escalated, r.clock.Now()); err != nil {
		return 0, fmt.Errorf("mark events escalated: %w", err)
	}
	return len(escalated), nil
}

func (r *Relay) purge(ctx context.Context) (int64, error) {
	now := r.clock.Now()
	if !r.lastPurge.IsZero() && now.Sub(r.lastPurge) < r.purgeInterval {
		return 0, nil
	}

	purged, err := r.outbox.PurgeExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("purge expired events: %w", err)
	}
	r.lastPurge = now
	if purged > 0 {
		r.logger.Info().Int64("purged", purged).Msg("purged expired outbox events")
	}
	return purged, nil
}
