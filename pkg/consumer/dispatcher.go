// Package consumer turns broker deliveries into calls on the saga event handlers.
//
// Every delivery is decoded, passed through the idempotency guard and routed by event type.
// The handler result decides the fate of the message: nil acknowledges it, a retryable error
// asks the broker for redelivery and a terminal error acknowledges it after publishing the
// message to the dead-letter topic.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/zoff-tech/order-saga/pkg/broker"
	"github.com/zoff-tech/order-saga/pkg/errs"
	"github.com/zoff-tech/order-saga/pkg/idempotency"
	"github.com/zoff-tech/order-saga/pkg/logging"
	"github.com/zoff-tech/order-saga/schema"
)

const (
	meterName = "order-saga/consumer"

	defaultPurgeInterval = time.Hour
)

// HeaderDeadLetterReason carries the terminal error on dead-lettered messages.
const HeaderDeadLetterReason = "dead_letter_reason"

// Delivery outcomes recorded on the saga.events.consumed counter.
const (
	OutcomeHandled      = "handled"
	OutcomeRetry        = "retry"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeIgnored      = "ignored"
)

// Dispatcher routes inbound messages to idempotency guarded handlers.
type Dispatcher struct {
	guard           idempotency.Guard
	ttl             time.Duration
	purgeInterval   time.Duration
	routes          map[string]idempotency.Handler
	deadLetter      broker.MessageBroker
	deadLetterTopic string
	clock           clockwork.Clock
	logger          zerolog.Logger
	provider        metric.MeterProvider
	consumed        metric.Int64Counter
}

type Option func(*Dispatcher)

func WithClock(clock clockwork.Clock) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithTTL sets how long processed event ids are remembered.
func WithTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) { d.ttl = ttl }
}

// WithDeadLetter publishes terminally failed messages to topic. Without it they are only logged.
// WithPurgeInterval sets how often expired claims are deleted when the guard is an
// idempotency.Purger.
func WithPurgeInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.purgeInterval = interval
		}
	}
}

func WithDeadLetter(publisher broker.MessageBroker, topic string) Option {
	return func(d *Dispatcher) {
		d.deadLetter = publisher
		d.deadLetterTopic = topic
	}
}

func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(d *Dispatcher) { d.provider = provider }
}

func NewDispatcher(guard idempotency.Guard, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		guard:  guard,
		ttl:           idempotency.DefaultTTL,
		purgeInterval: defaultPurgeInterval,
		routes:        map[string]idempotency.Handler{},
		clock:         clockwork.NewRealClock(),
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}

	provider := d.provider
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	consumed, err := provider.Meter(meterName).Int64Counter(
		"saga.events.consumed",
		metric.WithDescription("Number of inbound events by delivery outcome"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create saga.events.consumed counter: %w", err)
	}
	d.consumed = consumed
	return d, nil
}

// Register routes eventType to handler. A later registration for the same type replaces the
// earlier one.
func (d *Dispatcher) Register(eventType string, handler idempotency.Handler) {
	d.routes[eventType] = idempotency.Guarded(d.guard, d.ttl, d.clock, d.logger, handler)
}

// EventTypes lists the registered event types.
func (d *Dispatcher) EventTypes() []string {
	types := make([]string, 0, len(d.routes))
	for eventType := range d.routes {
		types = append(types, eventType)
	}
	return types
}

// Run consumes from sub until ctx is cancelled. Guards that implement idempotency.Purger are
// purged of expired claims on the purge interval meanwhile.
func (d *Dispatcher) Run(ctx context.Context, sub broker.Subscriber) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if purger, ok := d.guard.(idempotency.Purger); ok {
		go d.purgeLoop(ctx, purger)
	}
	return sub.Subscribe(ctx, d.Handle)
}

func (d *Dispatcher) purgeLoop(ctx context.Context, purger idempotency.Purger) {
	ticker := d.clock.NewTicker(d.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			purged, err := purger.PurgeExpired(ctx, d.clock.Now())
			if err != nil {
				d.logger.Error().Err(err).Msg("failed to purge expired processed events")
				continue
			}
			if purged > 0 {
				d.logger.Info().Int64("purged", purged).Msg("purged expired processed events")
			}
		}
	}
}

// Handle is a broker.Handler.
func (d *Dispatcher) Handle(ctx context.Context, msg broker.Message) error {
	log := d.logger.With().
		Str(logging.FieldEventID, msg.ID).
		Str(logging.FieldEventType, msg.Type).
		Logger()

	event, err := schema.Decode(msg.Payload)
	if err != nil {
		if errors.Is(err, errs.ErrUnknownEvent) {
			log.Debug().Err(err).Msg("ignoring event of unknown type")
			d.record(ctx, msg.Type, OutcomeIgnored)
			return nil
		}
		d.deadLetterMessage(ctx, log, msg, err)
		return nil
	}

	handler, ok := d.routes[event.Type()]
	if !ok {
		log.Debug().Msg("no handler registered, acknowledging")
		d.record(ctx, event.Type(), OutcomeIgnored)
		return nil
	}

	err = handler(ctx, event)
	switch {
	case err == nil:
		d.record(ctx, event.Type(), OutcomeHandled)
		return nil
	case errs.IsRetryable(err):
		log.Warn().Err(err).Str(logging.FieldAggregateID, event.AggregateID).Msg("event handling failed, requesting redelivery")
		d.record(ctx, event.Type(), OutcomeRetry)
		return err
	default:
		d.deadLetterMessage(ctx, log.With().Str(logging.FieldAggregateID, event.AggregateID).Logger(), msg, err)
		return nil
	}
}

func (d *Dispatcher) deadLetterMessage(ctx context.Context, log zerolog.Logger, msg broker.Message, cause error) {
	log.Error().Err(cause).Msg("event handling failed permanently")
	d.record(ctx, msg.Type, OutcomeDeadLettered)

	if d.deadLetter == nil || d.deadLetterTopic == "" {
		return
	}

	headers := make(map[string]string, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderDeadLetterReason] = cause.Error()
	msg.Headers = headers

	// the claim is kept, so a redelivery would be skipped as a duplicate; log and acknowledge
	if err := d.deadLetter.PublishTo(context.WithoutCancel(ctx), d.deadLetterTopic, msg); err != nil {
		log.Error().Err(err).Str("topic", d.deadLetterTopic).Msg("failed to publish dead letter")
	}
}

func (d *Dispatcher) record(ctx context.Context, eventType, outcome string) {
	d.consumed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	))
}
