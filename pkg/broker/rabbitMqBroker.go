package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/order-saga/pkg/config"
	"github.com/zoff-tech/order-saga/pkg/logging"
)

const exchangeKind = "topic"

type RabbitMQBrokerCreator func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error)

var NewRabbitMqBroker RabbitMQBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("poolSize must be greater than 0")
	}

	broker := &rabbitMqBroker{
		channelPool:     make(chan *pooledChannel, settings.PoolSize),
		settings:        settings,
		reconnectTicker: time.NewTicker(5 * time.Second),
		stopReconnect:   make(chan struct{}),
	}

	if err := broker.connectAndInitialize(); err != nil {
		broker.reconnectTicker.Stop()
		return nil, err
	}

	go broker.recoverConnection()

	return broker, nil
}

// rabbitMqBroker publishes to one topic exchange. Order events use their type as routing key.
type rabbitMqBroker struct {
	connection      amqpConnection
	channelPool     chan *pooledChannel
	mu              sync.Mutex
	closed          bool
	settings        *config.BrokerSettings
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
}

func (r *rabbitMqBroker) Publish(ctx context.Context, msg Message) error {
	return r.publish(ctx, msg.Type, msg)
}

func (r *rabbitMqBroker) PublishTo(ctx context.Context, destination string, msg Message) error {
	return r.publish(ctx, destination, msg)
}

func (r *rabbitMqBroker) publish(ctx context.Context, routingKey string, msg Message) (err error) {
	exchange := r.settings.Exchange
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindKey.String(exchangeKind),
			semconv.MessagingDestinationKey.String(exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(routingKey),
			semconv.MessagingMessageIDKey.String(msg.ID),
		),
	)
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	amqpHeaders := make(amqp.Table)
	for k, v := range withTraceHeaders(ctx, msg.Headers) {
		amqpHeaders[k] = v
	}

	pooledChan, err := r.getChannel()
	if err != nil {
		return deliveryError("get channel", err)
	}
	defer r.releaseChannel(pooledChan)

	// ExchangeDeclare is idempotent and has no effect if the exchange is already in place
	err = pooledChan.channel.ExchangeDeclare(
		exchange,     // name of the exchange
		exchangeKind, // type of the exchange
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return deliveryError("failed to declare exchange", err)
	}

	err = pooledChan.channel.Publish(
		exchange, routingKey, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Type:         msg.Type,
			Body:         msg.Payload,
			Headers:      amqpHeaders,
		},
	)
	if err != nil {
		return deliveryError("publish "+msg.ID, err)
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Payload)),
	)
	return nil
}

func (r *rabbitMqBroker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	close(r.stopReconnect)
	r.reconnectTicker.Stop()

	r.drainPool(r.channelPool)

	if r.connection != nil {
		return r.connection.Close()
	}
	return nil
}

// rabbitMqSubscriber consumes one durable queue bound to the exchange with the configured
// routing keys.
type rabbitMqSubscriber struct {
	connection amqpConnection
	exchange   string
	consumer   config.ConsumerSettings
}

func NewRabbitMqSubscriber(settings *config.BrokerSettings, consumer config.ConsumerSettings) (Subscriber, error) {
	if consumer.Queue == "" {
		return nil, errors.New("consumer queue is required for rabbitmq")
	}
	conn, err := dialAMQP(settings.URL)
	if err != nil {
		return nil, err
	}
	return &rabbitMqSubscriber{connection: conn, exchange: settings.Exchange, consumer: consumer}, nil
}

func (s *rabbitMqSubscriber) Subscribe(ctx context.Context, handler Handler) error {
	ch, err := s.connection.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(s.exchange, exchangeKind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(s.consumer.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	for _, key := range s.consumer.Topics {
		if err := ch.QueueBind(s.consumer.Queue, key, s.exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue to %s: %w", key, err)
		}
	}
	workers := max(s.consumer.Concurrency, 1)
	if err := ch.Qos(workers, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}
	deliveries, err := ch.Consume(s.consumer.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", s.consumer.Queue, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					s.handle(ctx, d, handler)
				}
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return errors.New("rabbitmq delivery channel closed")
}

func (s *rabbitMqSubscriber) handle(ctx context.Context, d amqp.Delivery, handler Handler) {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if str, ok := v.(string); ok {
			headers[k] = str
		}
	}
	msg := messageFromHeaders(d.Body, headers)
	if msg.ID == "" {
		msg.ID = d.MessageId
	}
	if msg.Type == "" {
		msg.Type = d.Type
	}

	ctx, span := otel.Tracer(tracerName).Start(extractTrace(ctx, headers), "Consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKey.String(s.exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(d.RoutingKey),
			semconv.MessagingMessageIDKey.String(msg.ID),
		),
	)
	defer span.End()

	if err := handler(ctx, msg); err != nil {
		span.RecordError(err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.Error().Err(nackErr).Str(logging.FieldEventID, msg.ID).Msg("failed to nack delivery")
		}
		return
	}
	if err := d.Ack(false); err != nil {
		log.Error().Err(err).Str(logging.FieldEventID, msg.ID).Msg("failed to ack delivery")
	}
}

func (s *rabbitMqSubscriber) Close() error {
	return s.connection.Close()
}
