package broker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/order-saga/pkg/config"
	"github.com/zoff-tech/order-saga/pkg/logging"
)

type KafkaBrokerCreator func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error)

var NewKafkaBroker KafkaBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error) {
	if len(settings.Brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	if settings.Topic == "" {
		return nil, errors.New("topic is required for kafka")
	}
	return &kafkaBroker{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(settings.Brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		topic: settings.Topic,
	}, nil
}

// kafkaMessageWriter is the subset of *kafka.Writer the broker uses.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// kafkaBroker keys records by aggregate id; the hash balancer keeps an order on one partition.
type kafkaBroker struct {
	writer kafkaMessageWriter
	topic  string
}

func (k *kafkaBroker) Publish(ctx context.Context, msg Message) error {
	return k.publish(ctx, k.topic, msg)
}

func (k *kafkaBroker) PublishTo(ctx context.Context, destination string, msg Message) error {
	return k.publish(ctx, destination, msg)
}

func (k *kafkaBroker) publish(ctx context.Context, topic string, msg Message) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("kafka"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(topic),
			semconv.MessagingKafkaMessageKeyKey.String(msg.Key),
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

	if err := k.writer.WriteMessages(ctx, kafkaMessage(ctx, topic, msg)); err != nil {
		return deliveryError("publish "+msg.ID, err)
	}
	span.SetAttributes(attribute.Int("messaging.message_payload_size_bytes", len(msg.Payload)))
	return nil
}

func kafkaMessage(ctx context.Context, topic string, msg Message) kafka.Message {
	headers := withTraceHeaders(ctx, msg.Headers)
	kafkaHeaders := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		kafkaHeaders = append(kafkaHeaders, kafka.Header{Key: k, Value: []byte(v)})
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.Key),
		Value:   msg.Payload,
		Headers: kafkaHeaders,
		Time:    time.Now().UTC(),
	}
}

func messageFromKafka(m kafka.Message) Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	msg := messageFromHeaders(m.Value, headers)
	if msg.Key == "" {
		msg.Key = string(m.Key)
	}
	return msg
}

func (k *kafkaBroker) Close() error {
	return k.writer.Close()
}

// kafkaMessageReader is the subset of *kafka.Reader the subscriber uses.
type kafkaMessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// kafkaSubscriber reads the consumer topics as one consumer group. Kafka has no per-message
// nack: a failed message is retried in place with backoff and its offset is committed only
// after the handler succeeds.
type kafkaSubscriber struct {
	reader     kafkaMessageReader
	retryDelay time.Duration
	maxDelay   time.Duration
}

func NewKafkaSubscriber(settings *config.BrokerSettings, consumer config.ConsumerSettings) (Subscriber, error) {
	if consumer.Queue == "" || len(consumer.Topics) == 0 {
		return nil, errors.New("consumer queue (group id) and topics are required for kafka")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     settings.Brokers,
		GroupID:     consumer.Queue,
		GroupTopics: consumer.Topics,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return &kafkaSubscriber{reader: reader, retryDelay: 500 * time.Millisecond, maxDelay: 30 * time.Second}, nil
}

func (s *kafkaSubscriber) Subscribe(ctx context.Context, handler Handler) error {
	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := s.handle(ctx, m, handler); err != nil {
			// only returns once ctx is done
			return nil
		}
		if err := s.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *kafkaSubscriber) handle(ctx context.Context, m kafka.Message, handler Handler) error {
	msg := messageFromKafka(m)
	delay := s.retryDelay
	for {
		err := s.handleOnce(ctx, m, msg, handler)
		if err == nil {
			return nil
		}
		log.Warn().Err(err).
			Str(logging.FieldEventID, msg.ID).
			Str("topic", m.Topic).
			Int64("offset", m.Offset).
			Dur("retry_in", delay).
			Msg("kafka handler failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, s.maxDelay)
	}
}

func (s *kafkaSubscriber) handleOnce(ctx context.Context, m kafka.Message, msg Message, handler Handler) error {
	ctx, span := otel.Tracer(tracerName).Start(extractTrace(ctx, msg.Headers), "Consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("kafka"),
			semconv.MessagingDestinationKey.String(m.Topic),
			semconv.MessagingKafkaPartitionKey.Int(m.Partition),
			semconv.MessagingMessageIDKey.String(msg.ID),
		),
	)
	defer span.End()

	err := handler(ctx, msg)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (s *kafkaSubscriber) Close() error {
	return s.reader.Close()
}
