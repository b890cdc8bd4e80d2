package broker

import (
	"context"
	"errors"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"

	"github.com/zoff-tech/order-saga/pkg/config"
)

// PubSubBrokerCreator defines a function type for creating Pub/Sub clients.
type PubSubBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (MessageBroker, error)

// NewPubSubClient is the default implementation of PubSubBrokerCreator.
var NewPubSubClient PubSubBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (MessageBroker, error) {
	if settings.Topic == "" {
		return nil, errors.New("topic is required for gcp-pubsub")
	}
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	return newPubSubBroker(client, settings.Topic), nil
}

// pubSubBroker publishes with the aggregate id as ordering key, so events of one order are
// delivered in commit order.
type pubSubBroker struct {
	client *pubsub.Client
	topic  string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func newPubSubBroker(client *pubsub.Client, topic string) *pubSubBroker {
	return &pubSubBroker{client: client, topic: topic, topics: map[string]*pubsub.Topic{}}
}

func (p *pubSubBroker) Publish(ctx context.Context, msg Message) error {
	return p.publish(ctx, p.topic, msg)
}

func (p *pubSubBroker) PublishTo(ctx context.Context, destination string, msg Message) error {
	return p.publish(ctx, destination, msg)
}

func (p *pubSubBroker) publish(ctx context.Context, topicID string, msg Message) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(topicID),
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

	topic := p.topicFor(topicID)
	res := topic.Publish(ctx, &pubsub.Message{
		Data:        msg.Payload,
		Attributes:  withTraceHeaders(ctx, msg.Headers),
		OrderingKey: msg.Key,
	})
	// wait for server ack
	if _, err := res.Get(ctx); err != nil {
		if msg.Key != "" {
			// ordered publishing pauses the key after a failure
			topic.ResumePublish(msg.Key)
		}
		return deliveryError("publish "+msg.ID, err)
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Payload)),
	)
	return nil
}

func (p *pubSubBroker) topicFor(id string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()

	topic, ok := p.topics[id]
	if !ok {
		topic = p.client.Topic(id)
		topic.EnableMessageOrdering = true
		p.topics[id] = topic
	}
	return topic
}

func (p *pubSubBroker) Close() error {
	p.mu.Lock()
	for _, topic := range p.topics {
		topic.Stop()
	}
	p.mu.Unlock()
	return p.client.Close()
}

// pubSubSubscriber receives from the subscription named by the consumer queue.
type pubSubSubscriber struct {
	client       *pubsub.Client
	subscription string
	concurrency  int
}

func NewPubSubSubscriber(ctx context.Context, settings *config.BrokerSettings, consumer config.ConsumerSettings, opts ...option.ClientOption) (Subscriber, error) {
	if consumer.Queue == "" {
		return nil, errors.New("consumer queue (subscription id) is required for gcp-pubsub")
	}
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	return &pubSubSubscriber{client: client, subscription: consumer.Queue, concurrency: consumer.Concurrency}, nil
}

func (s *pubSubSubscriber) Subscribe(ctx context.Context, handler Handler) error {
	sub := s.client.Subscription(s.subscription)
	sub.ReceiveSettings.MaxOutstandingMessages = max(s.concurrency, 1)

	return sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		msg := messageFromHeaders(m.Data, m.Attributes)
		if msg.ID == "" {
			msg.ID = m.ID
		}

		ctx, span := otel.Tracer(tracerName).Start(extractTrace(ctx, m.Attributes), "Consume",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				semconv.MessagingSystemKey.String("pubsub"),
				semconv.MessagingDestinationKey.String(s.subscription),
				semconv.MessagingMessageIDKey.String(msg.ID),
			),
		)
		defer span.End()

		if err := handler(ctx, msg); err != nil {
			span.RecordError(err)
			m.Nack()
			return
		}
		m.Ack()
	})
}

func (s *pubSubSubscriber) Close() error {
	return s.client.Close()
}
