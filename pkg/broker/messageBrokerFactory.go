package broker

import (
	"context"
	"fmt"

	"github.com/zoff-tech/order-saga/pkg/config"
)

// NewBroker builds the publisher selected by cfg.Type, wrapped in a circuit breaker when
// enabled.
func NewBroker(ctx context.Context, cfg *config.BrokerSettings) (MessageBroker, error) {
	var (
		broker MessageBroker
		err    error
	)
	switch cfg.Type {
	case "rabbitmq":
		broker, err = NewRabbitMqBroker(ctx, cfg)
	case "gcp-pubsub":
		broker, err = NewPubSubClient(ctx, cfg)
	case "kafka":
		broker, err = NewKafkaBroker(ctx, cfg)
	case "nats":
		broker, err = NewNatsBroker(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Breaker.Enabled {
		broker = WithBreaker(broker, cfg.Type, cfg.Breaker)
	}
	return broker, nil
}

// SubscriberCreator builds the inbound side for one broker type.
type SubscriberCreator func(ctx context.Context, cfg *config.BrokerSettings, consumer config.ConsumerSettings) (Subscriber, error)

// Subscribers maps broker types to subscriber constructors. Overridable in tests.
var Subscribers = map[string]SubscriberCreator{
	"rabbitmq": func(_ context.Context, cfg *config.BrokerSettings, consumer config.ConsumerSettings) (Subscriber, error) {
		return NewRabbitMqSubscriber(cfg, consumer)
	},
	"gcp-pubsub": func(ctx context.Context, cfg *config.BrokerSettings, consumer config.ConsumerSettings) (Subscriber, error) {
		return NewPubSubSubscriber(ctx, cfg, consumer)
	},
	"kafka": func(_ context.Context, cfg *config.BrokerSettings, consumer config.ConsumerSettings) (Subscriber, error) {
		return NewKafkaSubscriber(cfg, consumer)
	},
	"nats": func(_ context.Context, cfg *config.BrokerSettings, consumer config.ConsumerSettings) (Subscriber, error) {
		return NewNatsSubscriber(cfg, consumer)
	},
}

// NewSubscriber builds the subscriber selected by cfg.Type.
func NewSubscriber(ctx context.Context, cfg *config.BrokerSettings, consumer config.ConsumerSettings) (Subscriber, error) {
	create, ok := Subscribers[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
	return create(ctx, cfg, consumer)
}
