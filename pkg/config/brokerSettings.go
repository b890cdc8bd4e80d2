package config

import "time"

// BrokerSettings holds configuration for connecting to a message broker.
type BrokerSettings struct {
	Type      string   `mapstructure:"type" validate:"required,oneof=rabbitmq gcp-pubsub kafka nats"`
	URL       string   `mapstructure:"url"`
	Exchange  string   `mapstructure:"exchange" validate:"required_if=Type rabbitmq"`
	ProjectID string   `mapstructure:"project_id" validate:"required_if=Type gcp-pubsub"` // GCP Pub/Sub only
	Brokers   []string `mapstructure:"brokers" validate:"required_if=Type kafka"`         // Kafka bootstrap servers
	// Topic is the Pub/Sub topic, Kafka topic or NATS subject prefix that order events are published to.
	Topic    string          `mapstructure:"topic"`
	PoolSize int             `mapstructure:"pool_size" validate:"gte=0"` // RabbitMQ channel pool
	Breaker  BreakerSettings `mapstructure:"breaker"`
}

// BreakerSettings configures the circuit breaker wrapped around publishers.
type BreakerSettings struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

// ConsumerSettings configures the inbound side of the saga.
type ConsumerSettings struct {
	// Queue is the RabbitMQ queue, Pub/Sub subscription, Kafka group id or NATS queue group.
	Queue string `mapstructure:"queue"`
	// Topics lists routing keys, Kafka topics or NATS subjects to consume.
	Topics          []string `mapstructure:"topics"`
	DeadLetterTopic string   `mapstructure:"dead_letter_topic"`
	Concurrency     int      `mapstructure:"concurrency" validate:"gte=1"`
}

// RelaySettings configures the outbox relay loop.
type RelaySettings struct {
	PollInterval    time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize       int           `mapstructure:"batch_size" validate:"gt=0"`
	MaxRetries      int           `mapstructure:"max_retries" validate:"gt=0"`
	DeadLetterTopic string        `mapstructure:"dead_letter_topic"`
}
