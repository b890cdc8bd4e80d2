package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	configName = "order-saga"
	envPrefix  = "ORDERSAGA"
)

type Settings struct {
	Environment   string              `mapstructure:"environment"`
	Database      DbSettings          `mapstructure:"database"`
	SagaStore     SagaStoreSettings   `mapstructure:"saga_store"`
	Idempotency   IdempotencySettings `mapstructure:"idempotency"`
	Broker        BrokerSettings      `mapstructure:"broker"`
	Consumer      ConsumerSettings    `mapstructure:"consumer"`
	Relay         RelaySettings       `mapstructure:"relay"`
	Logging       LoggingSettings     `mapstructure:"logging"`
	Observability Observability       `mapstructure:"observability"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// envKeys are bound explicitly so env-only deployments work without a config file.
var envKeys = []string{
	"environment",
	"database.type",
	"database.driver",
	"database.dsn",
	"database.uri",
	"database.max_open_conns",
	"database.outbox_retention",
	"saga_store.type",
	"saga_store.uri",
	"saga_store.db_name",
	"saga_store.collection",
	"idempotency.type",
	"idempotency.redis_addr",
	"idempotency.redis_password",
	"idempotency.redis_db",
	"idempotency.key_prefix",
	"idempotency.mongo_uri",
	"idempotency.db_name",
	"idempotency.collection",
	"idempotency.ttl",
	"idempotency.purge_interval",
	"broker.type",
	"broker.url",
	"broker.exchange",
	"broker.project_id",
	"broker.brokers",
	"broker.topic",
	"broker.pool_size",
	"broker.breaker.enabled",
	"broker.breaker.max_failures",
	"broker.breaker.open_timeout",
	"consumer.queue",
	"consumer.topics",
	"consumer.dead_letter_topic",
	"consumer.concurrency",
	"relay.poll_interval",
	"relay.batch_size",
	"relay.max_retries",
	"relay.dead_letter_topic",
	"logging.level",
	"logging.pretty",
	"observability.enabled",
	"observability.service_name",
	"observability.tracing_url",
	"observability.metrics_url",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.outbox_retention", 14*24*time.Hour)
	v.SetDefault("saga_store.collection", "sagas")
	v.SetDefault("idempotency.key_prefix", "order-saga:processed:")
	v.SetDefault("idempotency.collection", "processed_events")
	v.SetDefault("idempotency.ttl", 7*24*time.Hour)
	v.SetDefault("idempotency.purge_interval", time.Hour)
	v.SetDefault("broker.topic", "order-events")
	v.SetDefault("broker.pool_size", 5)
	v.SetDefault("broker.breaker.max_failures", 5)
	v.SetDefault("broker.breaker.open_timeout", 30*time.Second)
	v.SetDefault("consumer.concurrency", 1)
	v.SetDefault("relay.poll_interval", 30*time.Second)
	v.SetDefault("relay.batch_size", 100)
	v.SetDefault("relay.max_retries", 5)
	v.SetDefault("logging.level", "info")
	v.SetDefault("observability.service_name", "order-saga")
}

// LoadFromFile reads order-saga.yaml and order-saga.<ENVIRONMENT>.yaml from filePath or the
// working directory, overlays ORDERSAGA_* environment variables and validates the result.
// A missing config file is not an error.
func LoadFromFile(filePath string) (*Settings, error) {
	// .env is optional
	_ = godotenv.Load(envFile(filePath)...)

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetConfigName(configName)
	v.AddConfigPath(filePath)
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := mergeConfig(v, filePath, configName+"."+env); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to merge %s config: %w", env, err)
		}
	}

	if err := bindEnv(v); err != nil {
		return nil, err
	}

	cfg := &Settings{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Environment == "" {
		cfg.Environment = env
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // ORDERSAGA_DATABASE_TYPE
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}
	return nil
}

func mergeConfig(v *viper.Viper, path string, name string) error {
	v.SetConfigName(name)
	v.AddConfigPath(path)
	return v.MergeInConfig()
}

func envFile(path string) []string {
	candidate := path + string(os.PathSeparator) + ".env"
	if _, err := os.Stat(candidate); err == nil {
		return []string{candidate}
	}
	return nil
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
