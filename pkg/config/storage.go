package config

import "time"

// DbSettings selects the store holding orders and their outbox events.
type DbSettings struct {
	Type string `mapstructure:"type" validate:"required,oneof=postgres spanner memory"`
	// Driver is the database/sql driver name for postgres: "postgres" (lib/pq) or "pgx".
	Driver          string        `mapstructure:"driver" validate:"omitempty,oneof=postgres pgx"`
	DSN             string        `mapstructure:"dsn" validate:"required_if=Type postgres"`
	URI             string        `mapstructure:"uri" validate:"required_if=Type spanner"` // projects/p/instances/i/databases/d
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	OutboxRetention time.Duration `mapstructure:"outbox_retention" validate:"gt=0"`
}

// SagaStoreSettings selects the saga state repository.
type SagaStoreSettings struct {
	Type       string `mapstructure:"type" validate:"required,oneof=postgres mongo memory"`
	URI        string `mapstructure:"uri" validate:"required_if=Type mongo"`
	DBName     string `mapstructure:"db_name" validate:"required_if=Type mongo"`
	Collection string `mapstructure:"collection"`
}

// IdempotencySettings selects the processed-event store behind the idempotency guard.
type IdempotencySettings struct {
	Type          string        `mapstructure:"type" validate:"required,oneof=postgres redis mongo memory"`
	RedisAddr     string        `mapstructure:"redis_addr" validate:"required_if=Type redis"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db" validate:"gte=0"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	MongoURI      string        `mapstructure:"mongo_uri" validate:"required_if=Type mongo"`
	DBName        string        `mapstructure:"db_name" validate:"required_if=Type mongo"`
	Collection    string        `mapstructure:"collection"`
	TTL           time.Duration `mapstructure:"ttl" validate:"gt=0"`
	// PurgeInterval is how often expired records are deleted by stores without native expiry.
	PurgeInterval time.Duration `mapstructure:"purge_interval" validate:"gte=0"`
}
