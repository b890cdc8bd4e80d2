package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq" // registers the "postgres" driver
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/order-saga/pkg/config"
	"github.com/zoff-tech/order-saga/pkg/idempotency"
	"github.com/zoff-tech/order-saga/pkg/saga"
)

// Overridable in tests.
var (
	sqlOpen = sql.Open

	NewSpannerRepositoryFactory = func(client *spanner.Client, clock clockwork.Clock, retention time.Duration) Repository {
		return NewSpannerRepository(client, clock, retention)
	}

	mongoConnect = func(ctx context.Context, uri string) (*mongo.Client, error) {
		return mongo.Connect(ctx, options.Client().ApplyURI(uri))
	}
)

// Backends holds every store the order saga needs, built from configuration.
type Backends struct {
	Orders Repository
	Sagas  saga.Repository
	Guard  idempotency.Guard

	closers []func() error
}

// Close releases every connection opened by Open.
func (b *Backends) Close() error {
	var errList []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Open builds the configured backends. A single *sql.DB is shared by every PostgreSQL backed
// store, and one Mongo client by every Mongo backed store.
func Open(ctx context.Context, cfg *config.Settings, clock clockwork.Clock) (*Backends, error) {
	b := &Backends{}
	var (
		db          *sql.DB
		mongoClient *mongo.Client
	)

	postgres := func() (*sql.DB, error) {
		if db != nil {
			return db, nil
		}
		var err error
		db, err = openPostgres(cfg.Database)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		return db, nil
	}
	mongoDB := func(uri, name string) (*mongo.Database, error) {
		if mongoClient == nil {
			var err error
			mongoClient, err = mongoConnect(ctx, uri)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
			}
			client := mongoClient
			b.closers = append(b.closers, func() error { return client.Disconnect(context.Background()) })
		}
		return mongoClient.Database(name), nil
	}

	fail := func(err error) (*Backends, error) {
		_ = b.Close()
		return nil, err
	}

	switch cfg.Database.Type {
	case "postgres":
		conn, err := postgres()
		if err != nil {
			return fail(err)
		}
		b.Orders = NewPostgresRepository(conn, clock, cfg.Database.OutboxRetention)
	default:
		repo, err := NewRepository(ctx, cfg.Database, clock)
		if err != nil {
			return fail(err)
		}
		b.Orders = repo
		b.closers = append(b.closers, repo.Close)
	}

	switch cfg.SagaStore.Type {
	case "postgres":
		conn, err := postgres()
		if err != nil {
			return fail(err)
		}
		b.Sagas = NewPostgresSagaRepository(conn)
	case "mongo":
		database, err := mongoDB(cfg.SagaStore.URI, cfg.SagaStore.DBName)
		if err != nil {
			return fail(err)
		}
		repo := NewMongoSagaRepository(database.Collection(cfg.SagaStore.Collection))
		if err := repo.EnsureIndexes(ctx); err != nil {
			return fail(err)
		}
		b.Sagas = repo
	case "memory":
		b.Sagas = NewMemorySagaRepository()
	default:
		return fail(fmt.Errorf("unsupported saga store type: %s", cfg.SagaStore.Type))
	}

	switch cfg.Idempotency.Type {
	case "postgres":
		conn, err := postgres()
		if err != nil {
			return fail(err)
		}
		b.Guard = NewPostgresIdempotencyStore(conn)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Idempotency.RedisAddr,
			Password: cfg.Idempotency.RedisPassword,
			DB:       cfg.Idempotency.RedisDB,
		})
		b.closers = append(b.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("failed to connect to Redis: %w", err))
		}
		b.Guard = idempotency.NewRedisGuard(client, cfg.Idempotency.KeyPrefix)
	case "mongo":
		database, err := mongoDB(cfg.Idempotency.MongoURI, cfg.Idempotency.DBName)
		if err != nil {
			return fail(err)
		}
		guard := NewMongoIdempotencyStore(database.Collection(cfg.Idempotency.Collection))
		if err := guard.EnsureIndexes(ctx); err != nil {
			return fail(err)
		}
		b.Guard = guard
	case "memory":
		b.Guard = NewMemoryIdempotencyStore(clock)
	default:
		return fail(fmt.Errorf("unsupported idempotency store type: %s", cfg.Idempotency.Type))
	}

	return b, nil
}

// NewRepository builds the order and outbox repository selected by cfg.Type.
func NewRepository(ctx context.Context, cfg config.DbSettings, clock clockwork.Clock) (Repository, error) {
	switch cfg.Type {
	case "postgres":
		db, err := openPostgres(cfg)
		if err != nil {
			return nil, err
		}
		return NewPostgresRepository(db, clock, cfg.OutboxRetention), nil
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to create Spanner client: %w", err)
		}
		return NewSpannerRepositoryFactory(client, clock, cfg.OutboxRetention), nil
	case "memory":
		return NewMemoryRepository(clock, cfg.OutboxRetention), nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}

func openPostgres(cfg config.DbSettings) (*sql.DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}
	db, err := sqlOpen(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	return db, nil
}
