package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/order-saga/pkg/idempotency"
)

// PostgresIdempotencyStore claims event ids in the processed_events table. An expired record
// that was not purged yet is replaced by a new claim.
type PostgresIdempotencyStore struct {
	db *sql.DB
}

func NewPostgresIdempotencyStore(db *sql.DB) *PostgresIdempotencyStore {
	return &PostgresIdempotencyStore{db: db}
}

func (p *PostgresIdempotencyStore) TryClaim(ctx context.Context, rec idempotency.Record) (bool, error) {
	ctx, span, start := startSpan(ctx, "TryClaim", "postgresql")
	defer span.End()

	res, err := p.db.ExecContext(ctx,
		`INSERT INTO processed_events (event_id, event_type, aggregate_id, processed_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (event_id) DO UPDATE
		 SET event_type = EXCLUDED.event_type, aggregate_id = EXCLUDED.aggregate_id,
		     processed_at = EXCLUDED.processed_at, expires_at = EXCLUDED.expires_at
		 WHERE processed_events.expires_at <= EXCLUDED.processed_at`,
		rec.EventID, rec.EventType, rec.AggregateID, rec.ProcessedAt, rec.ExpiresAt)
	if err != nil {
		err = classifyPostgres("claim event "+rec.EventID, err)
		span.RecordError(err)
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, classifyPostgres("claim event "+rec.EventID, err)
	}
	addDBStatsToSpan(span, "TryClaim", int(affected), time.Since(start))
	return affected == 1, nil
}

func (p *PostgresIdempotencyStore) Release(ctx context.Context, eventID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM processed_events WHERE event_id = $1`, eventID)
	return classifyPostgres("release event "+eventID, err)
}

// PurgeExpired deletes records past their expiry.
func (p *PostgresIdempotencyStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM processed_events WHERE expires_at < $1`, now.UTC())
	if err != nil {
		return 0, classifyPostgres("purge processed events", err)
	}
	n, err := res.RowsAffected()
	return n, classifyPostgres("purge processed events", err)
}

// MongoIdempotencyStore claims event ids with an insert on _id; a TTL index on expires_at
// removes old records.
type MongoIdempotencyStore struct {
	collection *mongo.Collection
}

func NewMongoIdempotencyStore(collection *mongo.Collection) *MongoIdempotencyStore {
	return &MongoIdempotencyStore{collection: collection}
}

func (m *MongoIdempotencyStore) EnsureIndexes(ctx context.Context) error {
	_, err := m.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return classifyMongo("create processed event ttl index", err)
	}
	return nil
}

func (m *MongoIdempotencyStore) TryClaim(ctx context.Context, rec idempotency.Record) (bool, error) {
	ctx, span, start := startSpan(ctx, "TryClaim", "mongodb")
	defer span.End()

	if _, err := m.collection.InsertOne(ctx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		err = classifyMongo("claim event "+rec.EventID, err)
		span.RecordError(err)
		return false, err
	}
	addDBStatsToSpan(span, "TryClaim", 1, time.Since(start))
	return true, nil
}

func (m *MongoIdempotencyStore) Release(ctx context.Context, eventID string) error {
	_, err := m.collection.DeleteOne(ctx, bson.M{"_id": eventID})
	return classifyMongo("release event "+eventID, err)
}

// MemoryIdempotencyStore keeps claims in process memory and expires them against its clock.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]idempotency.Record
	clock   clockwork.Clock
}

func NewMemoryIdempotencyStore(clock clockwork.Clock) *MemoryIdempotencyStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryIdempotencyStore{records: map[string]idempotency.Record{}, clock: clock}
}

func (m *MemoryIdempotencyStore) TryClaim(_ context.Context, rec idempotency.Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[rec.EventID]; ok && m.clock.Now().Before(existing.ExpiresAt) {
		return false, nil
	}
	m.records[rec.EventID] = rec
	return true, nil
}

// PurgeExpired drops records that expired before now.
func (m *MemoryIdempotencyStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, rec := range m.records {
		if rec.ExpiresAt.Before(now) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryIdempotencyStore) Release(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, eventID)
	return nil
}

// Len returns the number of live claims.
func (m *MemoryIdempotencyStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	n := 0
	for _, rec := range m.records {
		if now.Before(rec.ExpiresAt) {
			n++
		}
	}
	return n
}

var (
	_ idempotency.Guard = (*PostgresIdempotencyStore)(nil)
	_ idempotency.Guard = (*MongoIdempotencyStore)(nil)
	_ idempotency.Guard = (*MemoryIdempotencyStore)(nil)
	_ idempotency.Guard = (*idempotency.RedisGuard)(nil)

	_ idempotency.Purger = (*PostgresIdempotencyStore)(nil)
	_ idempotency.Purger = (*MemoryIdempotencyStore)(nil)
)
