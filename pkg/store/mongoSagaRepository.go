package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel/codes"

	"github.com/zoff-tech/order-saga/pkg/errs"
	"github.com/zoff-tech/order-saga/pkg/saga"
)

type sagaDocument struct {
	ID                   string                     `bson:"_id"`
	AggregateID          string                     `bson:"aggregate_id"`
	CurrentStep          string                     `bson:"current_step"`
	Steps                map[string]saga.StepRecord `bson:"steps"`
	CompensationRequired bool                       `bson:"compensation_required"`
	CompensationReason   string                     `bson:"compensation_reason,omitempty"`
	CompletedAt          *time.Time                 `bson:"completed_at"`
	CompensatedAt        *time.Time                 `bson:"compensated_at"`
	Halted               bool                       `bson:"halted"`
	HaltReason           string                     `bson:"halt_reason,omitempty"`
	Version              int64                      `bson:"version"`
	CreatedAt            time.Time                  `bson:"created_at"`
	UpdatedAt            time.Time                  `bson:"updated_at"`
}

func toSagaDocument(s *saga.State) sagaDocument {
	steps := make(map[string]saga.StepRecord, len(s.Steps))
	for k, v := range s.Steps {
		steps[string(k)] = v
	}
	return sagaDocument{
		ID:                   s.ID,
		AggregateID:          s.AggregateID,
		CurrentStep:          string(s.CurrentStep),
		Steps:                steps,
		CompensationRequired: s.CompensationRequired,
		CompensationReason:   s.CompensationReason,
		CompletedAt:          s.CompletedAt,
		CompensatedAt:        s.CompensatedAt,
		Halted:               s.Halted,
		HaltReason:           s.HaltReason,
		Version:              s.Version,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
}

func (d sagaDocument) state() *saga.State {
	steps := make(map[saga.Step]saga.StepRecord, len(d.Steps))
	for k, v := range d.Steps {
		v.RecordedAt = v.RecordedAt.UTC()
		steps[saga.Step(k)] = v
	}
	utc := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		v := t.UTC()
		return &v
	}
	return &saga.State{
		ID:                   d.ID,
		AggregateID:          d.AggregateID,
		CurrentStep:          saga.Step(d.CurrentStep),
		Steps:                steps,
		CompensationRequired: d.CompensationRequired,
		CompensationReason:   d.CompensationReason,
		CompletedAt:          utc(d.CompletedAt),
		CompensatedAt:        utc(d.CompensatedAt),
		Halted:               d.Halted,
		HaltReason:           d.HaltReason,
		Version:              d.Version,
		CreatedAt:            d.CreatedAt.UTC(),
		UpdatedAt:            d.UpdatedAt.UTC(),
	}
}

// MongoSagaRepository stores saga states as documents keyed by saga id.
type MongoSagaRepository struct {
	collection *mongo.Collection
}

func NewMongoSagaRepository(collection *mongo.Collection) *MongoSagaRepository {
	return &MongoSagaRepository{collection: collection}
}

// EnsureIndexes creates the aggregate id (unique) and compensation access paths.
func (m *MongoSagaRepository) EnsureIndexes(ctx context.Context) error {
	_, err := m.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "aggregate_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "compensation_required", Value: 1}, {Key: "updated_at", Value: 1}}},
	})
	if err != nil {
		return classifyMongo("create saga indexes", err)
	}
	return nil
}

func (m *MongoSagaRepository) Create(ctx context.Context, state *saga.State) error {
	ctx, span, start := startSpan(ctx, "CreateSaga", "mongodb")
	defer span.End()

	doc := toSagaDocument(state)
	doc.Version = 1
	if _, err := m.collection.InsertOne(ctx, doc); err != nil {
		err = classifyMongo("create saga", err)
		span.RecordError(err)
		return err
	}
	state.Version = 1
	addDBStatsToSpan(span, "CreateSaga", 1, time.Since(start))
	return nil
}

func (m *MongoSagaRepository) Get(ctx context.Context, sagaID string) (*saga.State, error) {
	return m.findOne(ctx, "GetSaga", bson.M{"_id": sagaID})
}

func (m *MongoSagaRepository) FindByAggregateID(ctx context.Context, aggregateID string) (*saga.State, error) {
	return m.findOne(ctx, "FindSagaByAggregateID", bson.M{"aggregate_id": aggregateID})
}

func (m *MongoSagaRepository) Update(ctx context.Context, state *saga.State) error {
	ctx, span, start := startSpan(ctx, "UpdateSaga", "mongodb")
	defer span.End()

	doc := toSagaDocument(state)
	filter := bson.M{"_id": state.ID, "version": state.Version}
	update := bson.M{
		"$set": bson.M{
			"current_step":          doc.CurrentStep,
			"steps":                 doc.Steps,
			"compensation_required": doc.CompensationRequired,
			"compensation_reason":   doc.CompensationReason,
			"completed_at":          doc.CompletedAt,
			"compensated_at":        doc.CompensatedAt,
			"halted":                doc.Halted,
			"halt_reason":           doc.HaltReason,
			"updated_at":            doc.UpdatedAt,
		},
		"$inc": bson.M{"version": 1},
	}
	res, err := m.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		err = classifyMongo("update saga", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if res.MatchedCount == 0 {
		err = fmt.Errorf("saga %s version %d is stale: %w", state.ID, state.Version, errs.ErrStorageConflict)
		span.RecordError(err)
		return err
	}
	state.Version++
	addDBStatsToSpan(span, "UpdateSaga", int(res.ModifiedCount), time.Since(start))
	return nil
}

func (m *MongoSagaRepository) ListCompensationRequired(ctx context.Context, limit int) ([]*saga.State, error) {
	ctx, span, start := startSpan(ctx, "ListCompensationRequired", "mongodb")
	defer span.End()

	filter := bson.M{"compensation_required": true, "compensated_at": nil}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := m.collection.Find(ctx, filter, opts)
	if err != nil {
		err = classifyMongo("list compensation required", err)
		span.RecordError(err)
		return nil, err
	}
	defer cursor.Close(ctx)

	var states []*saga.State
	for cursor.Next(ctx) {
		var doc sagaDocument
		if err := cursor.Decode(&doc); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to decode saga: %w", err)
		}
		states = append(states, doc.state())
	}
	if err := cursor.Err(); err != nil {
		err = classifyMongo("list compensation required", err)
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "ListCompensationRequired", len(states), time.Since(start))
	return states, nil
}

func (m *MongoSagaRepository) findOne(ctx context.Context, spanName string, filter bson.M) (*saga.State, error) {
	ctx, span, start := startSpan(ctx, spanName, "mongodb")
	defer span.End()

	var doc sagaDocument
	if err := m.collection.FindOne(ctx, filter).Decode(&doc); err != nil {
		err = classifyMongo(spanName, err)
		if !errors.Is(err, errs.ErrNotFound) {
			span.RecordError(err)
		}
		return nil, err
	}
	addDBStatsToSpan(span, spanName, 1, time.Since(start))
	return doc.state(), nil
}

func classifyMongo(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%s: %w", op, errs.ErrNotFound)
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%s: %w: %w", op, errs.ErrStorageConflict, err)
	case mongo.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", op, context.DeadlineExceeded, err)
	}
	return fmt.Errorf("%s: %w: %w", op, errs.ErrStorage, err)
}
