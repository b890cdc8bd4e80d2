package store

import (
	"context"
	"testing"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/spannertest"
	"cloud.google.com/go/spanner/spansql"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/order-saga/pkg/errs"
	"github.com/zoff-tech/order-saga/pkg/order"
)

const spannerTestDDL = `
CREATE TABLE orders (
	id STRING(36) NOT NULL,
	customer_id STRING(MAX) NOT NULL,
	items STRING(MAX) NOT NULL,
	total_amount STRING(64) NOT NULL,
	currency STRING(3) NOT NULL,
	status STRING(16) NOT NULL,
	cancel_reason STRING(MAX),
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	version INT64 NOT NULL,
) PRIMARY KEY (id);
CREATE TABLE outbox_events (
	id STRING(36) NOT NULL,
	aggregate_id STRING(36) NOT NULL,
	event_type STRING(64) NOT NULL,
	payload BYTES(MAX) NOT NULL,
	published BOOL NOT NULL,
	created_at TIMESTAMP NOT NULL,
	published_at TIMESTAMP,
	retry_count INT64 NOT NULL,
	last_error STRING(MAX),
	escalated_at TIMESTAMP,
	expires_at TIMESTAMP NOT NULL,
) PRIMARY KEY (id)`

func setupSpannerTestServer(t *testing.T) (*SpannerRepository, *spanner.Client, *clockwork.FakeClock) {
	t.Helper()
	server, err := spannertest.NewServer("localhost:0")
	require.NoError(t, err)
	t.Cleanup(server.Close)

	ddl, err := spansql.ParseDDL("schema.sql", spannerTestDDL)
	require.NoError(t, err)
	require.NoError(t, server.UpdateDDL(ddl))

	t.Setenv("SPANNER_EMULATOR_HOST", server.Addr)
	client, err := spanner.NewClient(context.Background(), "projects/test-project/instances/test-instance/databases/test-database")
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(testNow)
	repo := NewSpannerRepository(client, clock, 0)
	t.Cleanup(func() { _ = repo.Close() })
	return repo, client, clock
}

func countOutboxRows(t *testing.T, client *spanner.Client, aggregateID string) int {
	t.Helper()
	n := 0
	iter := client.Single().Read(context.Background(), "outbox_events", spanner.AllKeys(), []string{"aggregate_id"})
	err := iter.Do(func(row *spanner.Row) error {
		var id string
		if err := row.Columns(&id); err != nil {
			return err
		}
		if id == aggregateID {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

func TestSpannerRepository_SaveWithEvents(t *testing.T) {
	repo, client, clock := setupSpannerTestServer(t)
	ctx := context.Background()

	o := newTestOrder(t, clock)
	require.NoError(t, repo.SaveWithEvents(ctx, o))
	assert.Equal(t, int64(1), o.Version())
	assert.Empty(t, o.PendingEvents())
	assert.Equal(t, 1, countOutboxRows(t, client, o.ID()))

	snap, err := repo.Load(ctx, o.ID())
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, snap.Status)
	assert.Equal(t, "customer-1", snap.CustomerID)
	assert.Equal(t, "150", snap.Total.Amount.String())
	assert.Len(t, snap.Items, 2)

	require.NoError(t, o.Confirm())
	require.NoError(t, repo.SaveWithEvents(ctx, o))
	assert.Equal(t, int64(2), o.Version())
	assert.Equal(t, 2, countOutboxRows(t, client, o.ID()))
}

func TestSpannerRepository_StaleVersion(t *testing.T) {
	repo, client, clock := setupSpannerTestServer(t)
	ctx := context.Background()

	o := newTestOrder(t, clock)
	require.NoError(t, repo.SaveWithEvents(ctx, o))

	snap, err := repo.Load(ctx, o.ID())
	require.NoError(t, err)
	first := order.Rehydrate(snap, clock)
	second := order.Rehydrate(snap, clock)

	require.NoError(t, first.Confirm())
	require.NoError(t, repo.SaveWithEvents(ctx, first))

	require.NoError(t, second.Cancel("changed my mind"))
	err = repo.SaveWithEvents(ctx, second)
	assert.ErrorIs(t, err, errs.ErrStorageConflict)
	assert.Len(t, second.PendingEvents(), 1)
	assert.Equal(t, 2, countOutboxRows(t, client, o.ID()))

	stored, err := repo.Load(ctx, o.ID())
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, stored.Status)
}

func TestSpannerRepository_LoadMissing(t *testing.T) {
	repo, _, _ := setupSpannerTestServer(t)

	_, err := repo.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
