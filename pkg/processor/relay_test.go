package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/zoff-tech/order-saga/pkg/broker"
	"github.com/zoff-tech/order-saga/pkg/config"
	"github.com/zoff-tech/order-saga/pkg/errs"
	"github.com/zoff-tech/order-saga/pkg/order"
	"github.com/zoff-tech/order-saga/pkg/store"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingBroker struct {
	mu          sync.Mutex
	published   []broker.Message
	deadLetters map[string][]broker.Message
	fail        func(broker.Message) error
}

func newRecordingBroker() *recordingBroker {
	return &recordingBroker{deadLetters: map[string][]broker.Message{}}
}

func (b *recordingBroker) Publish(_ context.Context, msg broker.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		if err := b.fail(msg); err != nil {
			return err
		}
	}
	b.published = append(b.published, msg)
	return nil
}

func (b *recordingBroker) PublishTo(_ context.Context, destination string, msg broker.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadLetters[destination] = append(b.deadLetters[destination], msg)
	return nil
}

func (b *recordingBroker) Close() error { return nil }

func (b *recordingBroker) publishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func (b *recordingBroker) deadLetterCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.deadLetters[topic])
}

var relaySettings = config.RelaySettings{
	PollInterval:    10 * time.Second,
	BatchSize:       10,
	MaxRetries:      store.DefaultMaxRetries,
	DeadLetterTopic: "orders.dead-letter",
}

// saveOrders stores n orders, each leaving one order.created row in the outbox.
func saveOrders(t *testing.T, repo *store.MemoryRepository, clock *clockwork.FakeClock, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		o, err := order.New(order.NewParams{
			CustomerID: "customer-1",
			Currency:   "USD",
			Items:      []order.LineItem{{ProductID: "sku-1", Quantity: 1, UnitPrice: decimal.NewFromInt(10)}},
		}, order.WithClock(clock), order.WithID(fmt.Sprintf("order-%d", i)))
		require.NoError(t, err)
		ids = append(ids, o.PendingEvents()[0].ID)
		require.NoError(t, repo.SaveWithEvents(context.Background(), o))
		clock.Advance(time.Millisecond)
	}
	return ids
}

func newTestRelay(t *testing.T, b broker.MessageBroker, opts ...Option) (*Relay, *store.MemoryRepository, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testNow)
	repo := store.NewMemoryRepository(clock, 0)
	relay, err := NewRelay(repo, b, relaySettings, append([]Option{WithClock(clock)}, opts...)...)
	require.NoError(t, err)
	return relay, repo, clock
}

func TestRelay_FailingEventDoesNotBlockBatch(t *testing.T) {
	b := newRecordingBroker()
	relay, repo, clock := newTestRelay(t, b)
	ids := saveOrders(t, repo, clock, 3)

	b.fail = func(msg broker.Message) error {
		if msg.ID == ids[1] {
			return fmt.Errorf("publish: %w", errs.ErrDeliveryFailure)
		}
		return nil
	}

	result, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Fetched)
	assert.Equal(t, 2, result.Published)
	assert.Equal(t, 1, result.Failed)
	assert.False(t, result.Interrupted)

	pending, err := repo.ListUnpublished(context.Background(), 10, store.DefaultMaxRetries)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ids[1], pending[0].ID)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Contains(t, pending[0].LastError, "delivery failure")

	assert.Equal(t, "order-1", b.published[0].Key)
	assert.Equal(t, "order.created", b.published[0].Type)
}

func TestRelay_EscalatesOnceAtRetryCeiling(t *testing.T) {
	b := newRecordingBroker()
	b.fail = func(broker.Message) error { return fmt.Errorf("publish: %w", errs.ErrDeliveryFailure) }
	relay, repo, clock := newTestRelay(t, b)
	ids := saveOrders(t, repo, clock, 1)
	ctx := context.Background()

	for attempt := 1; attempt <= store.DefaultMaxRetries; attempt++ {
		result, err := relay.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Failed, "attempt %d", attempt)
	}

	pending, err := repo.ListUnpublished(ctx, 10, store.DefaultMaxRetries)
	require.NoError(t, err)
	assert.Empty(t, pending)

	failed, err := repo.ListFailed(ctx, store.DefaultMaxRetries)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ids[0], failed[0].ID)
	require.NotNil(t, failed[0].EscalatedAt)
	assert.Equal(t, 1, b.deadLetterCount(relaySettings.DeadLetterTopic))

	result, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Fetched)
	assert.Zero(t, result.Escalated)
	assert.Equal(t, 1, b.deadLetterCount(relaySettings.DeadLetterTopic))
}

func TestRelay_BreakerOpenEndsBatchWithoutConsumingRetries(t *testing.T) {
	b := newRecordingBroker()
	b.fail = func(broker.Message) error { return fmt.Errorf("publish skipped: %w", gobreaker.ErrOpenState) }
	relay, repo, clock := newTestRelay(t, b)
	saveOrders(t, repo, clock, 3)

	result, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Interrupted)
	assert.Zero(t, result.Published)
	assert.Zero(t, result.Failed)

	pending, err := repo.ListUnpublished(context.Background(), 10, store.DefaultMaxRetries)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for _, event := range pending {
		assert.Zero(t, event.RetryCount)
	}
}

type failingEscalator struct{ calls int }

func (f *failingEscalator) Escalate(context.Context, store.OutboxEvent) error {
	f.calls++
	return errors.New("pager unreachable")
}

func TestRelay_FailedEscalationIsRetried(t *testing.T) {
	b := newRecordingBroker()
	b.fail = func(broker.Message) error { return fmt.Errorf("publish: %w", errs.ErrDeliveryFailure) }
	escalator := &failingEscalator{}
	relay, repo, clock := newTestRelay(t, b, WithEscalator(escalator))
	saveOrders(t, repo, clock, 1)
	ctx := context.Background()

	for i := 0; i < store.DefaultMaxRetries+2; i++ {
		_, err := relay.RunOnce(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, escalator.calls)
	failed, err := repo.ListFailed(ctx, store.DefaultMaxRetries)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Nil(t, failed[0].EscalatedAt)
}

func TestRelay_PurgesExpiredRows(t *testing.T) {
	b := newRecordingBroker()
	relay, repo, clock := newTestRelay(t, b, WithPurgeInterval(time.Hour))
	saveOrders(t, repo, clock, 2)
	ctx := context.Background()

	result, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Published)
	assert.Zero(t, result.Purged)

	clock.Advance(store.DefaultOutboxRetention + time.Hour)
	result, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Purged)

	failed, err := repo.ListFailed(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestRelay_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	b := newRecordingBroker()
	relay, repo, clock := newTestRelay(t, b, WithMeterProvider(provider))
	ids := saveOrders(t, repo, clock, 3)
	b.fail = func(msg broker.Message) error {
		if msg.ID == ids[0] {
			return fmt.Errorf("publish: %w", errs.ErrDeliveryFailure)
		}
		return nil
	}

	_, err := relay.RunOnce(context.Background())
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	assert.Equal(t, int64(2), counterTotal(t, rm, "outbox.events.published"))
	assert.Equal(t, int64(1), counterTotal(t, rm, "outbox.events.failed"))
	assert.NotNil(t, findMetric(rm, "outbox.batch.latency"))
}

func TestRelay_SpanPerPublish(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	b := newRecordingBroker()
	relay, repo, clock := newTestRelay(t, b, WithTracerProvider(provider))
	ids := saveOrders(t, repo, clock, 2)

	_, err := relay.RunOnce(context.Background())
	require.NoError(t, err)

	var cycles int
	var published []string
	for _, span := range recorder.Ended() {
		switch span.Name() {
		case "RelayCycle":
			cycles++
		case "PublishOutboxEvent":
			for _, kv := range span.Attributes() {
				if kv.Key == attribute.Key("event.id") {
					published = append(published, kv.Value.AsString())
				}
			}
		}
	}
	assert.Equal(t, 1, cycles)
	assert.Equal(t, ids, published)
}

func TestRelay_RunPollsUntilCancelled(t *testing.T) {
	b := newRecordingBroker()
	relay, repo, clock := newTestRelay(t, b)
	saveOrders(t, repo, clock, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool { return b.publishedCount() == 1 }, time.Second, 5*time.Millisecond)

	saveOrders(t, repo, clock, 1)
	require.Eventually(t, func() bool {
		clock.Advance(relaySettings.PollInterval)
		return b.publishedCount() == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func counterTotal(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	require.NotNil(t, m, name)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum[int64] data, got %T", m.Data)

	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}
