package broker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/order-saga/pkg/errs"
)

type fakeKafkaWriter struct {
	messages []kafka.Message
	err      error
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error { return nil }

type fakeKafkaReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
}

func (r *fakeKafkaReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		m := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeKafkaReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeKafkaReader) Close() error { return nil }

func (r *fakeKafkaReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestKafkaPublish(t *testing.T) {
	writer := &fakeKafkaWriter{}
	broker := &kafkaBroker{writer: writer, topic: "orders"}

	require.NoError(t, broker.Publish(context.Background(), testMessage()))
	require.NoError(t, broker.PublishTo(context.Background(), "orders.dlq", testMessage()))

	require.Len(t, writer.messages, 2)
	assert.Equal(t, "orders", writer.messages[0].Topic)
	assert.Equal(t, "orders.dlq", writer.messages[1].Topic)
	assert.Equal(t, []byte("order-1"), writer.messages[0].Key)

	roundTrip := messageFromKafka(writer.messages[0])
	assert.Equal(t, "evt-1", roundTrip.ID)
	assert.Equal(t, "order.created", roundTrip.Type)
	assert.Equal(t, "order-1", roundTrip.Key)
}

func TestKafkaPublish_Failure(t *testing.T) {
	broker := &kafkaBroker{writer: &fakeKafkaWriter{err: io.ErrUnexpectedEOF}, topic: "orders"}

	err := broker.Publish(context.Background(), testMessage())
	assert.ErrorIs(t, err, errs.ErrDeliveryFailure)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestKafkaSubscriber_CommitsAfterSuccess(t *testing.T) {
	first := kafkaMessage(context.Background(), "inventory", Message{ID: "evt-1", Headers: map[string]string{"event_id": "evt-1"}})
	first.Offset = 10
	second := kafkaMessage(context.Background(), "inventory", Message{ID: "evt-2", Headers: map[string]string{"event_id": "evt-2"}})
	second.Offset = 11

	reader := &fakeKafkaReader{pending: []kafka.Message{first, second}}
	sub := &kafkaSubscriber{reader: reader, retryDelay: time.Millisecond, maxDelay: time.Millisecond}

	var (
		mu       sync.Mutex
		attempts = map[string]int{}
	)
	handler := func(_ context.Context, msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[msg.ID]++
		if msg.ID == "evt-2" && attempts[msg.ID] < 3 {
			return errors.New("transient")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Subscribe(ctx, handler) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{10, 11}, reader.commits())
	mu.Lock()
	assert.Equal(t, 3, attempts["evt-2"])
	mu.Unlock()
}
