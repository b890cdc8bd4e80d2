package broker

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newPubSubTestClient(t *testing.T) (*pubsub.Client, []option.ClientOption) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	opts := []option.ClientOption{option.WithGRPCConn(conn)}
	client, err := pubsub.NewClient(context.Background(), "test-project", opts...)
	require.NoError(t, err)
	return client, opts
}

func TestPubSub_PublishAndReceive(t *testing.T) {
	ctx := context.Background()
	client, _ := newPubSubTestClient(t)

	topic, err := client.CreateTopic(ctx, "orders")
	require.NoError(t, err)
	_, err = client.CreateSubscription(ctx, "order-saga", pubsub.SubscriptionConfig{
		Topic:                 topic,
		EnableMessageOrdering: true,
	})
	require.NoError(t, err)

	broker := newPubSubBroker(client, "orders")
	require.NoError(t, broker.Publish(ctx, testMessage()))

	sub := &pubSubSubscriber{client: client, subscription: "order-saga", concurrency: 1}
	received := make(chan Message, 1)
	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = sub.Subscribe(recvCtx, func(_ context.Context, msg Message) error {
		received <- msg
		cancel()
		return nil
	})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "evt-1", msg.ID)
		assert.Equal(t, "order-1", msg.Key)
		assert.Equal(t, "order.created", msg.Type)
		assert.JSONEq(t, `{"id":"evt-1"}`, string(msg.Payload))
	default:
		t.Fatal("no message received")
	}
}

func TestPubSub_PublishToMissingTopic(t *testing.T) {
	client, _ := newPubSubTestClient(t)
	broker := newPubSubBroker(client, "orders")
	defer broker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := broker.PublishTo(ctx, "missing", testMessage())
	assert.Error(t, err)
}
