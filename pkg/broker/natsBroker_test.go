package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/order-saga/pkg/config"
	"github.com/zoff-tech/order-saga/pkg/store"
)

func TestNatsSubject(t *testing.T) {
	assert.Equal(t, "orders.order.created", natsSubject("orders", "order.created"))
}

func TestNatsMessageCarriesHeaders(t *testing.T) {
	msg := NewMessage(storeEvent())
	m := natsMessage(context.Background(), "orders.order.created", msg)

	assert.Equal(t, "orders.order.created", m.Subject)
	assert.Equal(t, msg.Payload, m.Data)
	assert.Equal(t, msg.ID, m.Header[store.HeaderEventID][0])

	back := messageFromNats(m)
	assert.Equal(t, msg.ID, back.ID)
	assert.Equal(t, msg.Key, back.Key)
	assert.Equal(t, msg.Type, back.Type)
	assert.Equal(t, msg.Payload, back.Payload)
}

func TestNatsSubscriber_RetriesInProcess(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		wantCalls int
	}{
		{name: "first attempt succeeds", failures: 0, wantCalls: 1},
		{name: "succeeds on retry", failures: 1, wantCalls: 2},
		{name: "gives up", failures: 10, wantCalls: natsHandlerAttempts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &natsSubscriber{}
			m := natsMessage(context.Background(), "orders.inventory.reserved", NewMessage(storeEvent()))

			calls := 0
			s.handle(context.Background(), m, func(context.Context, Message) error {
				calls++
				if calls <= tt.failures {
					return errors.New("handler failed")
				}
				return nil
			})
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestNatsRequiresSubjects(t *testing.T) {
	_, err := NewNatsBroker(context.Background(), &config.BrokerSettings{Type: "nats", URL: nats.DefaultURL})
	require.Error(t, err)

	_, err = NewNatsSubscriber(&config.BrokerSettings{Type: "nats"}, config.ConsumerSettings{Queue: "order-saga"})
	require.Error(t, err)
}
