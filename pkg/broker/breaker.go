package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/zoff-tech/order-saga/pkg/config"
)

const (
	defaultBreakerMaxFailures = 5
	defaultBreakerOpenTimeout = 30 * time.Second
)

// breakerPublisher stops calling a failing broker for a while. Rejected publishes return an
// error matching gobreaker.ErrOpenState or gobreaker.ErrTooManyRequests, see IsBreakerOpen.
type breakerPublisher struct {
	next MessageBroker
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker wraps next in a circuit breaker named after the broker type.
func WithBreaker(next MessageBroker, name string, settings config.BreakerSettings) MessageBroker {
	maxFailures := settings.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := settings.OpenTimeout
	if timeout <= 0 {
		timeout = defaultBreakerOpenTimeout
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker-" + name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	return &breakerPublisher{next: next, cb: cb}
}

func (b *breakerPublisher) Publish(ctx context.Context, msg Message) error {
	return b.execute(msg.ID, func() error { return b.next.Publish(ctx, msg) })
}

func (b *breakerPublisher) PublishTo(ctx context.Context, destination string, msg Message) error {
	return b.execute(msg.ID, func() error { return b.next.PublishTo(ctx, destination, msg) })
}

func (b *breakerPublisher) execute(id string, publish func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, publish()
	})
	if IsBreakerOpen(err) {
		return fmt.Errorf("publish %s skipped: %w", id, err)
	}
	return err
}

func (b *breakerPublisher) Close() error {
	return b.next.Close()
}
