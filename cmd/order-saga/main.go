package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/zoff-tech/order-saga/pkg/broker"
	"github.com/zoff-tech/order-saga/pkg/config"
	"github.com/zoff-tech/order-saga/pkg/consumer"
	"github.com/zoff-tech/order-saga/pkg/fulfillment"
	"github.com/zoff-tech/order-saga/pkg/logging"
	"github.com/zoff-tech/order-saga/pkg/saga"
	"github.com/zoff-tech/order-saga/pkg/store"
	"github.com/zoff-tech/order-saga/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFromFile("./cmd/order-saga")
	if err != nil {
		log.Fatal().Err(err).Msg("error loading configuration")
	}

	logger := logging.New(cfg.Logging, "order-saga")
	log.Logger = logger

	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer shutdownTelemetry()

	clock := clockwork.NewRealClock()

	backends, err := store.Open(ctx, cfg, clock)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open stores")
	}
	defer backends.Close()

	publisher, err := broker.NewBroker(ctx, &cfg.Broker)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize broker")
	}
	defer publisher.Close()

	subscriber, err := broker.NewSubscriber(ctx, &cfg.Broker, cfg.Consumer)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize subscriber")
	}
	defer subscriber.Close()

	dispatcher, err := consumer.NewDispatcher(backends.Guard,
		consumer.WithClock(clock),
		consumer.WithLogger(logger),
		consumer.WithTTL(cfg.Idempotency.TTL),
		consumer.WithPurgeInterval(cfg.Idempotency.PurgeInterval),
		consumer.WithDeadLetter(publisher, cfg.Consumer.DeadLetterTopic),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create dispatcher")
	}

	orders := fulfillment.NewOrderService(backends.Orders, fulfillment.WithClock(clock), fulfillment.WithLogger(logger))
	tracker := saga.NewTracker(backends.Sagas, saga.WithClock(clock), saga.WithLogger(logger))
	fulfillment.NewSagaHandlers(orders, tracker, logger).Register(dispatcher)

	logger.Info().
		Str("broker", cfg.Broker.Type).
		Strs("event_types", dispatcher.EventTypes()).
		Msg("order saga consumer started")

	if err := dispatcher.Run(ctx, subscriber); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("subscriber stopped with error")
	}
	logger.Info().Msg("order saga consumer stopped")
}
