package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/zoff-tech/order-saga/pkg/broker"
	"github.com/zoff-tech/order-saga/pkg/config"
	"github.com/zoff-tech/order-saga/pkg/logging"
	"github.com/zoff-tech/order-saga/pkg/processor"
	"github.com/zoff-tech/order-saga/pkg/store"
	"github.com/zoff-tech/order-saga/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFromFile("./cmd/outbox-relay")
	if err != nil {
		log.Fatal().Err(err).Msg("error loading configuration")
	}

	logger := logging.New(cfg.Logging, "outbox-relay")
	log.Logger = logger

	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer shutdownTelemetry()

	repo, err := store.NewRepository(ctx, cfg.Database, clockwork.NewRealClock())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize repository")
	}
	defer repo.Close()

	publisher, err := broker.NewBroker(ctx, &cfg.Broker)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize broker")
	}
	defer publisher.Close()

	relay, err := processor.NewRelay(repo, publisher, cfg.Relay, processor.WithLogger(logger))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create relay")
	}

	// blocks until SIGINT or SIGTERM
	if err := relay.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("relay stopped with error")
	}
}
