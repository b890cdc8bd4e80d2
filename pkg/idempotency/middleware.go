package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/zoff-tech/order-saga/pkg/errs"
	"github.com/zoff-tech/order-saga/pkg/logging"
	"github.com/zoff-tech/order-saga/schema"
)

// Handler processes one decoded event.
type Handler func(ctx context.Context, event schema.Event) error

// Guarded wraps next so that it runs at most once per event id. Duplicates return nil without
// calling next. When next fails with a retryable error the claim is released so that the
// redelivered event is handled again; terminal failures keep the claim.
func Guarded(guard Guard, ttl time.Duration, clock clockwork.Clock, logger zerolog.Logger, next Handler) Handler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return func(ctx context.Context, event schema.Event) error {
		log := logger.With().
			Str(logging.FieldEventID, event.ID).
			Str(logging.FieldEventType, event.Type()).
			Str(logging.FieldAggregateID, event.AggregateID).
			Logger()

		claimed, err := guard.TryClaim(ctx, NewRecord(event, clock.Now(), ttl))
		if err != nil {
			return err
		}
		if !claimed {
			log.Info().Msg("duplicate event skipped")
			return nil
		}

		err = next(ctx, event)
		if err == nil || !errs.IsRetryable(err) {
			return err
		}

		// release with a fresh context: ctx may be the reason next failed
		releaseCtx := context.WithoutCancel(ctx)
		if releaseErr := guard.Release(releaseCtx, event.ID); releaseErr != nil {
			log.Error().Err(releaseErr).Msg("failed to release idempotency claim")
			return errors.Join(err, releaseErr)
		}
		return err
	}
}
