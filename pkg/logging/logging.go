// Package logging builds the zerolog logger shared by the order saga processes.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/zoff-tech/order-saga/pkg/config"
)

// Field names attached by the saga components.
const (
	FieldEventID     = "event_id"
	FieldEventType   = "event_type"
	FieldAggregateID = "aggregate_id"
	FieldSagaID      = "saga_id"
)

// New returns a logger writing JSON to stdout, or a console writer when settings.Pretty is set.
func New(settings config.LoggingSettings, service string) zerolog.Logger {
	return NewWithWriter(settings, service, os.Stdout)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(settings config.LoggingSettings, service string, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(settings.Level)
	if err != nil || settings.Level == "" {
		level = zerolog.InfoLevel
	}

	out := w
	if settings.Pretty {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}
