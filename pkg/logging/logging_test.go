package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/order-saga/pkg/config"
)

func TestNewWithWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingSettings{Level: "warn"}, "order-saga", &buf)

	logger.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	logger.Warn().Str(FieldEventID, "evt-1").Msg("kept")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "order-saga", entry["service"])
	assert.Equal(t, "evt-1", entry[FieldEventID])
	assert.Equal(t, "kept", entry["message"])
}

func TestNewWithWriter_DefaultLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingSettings{Level: "nonsense"}, "svc", &buf)

	logger.Debug().Msg("dropped")
	logger.Info().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
	assert.NotContains(t, buf.String(), "dropped")
}
