package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/zoff-tech/order-saga/pkg/config"
)

func TestInit_Success(t *testing.T) {
	cfg := config.Observability{
		Enabled:     true,
		ServiceName: "test-service",
		TracingURL:  "localhost:4318",
		MetricsURL:  "localhost:4318",
	}

	shutdown, err := Init(cfg)
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	assert.NotNil(t, otel.GetTracerProvider())
	assert.NotNil(t, otel.GetMeterProvider())

	shutdown()
}

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(config.Observability{ServiceName: "test-service"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
	shutdown()
}

func TestInit_InvalidTracingURL(t *testing.T) {
	cfg := config.Observability{
		Enabled:     true,
		ServiceName: "test-service",
		TracingURL:  "",
	}

	shutdown, err := Init(cfg)
	assert.Error(t, err)
	assert.Nil(t, shutdown)
}

func TestInit_EmptyServiceName(t *testing.T) {
	cfg := config.Observability{
		Enabled:    true,
		TracingURL: "localhost:4318",
	}

	shutdown, err := Init(cfg)
	assert.Error(t, err)
	assert.Nil(t, shutdown)
}
