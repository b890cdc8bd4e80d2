package config

type Observability struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name" validate:"required"`
	TracingURL  string `mapstructure:"tracing_url" validate:"required_if=Enabled true"`
	MetricsURL  string `mapstructure:"metrics_url" validate:"required_if=Enabled true"`
}

type LoggingSettings struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=trace debug info warn error fatal panic disabled"`
	Pretty bool   `mapstructure:"pretty"`
}
