package models

// Config holds the application configuration
type Config struct {
	Queue    QueueConfig   `json:"queue"`
	Redis    RedisConfig   `json:"redis"`
	Server   ServerConfig  `json:"server"`
	Retry    RetryConfig   `json:"retry"`
	Tracing  TracingConfig `json:"tracing"`
	LogLevel string        `json:"log_level"`
}

// QueueConfig selects and tunes the undelivered-message queue backend
type QueueConfig struct {
	// Backend is "memory" or "redis"
	Backend string `json:"backend"`
	// TTLSeconds is the retention window for queued messages. Absent means
	// the default (three days); zero or negative values are rejected.
	TTLSeconds *int `json:"ttlSeconds,omitempty"`
	// Deduplicate collapses byte-identical payloads queued for the same
	// recipient into a single entry.
	Deduplicate bool `json:"deduplicate"`
}

// RedisConfig holds the durable backend connection settings
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db"`
}

// ServerConfig holds the HTTP/WebSocket listener settings
type ServerConfig struct {
	Port                  int `json:"port"`
	SessionWriteTimeoutMs int `json:"sessionWriteTimeoutMs"`
}

// RetryConfig holds startup store-dial retry settings
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	UseStdout      bool    `json:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
