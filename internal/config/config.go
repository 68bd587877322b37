package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"pickuprelay/internal/constants"
	"pickuprelay/internal/models"
	"pickuprelay/internal/queue"
)

var (
	ErrMissingBackend   = models.ConfigError{Message: "missing queue backend selection"}
	ErrUnknownBackend   = models.ConfigError{Message: "queue backend must be \"memory\" or \"redis\""}
	ErrMissingRedisAddr = models.ConfigError{Message: "missing redis address for the redis backend"}
	ErrInvalidTTL       = models.ConfigError{Message: "queue time to live must be a positive integer of seconds"}
)

// LoadConfig reads, validates, and defaults the configuration file.
// Misconfiguration fails here, before any request is served.
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	switch c.Queue.Backend {
	case "":
		return ErrMissingBackend
	case queue.BackendMemory:
	case queue.BackendRedis:
		if c.Redis.Addr == "" {
			return ErrMissingRedisAddr
		}
	default:
		return ErrUnknownBackend
	}

	if c.Queue.TTLSeconds != nil && *c.Queue.TTLSeconds <= 0 {
		return ErrInvalidTTL
	}

	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.SessionWriteTimeoutMs <= 0 {
		c.Server.SessionWriteTimeoutMs = constants.DefaultSessionWriteTimeoutMs
	}
	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultBackoffInitialMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultBackoffMaxSec * 1000
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultStoreDialAttempts
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if backend := os.Getenv("PICKUP_QUEUE_BACKEND"); backend != "" {
		c.Queue.Backend = backend
	}
	if addr := os.Getenv("PICKUP_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	// Credentials belong in the environment, not on disk
	if password := os.Getenv("PICKUP_REDIS_PASSWORD"); password != "" {
		c.Redis.Password = password
	}
	if ttl := os.Getenv("PICKUP_TTL_SECONDS"); ttl != "" {
		if seconds, err := strconv.Atoi(ttl); err == nil {
			c.Queue.TTLSeconds = &seconds
		}
	}
}
