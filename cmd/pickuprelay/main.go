package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pickuprelay/internal/config"
	"pickuprelay/internal/constants"
	"pickuprelay/internal/models"
	"pickuprelay/internal/queue"
	"pickuprelay/internal/retry"
	"pickuprelay/internal/tracing"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes recipient keys)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("pickuprelay %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting pickuprelay")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - recipient keys will be logged unmasked")
	} else if cfg.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			logger.SetLevel(logrus.InfoLevel)
		} else {
			logger.SetLevel(level)
		}
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	// Initialize OpenTelemetry tracing
	tracingManager := tracing.NewManager(tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
		UseStdout:      cfg.Tracing.UseStdout,
	}, logger)

	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	undelivered, cleanup, err := buildQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	server := NewServer(cfg, undelivered, logger)
	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	logger.Info("Shutdown complete")
	return nil
}

// buildQueue constructs the configured undelivered-queue backend. The
// returned cleanup closes backend resources and is safe to call once.
func buildQueue(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (queue.UndeliveredQueue, func(), error) {
	queueCfg := queue.Config{Deduplicate: cfg.Queue.Deduplicate}
	if cfg.Queue.TTLSeconds != nil {
		queueCfg.TTL = time.Duration(*cfg.Queue.TTLSeconds) * time.Second
	}

	switch cfg.Queue.Backend {
	case queue.BackendMemory:
		q, err := queue.NewInMemory(queueCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize memory queue: %w", err)
		}
		logger.Info("Using in-memory queue backend")
		return q, func() {}, nil

	case queue.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		// Wait for the store with exponential backoff before serving.
		backoff := retry.NewBackoff(retry.BackoffConfig{
			InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
			Multiplier:   2.0,
			MaxAttempts:  cfg.Retry.MaxAttempts,
			Jitter:       true,
		})
		err := backoff.Retry(ctx, func() error {
			if pingErr := client.Ping(ctx).Err(); pingErr != nil {
				logger.Warnf("Redis not ready: %v", pingErr)
				return pingErr
			}
			return nil
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to reach redis after retries: %w", err)
		}

		q, err := queue.NewRedis(client, queueCfg)
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to initialize redis queue: %w", err)
		}
		logger.WithField("addr", cfg.Redis.Addr).Info("Using redis queue backend")
		guarded := queue.NewGuarded(q, queue.DefaultGuardConfig(), logger)
		return guarded, func() { _ = client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported queue backend %q", cfg.Queue.Backend)
	}
}
