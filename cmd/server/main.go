package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collab-core/internal/api"
	"collab-core/internal/config"
	"collab-core/internal/db"
	"collab-core/internal/logging"
	"collab-core/internal/messaging"
	"collab-core/internal/repository"
	"collab-core/internal/services"
	"collab-core/internal/services/collaboration"
	"collab-core/internal/services/gateway"
	"collab-core/internal/services/realtime"
	"collab-core/internal/telemetry"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

This main function demonstrates:
1. Service initialization and dependency injection
2. Every periodic loop started here and stopped here (Start/Stop)
3. Distributed tracing with Jaeger
4. Graceful shutdown handling (listening for SIGINT/SIGTERM)
5. Proper resource cleanup order: stop accepting, close sockets, flush sinks
*/

const (
	serviceName = "collab-core"
	version     = "0.3.0"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(2)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout).
		With().Str("service", serviceName).Logger()

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped with error")
	}
}

// loadConfig applies command-line overrides on top of config.Load
func loadConfig(args []string) (*config.Config, error) {
	flags := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	configFile := flags.StringP("config", "c", "", "YAML config file (overrides CONFIG_FILE)")
	host := flags.String("host", "", "listen host")
	port := flags.StringP("port", "p", "", "listen port")
	logLevel := flags.String("log-level", "", "debug, info, warn or error")
	logFormat := flags.String("log-format", "", "json or console")
	compression := flags.String("compression", "", "zstd, lz4, gzip or none")
	archive := flags.Bool("archive", false, "archive events to postgres")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if *configFile != "" {
		if err := os.Setenv("CONFIG_FILE", *configFile); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if flags.Changed("host") {
		cfg.ServerHost = *host
	}
	if flags.Changed("port") {
		cfg.ServerPort = *port
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = *logFormat
	}
	if flags.Changed("compression") {
		cfg.CompressionAlgorithm = *compression
	}
	if flags.Changed("archive") {
		cfg.ArchiveEnabled = *archive
	}
	return cfg, cfg.Validate()
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Str("version", version).Msg("starting collaboration server")

	// Initialize Jaeger tracing
	// Learning: Do this FIRST so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger(serviceName, version, cfg.JaegerEndpoint, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to initialize jaeger, continuing without tracing")
		jaegerShutdown = func(context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to shutdown jaeger")
		}
	}()

	sessions := collaboration.NewSessionManager(collaboration.Options{
		MaxParticipants:   cfg.MaxParticipants,
		LockTimeout:       cfg.LockTimeout,
		LockSweepInterval: cfg.LockSweepInterval,
		EventHistoryLimit: cfg.EventHistoryLimit,
	}, logger)

	compressor, err := realtime.NewCompressor(cfg.CompressionAlgorithm)
	if err != nil {
		return err
	}
	transport := realtime.NewTransport(realtime.Options{
		MaxMessageSize:       cfg.MaxMessageSize,
		CompressionThreshold: cfg.CompressionThreshold,
		Compressor:           compressor,
		RateLimit:            cfg.RateLimitPerSecond,
		Retry: realtime.RetryOptions{
			MaxAttempts:  cfg.RetryMaxAttempts,
			BaseDelay:    cfg.RetryBaseDelay,
			TickInterval: cfg.RetryTick,
		},
	}, logger)

	heartbeat := realtime.NewHeartbeatMonitor(transport, realtime.HeartbeatOptions{
		Interval: cfg.HeartbeatInterval,
		Timeout:  cfg.HeartbeatTimeout,
	}, logger)

	gw := gateway.New(sessions, transport, logger)

	var handlerOpts []api.HandlerOption
	handlerOpts = append(handlerOpts, api.WithWSOptions(realtime.WSOptions{
		SendBuffer: cfg.SendBufferSize,
		ReadLimit:  int64(cfg.MaxMessageSize),
	}))
	handlerOpts = append(handlerOpts, api.WithAllowedOrigins(cfg.AllowedOrigins))

	// Optional event archive
	var archiver *services.EventArchiver
	if cfg.ArchiveEnabled {
		database, err := db.NewGorm(cfg, logger)
		if err != nil {
			return err
		}
		defer database.Close()

		repo := repository.NewEventRepository(database.DB)
		archiver = services.NewEventArchiver(repo, services.ArchiverOptions{
			Workers:   cfg.ArchiveWorkers,
			QueueSize: cfg.ArchiveQueueSize,
		}, logger)
		// Learning: This spawns goroutines that will process jobs concurrently
		archiver.Start()
		sessions.AddSink(archiver)
		handlerOpts = append(handlerOpts, api.WithEventHistory(archiver))

		if cfg.ArchiveRetention > 0 {
			sessions.OnSessionEnded(func(sessionID string) {
				go pruneArchive(repo, sessionID, cfg.ArchiveRetention, logger)
			})
		}
	}

	// Optional external sinks
	var sinks []services.Sink
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err := repository.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		cancel()
		if err != nil {
			return err
		}
		defer rdb.Close()

		presence := repository.NewRedisPresenceStore(rdb, cfg.PresenceTTL)
		sinks = append(sinks, presence)
		handlerOpts = append(handlerOpts, api.WithPresence(presence))
		logger.Info().Str("addr", cfg.RedisAddr).Msg("presence mirror enabled")
	}
	if cfg.NATSURL != "" {
		publisher, err := messaging.Connect(messaging.Config{
			URL:           cfg.NATSURL,
			Name:          serviceName,
			SubjectPrefix: cfg.NATSSubjectPrefix,
		})
		if err != nil {
			return err
		}
		defer publisher.Close()

		sinks = append(sinks, publisher)
		logger.Info().Str("url", cfg.NATSURL).Str("prefix", cfg.NATSSubjectPrefix).Msg("nats event sink enabled")
	}
	// Redis and NATS round trips run on the queue's worker, never while a
	// session's publish order is held
	var sinkQueue *services.QueuedFanOut
	if len(sinks) > 0 {
		sinkQueue = services.NewQueuedFanOut(services.NewFanOut(logger, sinks...), cfg.SinkQueueSize, 5*time.Second, logger)
		sinkQueue.Start()
		sessions.AddSink(sinkQueue)
	}

	handler := api.NewHandler(sessions, transport, gw, logger, handlerOpts...)
	router := api.SetupRoutes(handler, logger)

	// No write timeout: WebSocket connections are long lived
	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start periodic loops
	sessions.Locks().Start()
	transport.Start()
	heartbeat.Start()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr()).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("server forced to shutdown")
	}

	heartbeat.Stop()
	sessions.Locks().Stop()
	// Closes every socket; the gateway turns each close into a leave
	transport.Stop(ctx)

	// Learning: This waits for workers to finish queued writes
	if archiver != nil {
		archiver.Shutdown()
	}
	if sinkQueue != nil {
		sinkQueue.Shutdown()
	}

	logger.Info().Msg("server shutdown complete")
	return nil
}

func pruneArchive(repo *repository.EventRepository, sessionID string, keep int, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	deleted, err := repo.DeleteOldEvents(ctx, sessionID, keep)
	if err != nil {
		logger.Warn().Err(err).Str("session_id", sessionID).Msg("archive prune failed")
		return
	}
	if deleted > 0 {
		logger.Info().Str("session_id", sessionID).Int64("deleted", deleted).Msg("archive pruned")
	}
}
