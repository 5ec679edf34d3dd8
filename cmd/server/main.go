package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/stream-transcriber/internal/audio/resample"
	"github.com/skypro1111/stream-transcriber/internal/config"
	"github.com/skypro1111/stream-transcriber/internal/metrics"
	"github.com/skypro1111/stream-transcriber/internal/server"
	"github.com/skypro1111/stream-transcriber/internal/stream"
	"github.com/skypro1111/stream-transcriber/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "stream-transcriber"
	serviceVersion    = "1.0.0"
	shutdownTimeout   = 15 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Float64("window_seconds", cfg.Audio.WindowSeconds),
		slog.Float64("overlap_seconds", cfg.Audio.OverlapSeconds),
		slog.Int("max_pending_chunks", cfg.Backpressure.MaxPendingChunks),
		slog.String("engine_provider", cfg.Engine.Provider),
		slog.String("engine_endpoint", cfg.Engine.Endpoint),
		slog.String("engine_model", cfg.Engine.Model),
		slog.Int("max_sessions", cfg.Session.MaxSessions),
		slog.Bool("udp_enabled", cfg.UDP.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	engine, closeEngine, err := newEngine(cfg.Engine, logger)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	defer closeEngine()

	managerConfig, err := cfg.StreamManager()
	if err != nil {
		return err
	}
	manager, err := stream.NewManager(logger, engine, managerConfig, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	logger.Info("Session manager initialized",
		slog.Duration("idle_timeout", managerConfig.IdleTimeout),
		slog.Int("window_samples", managerConfig.Session.WindowSamples),
	)

	var udpServer *server.UDPServer
	if cfg.UDP.Enabled {
		udpServer = server.NewUDPServer(server.UDPServerConfig{
			Address:    cfg.UDP.Address,
			Port:       cfg.UDP.Port,
			BufferSize: cfg.UDP.BufferSize,
			Workers:    cfg.UDP.Workers,
			QueueSize:  cfg.UDP.QueueSize,
		}, logger, manager, appMetrics, resample.Resample)
		if err := udpServer.Start(); err != nil {
			return err
		}
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(server.HTTPServerConfig{
			Port:         cfg.HTTP.Port,
			Address:      cfg.HTTP.Address,
			ReadTimeout:  cfg.HTTP.GetReadTimeout(),
			WriteTimeout: cfg.HTTP.GetWriteTimeout(),
		}, logger, cfg, manager, appMetrics, prometheus.DefaultGatherer, resample.Resample)
		if udpServer != nil {
			httpServer.SetUDPServer(udpServer)
		}
		if err := httpServer.Start(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Service started successfully, waiting for signals...")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Starting graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop intake first, then drain sessions
		var errs error
		if httpServer != nil {
			if err := httpServer.Stop(shutdownCtx); err != nil {
				errs = errors.Join(errs, fmt.Errorf("http server: %w", err))
			}
		}
		if udpServer != nil {
			if err := udpServer.Stop(); err != nil {
				errs = errors.Join(errs, fmt.Errorf("udp server: %w", err))
			}
		}
		if err := manager.Stop(shutdownCtx); err != nil {
			errs = errors.Join(errs, fmt.Errorf("session manager: %w", err))
		}
		return errs
	})

	return g.Wait()
}

// newEngine builds the configured transcription engine and its cleanup
func newEngine(cfg config.EngineConfig, logger *slog.Logger) (transcription.Engine, func(), error) {
	switch cfg.Provider {
	case "openai":
		engine, err := transcription.NewOpenAIEngine(cfg.OpenAI())
		if err != nil {
			return nil, nil, err
		}
		logger.Info("OpenAI engine initialized", slog.String("model", cfg.Model))
		return engine, func() {}, nil

	default:
		client, err := transcription.NewClient(cfg.TranscriptionClient(), logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("HTTP engine initialized",
			slog.String("endpoint", cfg.Endpoint),
			slog.Int("max_concurrent", cfg.MaxConcurrent),
		)
		return client, func() {
			stats := client.GetStats()
			logger.Info("Final engine statistics",
				slog.Uint64("total_requests", stats.TotalRequests),
				slog.Uint64("failed_requests", stats.FailedRequests),
			)
			client.Close()
		}, nil
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
