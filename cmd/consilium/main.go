package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sgclegal/consilium/internal/circuitbreaker"
	"github.com/sgclegal/consilium/internal/citations"
	"github.com/sgclegal/consilium/internal/config"
	"github.com/sgclegal/consilium/internal/consilium"
	"github.com/sgclegal/consilium/internal/httpapi"
	"github.com/sgclegal/consilium/internal/llm"
	"github.com/sgclegal/consilium/internal/streaming"
	"github.com/sgclegal/consilium/internal/tracing"
	"github.com/sgclegal/consilium/internal/verify"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, v, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	manager := config.NewManager(cfg, v, logger)

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	var rdb redis.UniversalClient
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(context.Background()).Err(); err != nil {
			logger.Warn("Redis unreachable, event mirroring disabled", zap.Error(err))
		} else {
			rdb = client
		}
	}

	hub := streaming.NewHub(cfg.Streaming.RingCapacity, rdb, logger)
	llmClient := llm.NewClient(cfg.LLM, logger)

	var extractor citations.Extractor = citations.NewPatternExtractor()
	if cfg.Extraction.Strategy == "generative" {
		extractor = citations.NewCombinedExtractor(
			citations.NewPatternExtractor(),
			citations.NewGenerativeExtractor(llmClient, cfg.Extraction.Model, cfg.Extraction.MaxTokens, logger),
		)
	}

	var registry verify.RegistrySource
	if cfg.Verification.Registry.Enabled && cfg.Verification.Registry.APIKey != "" {
		breaker := circuitbreaker.New("registry", circuitbreaker.DefaultConfig(), logger)
		registry = verify.NewRegistryClient(cfg.Verification.Registry, breaker, logger)
	}
	var sources []verify.SecondarySource
	for _, sc := range cfg.Verification.Sources {
		switch sc.Name {
		case "sonar":
			sources = append(sources, verify.NewSonarSource(llmClient, sc.Model, logger))
		case "websearch":
			sources = append(sources, verify.NewWebSearchSource(sc, logger))
		default:
			logger.Warn("Unknown verification source, skipping", zap.String("name", sc.Name))
		}
	}
	engine := verify.NewEngine(registry, sources, cfg.Verification.Concurrency, logger)

	pipeline := consilium.NewPipeline(llmClient, extractor, engine, manager, logger)

	mux := http.NewServeMux()
	httpapi.NewDeliberationHandler(pipeline, hub, manager, logger).Register(mux)
	httpapi.NewStreamHandler(hub, logger).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Service.Port),
		Handler:     mux,
		ReadTimeout: cfg.Service.ReadTimeout,
		// No WriteTimeout: SSE responses stay open up to the global
		// deliberation deadline.
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Consilium service listening", zap.Int("port", cfg.Service.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Service.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
