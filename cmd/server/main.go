// Package main provides the entry point for the SentinelForge server.
// It registers monitoring agents, ingests their telemetry and raises
// security alerts from asynchronous analysis.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/lvonguyen/sentinelforge/internal/agent"
	"github.com/lvonguyen/sentinelforge/internal/alert"
	"github.com/lvonguyen/sentinelforge/internal/analysis"
	"github.com/lvonguyen/sentinelforge/internal/api"
	"github.com/lvonguyen/sentinelforge/internal/api/gateway"
	"github.com/lvonguyen/sentinelforge/internal/config"
	"github.com/lvonguyen/sentinelforge/internal/enrichment"
	"github.com/lvonguyen/sentinelforge/internal/events"
	"github.com/lvonguyen/sentinelforge/internal/events/natsbridge"
	"github.com/lvonguyen/sentinelforge/internal/mitre"
	"github.com/lvonguyen/sentinelforge/internal/observability"
	"github.com/lvonguyen/sentinelforge/internal/storage/postgres"
	"github.com/lvonguyen/sentinelforge/internal/telemetry"
	"github.com/lvonguyen/sentinelforge/internal/telemetry/ingestion"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/config.yaml", "Path to config file")
	showVersion := pflag.Bool("version", false, "Show version information")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("SentinelForge %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, usedDefaults, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	tel, err := observability.New(observability.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.Observability.Environment,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		TracingEnabled: cfg.Observability.TracingEnabled,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		SamplingRate:   cfg.Observability.SampleRate,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize telemetry: %v\n", err)
		os.Exit(1)
	}
	logger := tel.Logger()

	logger.Info("Starting SentinelForge",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("config", *configPath),
		zap.Bool("default_config", usedDefaults),
		zap.Strings("integrations", cfg.EnabledIntegrations()),
	)

	if err := run(cfg, tel); err != nil {
		tel.RecordError(context.Background(), "Server failed", err)
		tel.Shutdown(context.Background())
		os.Exit(1)
	}
}

// loadConfig reads path, falling back to defaults when the file does not
// exist.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.DefaultConfig(), true, nil
	}
	return cfg, false, err
}

func run(cfg *config.Config, tel *observability.Telemetry) error {
	logger := tel.Logger()
	metrics := tel.Metrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := make(map[string]api.ReadinessCheck)

	// Storage
	var (
		agentStore  agent.Store           = agent.NewMemoryStore()
		sampleStore telemetry.SampleStore = telemetry.NewMemoryStore()
		alertStore  alert.Store           = alert.NewMemoryStore()
	)
	if dsn := config.Secret(cfg.Postgres.DSNEnv); dsn != "" {
		db, err := postgres.Open(ctx, postgres.Config{
			DSN:             dsn,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		agentStore, sampleStore, alertStore = db.Agents(), db.Samples(), db.Alerts()
		checks["postgres"] = db.Ping
	} else {
		logger.Warn("No PostgreSQL DSN configured, using in-memory stores")
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: config.Secret(cfg.Redis.PasswordEnv),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	// Agents and ingestion
	registry := agent.NewRegistry(agentStore, agent.RegistryConfig{
		ActivateOnRegister: cfg.Agents.ActivateOnRegister,
		StaleThreshold:     cfg.Agents.StaleThreshold,
		BcryptCost:         cfg.Agents.BcryptCost,
	}, logger, agent.WithMetrics(metrics))
	validator := agent.NewValidator(registry, logger)

	bus := events.NewBus(cfg.Events.BufferSize, logger, metrics)
	samples := bus.SubscribeSamples()

	pipelineOpts := []ingestion.Option{
		ingestion.WithMetrics(metrics),
		ingestion.WithTracer(tel.Tracer()),
	}
	if cfg.Ingestion.DedupEnabled {
		dedup, err := ingestion.NewDeduper(cfg.Ingestion.DedupSize)
		if err != nil {
			return err
		}
		pipelineOpts = append(pipelineOpts, ingestion.WithDeduper(dedup))
	}
	pipeline := ingestion.NewPipeline(validator, sampleStore, bus, logger, pipelineOpts...)

	// Analysis
	reputation := newReputationService(ctx, cfg, rdb, metrics, logger)

	kb := mitre.NewKnowledgeBase(logger)
	if path := cfg.Analysis.Knowledge.Path; path != "" {
		if err := kb.LoadFile(path); err != nil {
			return err
		}
	}

	classifier, err := newClassifier(cfg.Analysis.Classifier, logger)
	if err != nil {
		return err
	}

	orchestrator := analysis.NewOrchestrator(analysis.Config{
		Workers:   cfg.Analysis.Workers,
		Timeout:   cfg.Analysis.Timeout,
		Query:     cfg.Analysis.Query,
		TopK:      cfg.Analysis.Knowledge.TopK,
		Threshold: cfg.Analysis.Knowledge.SimilarityThreshold,
	}, reputation, kb, classifier, alertStore, bus, logger,
		analysis.WithMetrics(metrics),
		analysis.WithTracer(tel.Tracer()),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		orchestrator.Run(ctx, samples)
	}()

	if cfg.NATS.Enabled {
		nc, err := natsbridge.Connect(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		checks["nats"] = natsReady(nc)

		alerts := bus.SubscribeAlerts()
		forwarder := natsbridge.NewForwarder(nc, cfg.NATS.AlertSubject, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			forwarder.Run(ctx, alerts)
		}()
	}

	var (
		dispatcher *ingestion.Dispatcher
		consumer   *ingestion.Consumer
	)
	if cfg.RabbitMQ.Enabled {
		dispatcher = ingestion.NewDispatcher(cfg.Ingestion.Workers, cfg.Ingestion.QueueDepth)
		dispatcher.Start(ctx)
		consumer = ingestion.NewConsumer(ingestion.ConsumerConfig{
			URL:        config.Secret(cfg.RabbitMQ.URLEnv),
			Exchange:   cfg.RabbitMQ.Exchange,
			Queue:      cfg.RabbitMQ.Queue,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
			Prefetch:   cfg.RabbitMQ.Prefetch,
		}, pipeline, dispatcher, logger)
		if err := consumer.Connect(ctx); err != nil {
			stop()
			dispatcher.Stop()
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil {
				tel.RecordError(ctx, "Telemetry consumer exited", err,
					zap.String("queue", cfg.RabbitMQ.Queue))
			}
		}()
		logger.Info("Telemetry consumer started",
			zap.String("queue", cfg.RabbitMQ.Queue),
			zap.Int("workers", dispatcher.Workers()),
		)
	}

	// HTTP
	var limiter *gateway.RateLimiter
	if cfg.RateLimit.Enabled && rdb != nil {
		limiter = gateway.NewRateLimiter(rdb, gateway.RateLimitConfig{
			Limit:          cfg.RateLimit.Limit,
			Window:         cfg.RateLimit.Window,
			IncludeHeaders: true,
		}, logger)
	}

	handlers := api.NewServer(api.Deps{
		Registry:       registry,
		Validator:      validator,
		Pipeline:       pipeline,
		Samples:        sampleStore,
		Alerts:         alertStore,
		Limiter:        limiter,
		Metrics:        metrics,
		MetricsHandler: tel.MetricsHandler(),
		Checks:         checks,
	}, api.Config{
		Version:        Version,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		RequestTimeout: cfg.Server.WriteTimeout,
	}, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handlers.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	tel.StartSystemMetricsCollector(ctx)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown error", zap.Error(err))
	}
	wg.Wait()
	if dispatcher != nil {
		dispatcher.Stop()
	}
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.Warn("Consumer close error", zap.Error(err))
		}
	}
	bus.Close()

	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown error", zap.Error(err))
	}
	logger.Info("Server stopped")
	return runErr
}

// newReputationService caches in Redis when configured and consults the
// enabled threat intel providers. A provider that cannot be set up is
// skipped.
func newReputationService(ctx context.Context, cfg *config.Config, rdb *redis.Client,
	metrics *observability.Metrics, logger *zap.Logger) *enrichment.ReputationService {
	var cache enrichment.Cache
	if rdb != nil {
		cache = enrichment.NewRedisCache(rdb, cfg.Redis.CacheTTL)
	} else {
		mem := enrichment.NewMemoryCache(cfg.Redis.CacheTTL)
		mem.StartCleanup(ctx, 10*time.Minute)
		cache = mem
	}

	var providers []enrichment.Provider
	if otxCfg := cfg.ThreatIntel.OTX; otxCfg.Enabled {
		otx, err := enrichment.NewOTXProvider(enrichment.ProviderConfig{
			APIKeyEnv:  otxCfg.APIKeyEnv,
			BaseURL:    otxCfg.BaseURL,
			Timeout:    otxCfg.Timeout,
			RetryCount: otxCfg.RetryCount,
			RateLimit:  otxCfg.RateLimit,
		})
		if err != nil {
			logger.Warn("OTX reputation provider disabled", zap.Error(err))
		} else {
			providers = append(providers, otx)
		}
	}
	if mispCfg := cfg.ThreatIntel.MISP; mispCfg.Enabled {
		misp, err := enrichment.NewMISPProvider(enrichment.MISPConfig{
			ProviderConfig: enrichment.ProviderConfig{
				APIKeyEnv:  mispCfg.APIKeyEnv,
				BaseURL:    mispCfg.BaseURL,
				Timeout:    mispCfg.Timeout,
				RetryCount: mispCfg.RetryCount,
				RateLimit:  mispCfg.RateLimit,
			},
			VerifySSL:     mispCfg.VerifySSL,
			PublishedOnly: mispCfg.PublishedOnly,
			ThreatLevels:  mispCfg.ThreatLevels,
		})
		if err != nil {
			logger.Warn("MISP reputation provider disabled", zap.Error(err))
		} else {
			providers = append(providers, misp)
		}
	}

	provider := enrichment.NewChain(providers...)
	if provider != nil {
		if err := provider.HealthCheck(ctx); err != nil {
			logger.Warn("Reputation provider health check failed",
				zap.String("provider", provider.Name()),
				zap.Error(err),
			)
		}
	}

	return enrichment.NewReputationService(provider, logger,
		enrichment.WithCache(cache),
		enrichment.WithMetrics(metrics),
	)
}

// newClassifier returns the LLM classifier when an endpoint is configured
// and the heuristic classifier otherwise.
func newClassifier(cfg config.ClassifierConfig, logger *zap.Logger) (analysis.Classifier, error) {
	if cfg.Endpoint == "" {
		logger.Info("Using heuristic risk classifier")
		return analysis.NewHeuristicClassifier(analysis.DefaultHeuristicConfig()), nil
	}
	logger.Info("Using LLM risk classifier",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("model", cfg.Model),
	)
	return analysis.NewLLMClassifier(analysis.LLMConfig{
		Endpoint:   cfg.Endpoint,
		Model:      cfg.Model,
		APIKey:     config.Secret(cfg.APIKeyEnv),
		Timeout:    cfg.Timeout,
		RetryCount: cfg.RetryCount,
	}, logger)
}

func natsReady(nc *nats.Conn) api.ReadinessCheck {
	return func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats status %s", nc.Status())
		}
		return nil
	}
}
