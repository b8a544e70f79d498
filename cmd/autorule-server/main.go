package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/aegis-decision-engine/autorule/internal/api"
	"github.com/aegis-decision-engine/autorule/internal/cache"
	"github.com/aegis-decision-engine/autorule/internal/config"
	"github.com/aegis-decision-engine/autorule/internal/engine"
	"github.com/aegis-decision-engine/autorule/internal/executor"
	"github.com/aegis-decision-engine/autorule/internal/health"
	"github.com/aegis-decision-engine/autorule/internal/ledger"
	"github.com/aegis-decision-engine/autorule/internal/models"
	"github.com/aegis-decision-engine/autorule/internal/notification"
	"github.com/aegis-decision-engine/autorule/internal/observability"
	"github.com/aegis-decision-engine/autorule/internal/oracle"
	"github.com/aegis-decision-engine/autorule/internal/ratelimit"
	"github.com/aegis-decision-engine/autorule/internal/rule"
	"github.com/aegis-decision-engine/autorule/internal/scheduler"
	"github.com/aegis-decision-engine/autorule/internal/storage/kafka"
	"github.com/aegis-decision-engine/autorule/internal/storage/postgres"
	"github.com/aegis-decision-engine/autorule/internal/validator"
)

func main() {
	// a missing .env is fine, the environment may be set directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting autorule server", "version", cfg.Version, "port", cfg.Port)

	shutdownTelemetry, err := observability.Init("autorule", cfg.Version, logger)
	if err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}
	defer shutdownTelemetry()

	metrics, err := observability.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	if err := postgres.Migrate(cfg.Database.URL, logger); err != nil {
		return err
	}
	db, err := postgres.NewClient(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	rules := postgres.NewRuleStore(db)
	executions := postgres.NewExecutionStore(db)
	accounts := postgres.NewAccountStore(db)
	notifications := postgres.NewNotificationStore(db)

	checker := health.NewChecker(cfg.Version)
	checker.Register("postgres", db.Health)

	// redis is optional: without it there is no snapshot mirror and every
	// replica runs every tick
	var (
		mirror oracle.Mirror
		leaser scheduler.Leaser
	)
	if redisClient, err := cache.NewClient(cfg.RedisURL); err != nil {
		logger.Warn("redis unavailable, continuing without snapshot mirror", "error", err)
	} else {
		defer redisClient.Close()
		mirror = redisClient
		leaser = redisClient
		checker.RegisterOptional("redis", redisClient.Health)
	}

	var events notification.EventSink
	if cfg.KafkaBrokers != "" {
		kc := kafka.NewClient(cfg.KafkaBrokers)
		if err := kc.CreateTopic(ctx, cfg.KafkaComplianceTopic, 3); err != nil {
			logger.Warn("failed to ensure compliance topic", "topic", cfg.KafkaComplianceTopic, "error", err)
		}
		publisher := kafka.NewCompliancePublisher(kc, cfg.KafkaComplianceTopic, logger)
		defer publisher.Close()
		events = publisher
		checker.RegisterOptional("kafka", kc.Health)
	}

	var slack *notification.SlackNotifier
	if cfg.SlackWebhookURL != "" {
		slack = notification.NewSlackNotifier(cfg.SlackWebhookURL)
	}

	tokens, err := ledger.ParseTokens(cfg.Ledger.Tokens)
	if err != nil {
		return fmt.Errorf("invalid LEDGER_TOKENS: %w", err)
	}
	logger.Info("ledger tokens loaded", "tokens", tokens.Symbols())
	ledgerClient := ledger.NewHTTPClient(ledger.Config{
		BaseURL: cfg.Ledger.GatewayURL,
		APIKey:  cfg.Ledger.APIKey,
		Timeout: cfg.Ledger.Timeout,
	}, tokens, logger)
	checker.RegisterOptional("ledger", func(context.Context) error {
		if stats := ledgerClient.BreakerStats(); stats.State == "open" {
			return fmt.Errorf("ledger gateway circuit open after %d failures", stats.Failures)
		}
		return nil
	})

	oracles := oracle.NewCache(buildProviders(cfg, logger), oracle.Options{
		TTL:          cfg.Oracle.TTL,
		FetchTimeout: cfg.Oracle.FetchTimeout,
		Mirror:       mirror,
		Logger:       logger,
		OnFetchError: func(t models.OracleType, _ error) {
			metrics.OracleRefreshFailed(context.Background(), string(t))
		},
	})
	oracles.Warm(ctx)

	exec := executor.New(
		ledgerClient,
		accounts,
		notifications,
		notification.NewComplianceRouter(events, slack, logger),
		executor.Config{LedgerTimeout: cfg.Ledger.Timeout},
		logger,
	)

	eng := engine.New(engine.Deps{
		Rules:    rules,
		Oracles:  oracles,
		Balances: ledger.NewBalances(ledgerClient, accounts),
		Actions:  exec,
		Recorder: executions,
		Alerter:  notification.NewFailureAlerter(events, slack, logger),
		Metrics:  metrics,
	}, engine.Config{Concurrency: cfg.EngineConcurrency}, logger)

	ruleValidator, err := validator.NewRuleValidator()
	if err != nil {
		return err
	}
	rulesSvc := rule.NewService(rules, ruleValidator, tokens, logger)

	if cfg.RulesSeedFile != "" {
		bundle, err := rule.LoadFile(cfg.RulesSeedFile, ruleValidator)
		if err != nil {
			return fmt.Errorf("failed to load seed rules: %w", err)
		}
		n, err := rulesSvc.Seed(ctx, bundle)
		if err != nil {
			return fmt.Errorf("failed to seed rules: %w", err)
		}
		logger.Info("seed rules loaded", "file", cfg.RulesSeedFile, "created", n)
	}

	limiter := ratelimit.NewRateLimiter(cfg.TriggerRate, cfg.TriggerBurst)

	sched := scheduler.NewScheduler(scheduler.Options{
		Leaser: leaser,
		Holder: holderID(),
		Logger: logger,
	})
	jobs := []*scheduler.Job{
		{
			Name:       "oracle-refresh",
			Interval:   cfg.OracleRefreshInterval,
			RunAtStart: true,
			Run: func(ctx context.Context) error {
				_, err := eng.UpdateOracles(ctx)
				return err
			},
		},
		{
			Name:      "rule-tick",
			Interval:  cfg.TickInterval,
			Exclusive: true,
			Run: func(ctx context.Context) error {
				summary, err := eng.RunTick(ctx)
				if err != nil && !engine.IsFatal(err) {
					// the slot ran out; the shared tick finishes on its own
					logger.Warn("tick still running at end of slot", "error", err)
					return nil
				}
				if err == nil && len(summary.Errors) > 0 {
					logger.Warn("tick completed with errors", "tick_id", summary.TickID, "errors", len(summary.Errors))
				}
				return err
			},
		},
		{
			Name:     "ratelimit-prune",
			Interval: 10 * time.Minute,
			Run: func(context.Context) error {
				limiter.Prune(30 * time.Minute)
				return nil
			},
		},
	}
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			return err
		}
	}
	sched.Start(ctx)
	defer sched.Stop()

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: api.NewServer(api.Deps{
			Engine:  eng,
			Rules:   rulesSvc,
			History: executions,
			Health:  checker,
			Limiter: limiter,
			Metrics: promhttp.Handler(),
		}, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 3 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

func buildProviders(cfg *config.Config, logger *slog.Logger) []oracle.Provider {
	feed := oracle.DefaultFeedConfig()
	feed.Timeout = cfg.Oracle.FetchTimeout
	feed.MaxRetries = cfg.Oracle.MaxRetries

	var providers []oracle.Provider
	if cfg.Oracle.FXURL != "" {
		providers = append(providers, oracle.NewFXProvider(cfg.Oracle.FXURL, feed, logger))
	}
	if cfg.Oracle.WeatherURL != "" {
		providers = append(providers, oracle.NewWeatherProvider(cfg.Oracle.WeatherURL, cfg.Oracle.WeatherZones, feed, logger))
	}
	if cfg.Oracle.GPSURL != "" {
		providers = append(providers, oracle.NewGPSProvider(cfg.Oracle.GPSURL, feed, logger))
	}
	if len(providers) == 0 {
		logger.Warn("no oracle feeds configured, oracle conditions will never hold")
	}
	return providers
}

func holderID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "autorule"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
