package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotex/internal/api"
	"github.com/xtrntr/spotex/internal/auth"
	"github.com/xtrntr/spotex/internal/config"
	"github.com/xtrntr/spotex/internal/db"
	"github.com/xtrntr/spotex/internal/exchange"
	"github.com/xtrntr/spotex/internal/kafka"
	"github.com/xtrntr/spotex/internal/ledger"
	"github.com/xtrntr/spotex/internal/logging"
	"github.com/xtrntr/spotex/internal/memstore"
	"github.com/xtrntr/spotex/internal/metrics"
	"github.com/xtrntr/spotex/internal/models"
	"github.com/xtrntr/spotex/internal/notify"
	"github.com/xtrntr/spotex/internal/outbox"
	"github.com/xtrntr/spotex/internal/queue"
	"github.com/xtrntr/spotex/internal/ratelimit"
	"github.com/xtrntr/spotex/internal/store"
	"github.com/xtrntr/spotex/internal/tracing"
)

// Main entry point: wires storage, matching, notification and the HTTP API
func main() {
	configPath := flag.String("config", os.Getenv("SPOTEX_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.ServiceName, cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, cfg.Env)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()

	registry := metrics.NewRegistry()
	health := api.NewHealth(false)

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	authService := auth.NewAuthService(st, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	fees, err := feeSchedule(cfg)
	if err != nil {
		return err
	}
	exMetrics := exchange.NewMetrics(registry)
	l := ledger.New()
	matcher := exchange.NewMatcher(st, l, fees, logger, exMetrics)

	var producer *kafka.SyncProducer
	if cfg.Queue.Driver == "kafka" {
		producer, err = kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafka.NewProducerMetrics(registry))
		if err != nil {
			return err
		}
		defer producer.Close()
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = connectRedis(ctx, cfg.Redis, logger)
		if redisClient != nil {
			defer redisClient.Close()
		}
	}

	var wg sync.WaitGroup
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer func() {
		cancelWork()
		wg.Wait()
	}()

	queueMetrics := queue.NewMetrics(registry)
	var matches exchange.MatchPublisher
	switch cfg.Queue.Driver {
	case "kafka":
		dlq := kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)
		matches = queue.NewKafkaPublisher(dlq, cfg.Kafka.Topics.MatchRequests)

		consumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Group, kafka.ConsumerOptions{
			DLQPublisher: producer,
			DLQTopic:     cfg.Kafka.Topics.DeadLetter,
			MaxAttempts:  cfg.Kafka.MaxAttempts,
			Observer:     queueMetrics,
		}, logger)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer consumer.Close()
			if err := consumer.Consume(workCtx, []string{cfg.Kafka.Topics.MatchRequests}, queue.NewMatchHandler(matcher, logger)); err != nil {
				logger.Error("match consumer stopped", "error", err)
			}
		}()
	default:
		mq := queue.NewMemoryQueue(matcher, cfg.Matching.QueueSize, cfg.Matching.Workers, logger, queueMetrics)
		mq.Start(workCtx)
		defer mq.Close()
		matches = mq
	}

	ex := exchange.NewExchange(st, l, matches, logger, exMetrics)

	hub := notify.NewHub(cfg.HTTP.AllowedOrigins, logger)
	notifiers := notify.Multi{hub}
	if redisClient != nil {
		notifiers = append(notifiers, notify.NewRedisNotifier(redisClient, cfg.Redis.ChannelPrefix))
	}
	if producer != nil {
		notifiers = append(notifiers, notify.NewKafkaNotifier(producer, cfg.Kafka.Topics.Notifications))
	}

	dispatcher := outbox.NewDispatcher(st, notifiers, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize, logger, outbox.NewMetrics(registry))
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(workCtx)
	}()

	var limiter ratelimit.Limiter = ratelimit.NewMemory(cfg.Auth.LoginLimit, cfg.Auth.LoginWindow)
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, cfg.Auth.LoginLimit, cfg.Auth.LoginWindow, cfg.Redis.ChannelPrefix+"rl:")
	}

	handler := api.NewHandler(ex, authService, hub, limiter, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		ServiceName:    cfg.ServiceName,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Health:         health,
		HTTPMetrics:    metrics.NewHTTP(registry),
		MetricsHandler: metrics.Handler(registry),
		Logger:         logger,
	})

	if cfg.Store.Driver == "memory" && cfg.Store.SeedDemo {
		if err := seedDemo(ctx, st.(*memstore.Store), authService); err != nil {
			return fmt.Errorf("seed demo users: %w", err)
		}
		logger.Info("seeded demo users", "users", []string{"alice", "bob"})
	}

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			"addr", cfg.HTTP.Addr,
			"store", cfg.Store.Driver,
			"queue", cfg.Queue.Driver,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	health.SetReady(true)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down")
	health.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.Store.Driver == "memory" {
		logger.Warn("using in-memory store; state is lost on restart")
		return memstore.New(), func() {}, nil
	}

	database, err := db.NewDB(ctx, cfg.Database.DSN, cfg.Database.MaxConns, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return database, database.Close, nil
}

func feeSchedule(cfg *config.Config) (exchange.FeeSchedule, error) {
	rate, err := cfg.FeeRate()
	if err != nil {
		return nil, err
	}
	overrides, err := cfg.FeeRates()
	if err != nil {
		return nil, err
	}
	perSymbol := make(map[models.Symbol]decimal.Decimal, len(overrides))
	for symbol, r := range overrides {
		if !models.Symbol(symbol).Valid() {
			return nil, fmt.Errorf("matching.fee_rates: unknown symbol %q", symbol)
		}
		perSymbol[models.Symbol(symbol)] = r
	}
	return exchange.SymbolFees{Default: rate, PerSymbol: perSymbol}, nil
}

// connectRedis returns nil when Redis is unreachable so the server still starts
// with in-process notification and rate limiting only.
func connectRedis(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, continuing without it", "addr", cfg.Addr, "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

func seedDemo(ctx context.Context, st *memstore.Store, authService *auth.AuthService) error {
	alice, err := authService.Register(ctx, "alice", "password")
	if err != nil {
		return err
	}
	bob, err := authService.Register(ctx, "bob", "password")
	if err != nil {
		return err
	}
	if err := st.Fund(alice.ID, decimal.RequireFromString("100000.00")); err != nil {
		return err
	}
	if err := st.SetAsset(bob.ID, models.BTC, decimal.RequireFromString("10"), decimal.Zero); err != nil {
		return err
	}
	return st.SetAsset(bob.ID, models.ETH, decimal.RequireFromString("100"), decimal.Zero)
}
