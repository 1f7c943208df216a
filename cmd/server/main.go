package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/carddemo/partner-events/internal/api"
	"github.com/carddemo/partner-events/internal/broker"
	"github.com/carddemo/partner-events/internal/config"
	"github.com/carddemo/partner-events/internal/domain"
	"github.com/carddemo/partner-events/internal/engine"
	"github.com/carddemo/partner-events/internal/metrics"
	"github.com/carddemo/partner-events/internal/store"
	"github.com/carddemo/partner-events/internal/websocket"
	"github.com/carddemo/partner-events/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL
	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	if err := pgStore.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied")

	// Initialize Redis
	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	// Kafka
	producer, err := broker.NewProducer(ctx, cfg.Kafka.Brokers, logger)
	if err != nil {
		logger.Error("failed to create kafka producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	consumer, err := broker.NewConsumer(ctx, cfg.Kafka.Brokers, cfg.Kafka.GroupID,
		[]string{domain.TopicAccounts, domain.TopicCards, domain.TopicTransactions}, logger)
	if err != nil {
		logger.Error("failed to create kafka consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()
	logger.Info("connected to Kafka", "brokers", cfg.Kafka.Brokers, "group_id", cfg.Kafka.GroupID)

	limiter := engine.NewRateLimiter(redisStore.Client(), logger, cfg.RateLimit.Window)
	breaker := engine.NewCircuitBreaker(redisStore.Client(), logger)
	matcher := engine.NewMatcher(pgStore, logger)
	authenticator := engine.NewAuthenticator(pgStore, logger)

	var lock worker.Locker
	if cfg.Outbox.LockEnabled {
		lock = engine.NewLeaderLock(redisStore.Client(), "outbox-publisher", 10*cfg.Outbox.PollInterval+5*time.Second, logger)
	}

	hub := websocket.NewHub(logger)
	m := metrics.New()

	deliverer := worker.NewDeliverer(pgStore, hub, cfg.Webhook.Secret, cfg.Webhook.Timeout, logger).WithMetrics(m)
	pool := worker.NewPool(cfg.NumWorkers, deliverer, logger)
	scheduler := worker.NewRetryScheduler(pgStore, pool, logger, cfg.Retry.Interval, cfg.Retry.BatchSize, cfg.Retry.Lease)
	publisher := worker.NewOutboxPublisher(pgStore, producer, lock, logger, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize).
		WithMetrics(m)
	eventConsumer := worker.NewEventConsumer(consumer, producer, matcher, logger).WithMetrics(m)
	stats := worker.NewStatsReporter(pgStore, logger, cfg.StatsInterval)

	pool.Start(ctx)

	var loops errgroup.Group
	for _, run := range []func(context.Context){
		hub.Run,
		publisher.Start,
		eventConsumer.Start,
		scheduler.Start,
		stats.Start,
	} {
		run := run
		loops.Go(func() error {
			run(ctx)
			return nil
		})
	}

	upstreams := map[string]string{
		api.UpstreamAccounts:     cfg.Upstream.AccountURL,
		api.UpstreamCards:        cfg.Upstream.CardURL,
		api.UpstreamTransactions: cfg.Upstream.TransactionURL,
	}

	router := api.NewRouter(api.Handlers{
		Health: api.NewHealthHandler(map[string]api.Pinger{
			"postgres": pgStore,
			"redis":    redisStore,
		}),
		Webhooks: api.NewWebhookHandler(pgStore, deliverer, cfg.Retry.Lease, logger),
		Dashboard: api.NewDashboardHandler(pgStore, hub, breaker,
			[]string{api.UpstreamAccounts, api.UpstreamCards, api.UpstreamTransactions}, logger),
		Partners: api.NewPartnerHandler(pgStore, limiter, logger),
		Events:   api.NewEventHandler(pgStore, logger),
		Internal: api.NewInternalHandler(authenticator, limiter, pgStore, logger),
		Gateway: api.NewGatewayHandler(authenticator, limiter, breaker, pgStore,
			upstreams, cfg.Upstream.Timeout, logger).WithMetrics(m),
		Feed:       hub.HandleWebSocket,
		Prometheus: m.Handler(),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// The scheduler must be gone before the pool's queue closes.
	_ = loops.Wait()
	pool.Stop()

	logger.Info("server stopped")
}
