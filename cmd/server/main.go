package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"email-triage/internal/ai"
	"email-triage/internal/api"
	"email-triage/internal/budget"
	"email-triage/internal/config"
	"email-triage/internal/events"
	"email-triage/internal/mail"
	"email-triage/internal/models"
	"email-triage/internal/queue"
	"email-triage/internal/ratelimit"
	"email-triage/internal/rules"
	"email-triage/internal/store"
	"email-triage/internal/triage"
	"email-triage/internal/worker"
)

// The queue is in-process and volatile, so the API surface and the
// worker pool share one binary instead of splitting across services.
func main() {
	cfg := config.Load()

	logger, err := buildLogger(cfg.Env)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = redisClient.Close() }()

	broadcaster := events.Multi{
		events.NewRedis(redisClient, logger),
		events.NewLog(logger),
	}
	ledger := budget.NewLedger(redisClient)
	limiter := ratelimit.NewWindow(cfg.RateLimitPerMinute)
	q := queue.NewMemory()
	pool := worker.NewPool(cfg, q, limiter, broadcaster, logger)

	aiClient := ai.NewRetrying(
		ai.NewHTTPClient(cfg.AIBaseURL, cfg.AIAPIKey, cfg.ProcessingTimeout),
		cfg.AIRetries, cfg.AIRetryDelay, logger,
	)
	fetcher := mail.NewHTTPFetcher(cfg.MailServiceURL, 0)
	scorer := triage.NewRuleScorer(triage.DefaultWeights(), nil)
	engine := rules.NewEngine(cfg, st, broadcaster, logger)
	pipeline := triage.NewPipeline(cfg, scorer, aiClient, ledger, st, engine, broadcaster, logger)

	pool.RegisterHandler(models.JobEmailScoring,
		worker.NewScoringHandler(cfg, fetcher, aiClient, scorer, ledger, st, logger).Handle)
	pool.RegisterHandler(models.JobEmailSummarization,
		worker.NewSummarizeHandler(fetcher, aiClient, st, logger).Handle)
	pool.RegisterHandler(models.JobWebhookProcessing,
		worker.NewWebhookHandler(pool, logger).Handle)

	schedules := cron.New()
	// Midnight UTC: the budget ledger rolls over by key; announce it so
	// dashboards reset their spend view.
	if _, err := schedules.AddFunc("CRON_TZ=UTC 0 0 * * *", func() {
		broadcaster.Publish(ctx, models.Event{
			Kind: models.EventBudgetRollover,
			At:   time.Now().UTC(),
		})
	}); err != nil {
		logger.Fatal("schedule budget rollover", zap.Error(err))
	}
	if _, err := schedules.AddFunc("*/10 * * * *", func() {
		engine.SweepCache()
		limiter.Sweep()
	}); err != nil {
		logger.Fatal("schedule cache sweep", zap.Error(err))
	}
	schedules.Start()
	defer schedules.Stop()

	server := api.New(cfg, pool, engine, pipeline, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return pipeline.Run(gctx) })
	g.Go(func() error {
		logger.Info("api listening", zap.String("port", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("server stopped", zap.Error(err))
	}
}

func buildLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
