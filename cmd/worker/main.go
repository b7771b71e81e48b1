package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/autobb888/verus-agent-platform/internal/config"
	"github.com/autobb888/verus-agent-platform/internal/db"
	"github.com/autobb888/verus-agent-platform/internal/events"
	"github.com/autobb888/verus-agent-platform/internal/queue"
	"github.com/autobb888/verus-agent-platform/internal/repositories"
	"github.com/autobb888/verus-agent-platform/internal/services"
	"github.com/autobb888/verus-agent-platform/internal/verus"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const reapInterval = time.Minute

func main() {
	cfg := config.Load()

	log, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg.Validate(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repos
	onboardRepo := repositories.NewOnboardRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	// Queue
	wmLogger := queue.NewLogger(log)
	jobPublisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{Client: rdb}, wmLogger)
	if err != nil {
		log.Fatal("failed to create job publisher", zap.Error(err))
	}
	defer jobPublisher.Close()

	jobSubscriber, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client:        rdb,
		ConsumerGroup: queue.ConsumerGroupOnboard,
	}, wmLogger)
	if err != nil {
		log.Fatal("failed to create job subscriber", zap.Error(err))
	}
	defer jobSubscriber.Close()

	// Services
	publisher := events.NewRedisPublisher(rdb, log)
	rpc := verus.NewClient(cfg.VerusRPCURL, cfg.VerusRPCUser, cfg.VerusRPCPassword, cfg.VerusRPCTimeout, log)
	pipeline := services.NewOnboardPipeline(onboardRepo, rpc, auditRepo, publisher, cfg, log)

	worker := queue.NewWorker(jobSubscriber, pipeline, cfg.OnboardWorkers, log)
	reaper := queue.NewReaper(onboardRepo, queue.NewDispatcher(jobPublisher, log), cfg.OnboardStaleAfter, reapInterval, log)

	// Health
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	log.Info("worker started",
		zap.Int("concurrency", cfg.OnboardWorkers),
		zap.Duration("stale_after", cfg.OnboardStaleAfter),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return worker.Run(gctx)
	})

	g.Go(func() error {
		reaper.Run(gctx)
		return nil
	})

	g.Go(func() error {
		if err := app.Listen(fmt.Sprintf(":%s", cfg.WorkerPort)); err != nil {
			return fmt.Errorf("health listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down worker")
		return app.ShutdownWithTimeout(5 * time.Second)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped with error", zap.Error(err))
	}
}
