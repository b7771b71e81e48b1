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
	apphttp "github.com/autobb888/verus-agent-platform/internal/http"
	"github.com/autobb888/verus-agent-platform/internal/http/handlers"
	"github.com/autobb888/verus-agent-platform/internal/queue"
	"github.com/autobb888/verus-agent-platform/internal/repositories"
	"github.com/autobb888/verus-agent-platform/internal/services"
	"github.com/autobb888/verus-agent-platform/internal/verus"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

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

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	challengeRepo := repositories.NewChallengeRepo(pool)
	sessionRepo := repositories.NewSessionRepo(pool)
	qrRepo := repositories.NewQRRepo(pool)
	onboardRepo := repositories.NewOnboardRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	// Job queue (producer side)
	jobPublisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{Client: rdb}, queue.NewLogger(log))
	if err != nil {
		log.Fatal("failed to create job publisher", zap.Error(err))
	}
	defer jobPublisher.Close()

	// Verus
	rpc := verus.NewClient(cfg.VerusRPCURL, cfg.VerusRPCUser, cfg.VerusRPCPassword, cfg.VerusRPCTimeout, log)
	verifier := verus.NewVerifier(rpc, verus.DefaultProofParams(), log)

	// Services
	challengeService := services.NewChallengeService(challengeRepo, cfg, log)
	sessionService := services.NewSessionService(challengeRepo, sessionRepo, verifier, rpc, auditRepo, publisher, cfg, log)
	signingClient := services.NewSigningClient(cfg.SigningServiceURL, log)
	qrService := services.NewQRService(qrRepo, signingClient, rpc, sessionService, auditRepo, publisher, cfg, log)
	limiter := services.NewRateLimiter(cfg.OnboardPerIPHourly, cfg.OnboardDailyLimit, log)
	onboardService := services.NewOnboardService(
		onboardRepo,
		challengeService,
		verifier,
		rpc,
		limiter,
		services.NewStaticNameGuard(cfg.ReservedNames),
		queue.NewDispatcher(jobPublisher, log),
		auditRepo,
		publisher,
		cfg,
		log,
	)
	sweeper := services.NewSweeper(challengeRepo, sessionRepo, qrRepo, cfg.SweepInterval, cfg.ChallengeTTL, log)

	// Handlers
	wsHub := handlers.NewWSHub(subscriber, log)
	if err := wsHub.Start(ctx); err != nil {
		log.Fatal("failed to start ws hub", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: apphttp.ErrorHandler(log),
	})
	apphttp.SetupRouter(app, cfg, log, rdb, sessionService, apphttp.Handlers{
		Auth:    handlers.NewAuthHandler(challengeService, sessionService, cfg, log),
		QR:      handlers.NewQRHandler(qrService, sessionService, cfg, log),
		Onboard: handlers.NewOnboardHandler(onboardService, cfg, log),
		WS:      wsHub,
	})

	limiter.Start(ctx)
	defer limiter.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})

	g.Go(func() error {
		addr := fmt.Sprintf(":%s", cfg.APIPort)
		log.Info("starting API server", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")
		return app.ShutdownWithTimeout(10 * time.Second)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("api stopped with error", zap.Error(err))
	}
}
