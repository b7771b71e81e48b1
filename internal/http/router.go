package http

import (
	"errors"

	"github.com/autobb888/verus-agent-platform/internal/apperr"
	"github.com/autobb888/verus-agent-platform/internal/config"
	"github.com/autobb888/verus-agent-platform/internal/http/dto"
	"github.com/autobb888/verus-agent-platform/internal/http/handlers"
	"github.com/autobb888/verus-agent-platform/internal/middleware"
	"github.com/autobb888/verus-agent-platform/internal/services"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Handlers struct {
	Auth    *handlers.AuthHandler
	QR      *handlers.QRHandler
	Onboard *handlers.OnboardHandler
	WS      *handlers.WSHub
}

// ErrorHandler renders errors that escape handlers (fiber's own, panics
// caught by recover) in the same shape as handler errors.
func ErrorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(dto.ErrorResponse{
				Error:     fe.Message,
				RequestID: middleware.GetRequestID(c),
			})
		}
		log.Error("unhandled error", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
			Error:     "internal server error",
			Code:      apperr.CodeInternal,
			RequestID: middleware.GetRequestID(c),
		})
	}
}

// SetupRouter mounts every route. rdb may be nil (tests): the login throttle
// is then skipped.
func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	sessions *services.SessionService,
	h Handlers,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowHeaders:     "Origin, Content-Type, Accept, X-Request-ID",
		AllowCredentials: true,
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	authGroup := app.Group("/auth", middleware.LoadSession(sessions, cfg, log))
	authGroup.Get("/challenge", h.Auth.Challenge)
	if rdb != nil {
		authGroup.Post("/login", middleware.RateLimitMiddleware(rdb, cfg.LoginRateLimit, cfg.LoginRateWindow, log), h.Auth.Login)
	} else {
		authGroup.Post("/login", h.Auth.Login)
	}
	authGroup.Get("/session", h.Auth.Session)
	authGroup.Post("/logout", h.Auth.Logout)

	// QR login
	authGroup.Get("/qr/challenge", h.QR.Challenge)
	authGroup.Post("/qr/callback", h.QR.Callback)
	authGroup.Get("/qr/status/:id", h.QR.Status)
	authGroup.Get("/qr/complete/:id", h.QR.Complete)

	// Onboarding (public, proof-of-control)
	v1 := app.Group("/v1")
	v1.Post("/onboard", h.Onboard.Submit)
	v1.Get("/onboard/status/:id", h.Onboard.Status)
	v1.Post("/onboard/retry/:id", h.Onboard.Retry)

	// WebSocket
	if h.WS != nil {
		app.Use("/ws", handlers.WSUpgradeMiddleware())
		app.Get("/ws/qr/:id", websocket.New(h.WS.HandleWS))
	}
}
