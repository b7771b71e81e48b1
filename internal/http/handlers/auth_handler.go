package handlers

import (
	"time"

	"github.com/autobb888/verus-agent-platform/internal/config"
	"github.com/autobb888/verus-agent-platform/internal/http/dto"
	"github.com/autobb888/verus-agent-platform/internal/middleware"
	"github.com/autobb888/verus-agent-platform/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type AuthHandler struct {
	challenges *services.ChallengeService
	sessions   *services.SessionService
	cfg        *config.Config
	log        *zap.Logger
}

func NewAuthHandler(challenges *services.ChallengeService, sessions *services.SessionService, cfg *config.Config, log *zap.Logger) *AuthHandler {
	return &AuthHandler{challenges: challenges, sessions: sessions, cfg: cfg, log: log}
}

// GET /auth/challenge
func (h *AuthHandler) Challenge(c *fiber.Ctx) error {
	ch, err := h.challenges.IssueLoginChallenge(c.UserContext())
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.ChallengeResponse{
		ChallengeID:   ch.ID,
		ChallengeText: ch.Text,
		ExpiresAt:     ch.ExpiresAt,
	})
}

// POST /auth/login
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req dto.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	sess, err := h.sessions.Login(c.UserContext(), services.LoginRequest{
		ChallengeID: req.ChallengeID,
		Identity:    req.Identity,
		Signature:   req.Signature,
	})
	if err != nil {
		return respondError(c, h.log, err)
	}
	if err := middleware.SetSessionCookie(c, h.cfg, h.sessions, sess); err != nil {
		return respondError(c, h.log, err)
	}

	return c.JSON(sessionResponse(sess.SubjectAddress, sess.DisplayName, &sess.ExpiresAt))
}

// GET /auth/session; LoadSession has already done the touch.
func (h *AuthHandler) Session(c *fiber.Ctx) error {
	sess := middleware.GetSession(c)
	if sess == nil {
		return c.JSON(dto.SessionResponse{Authenticated: false})
	}
	return c.JSON(sessionResponse(sess.SubjectAddress, sess.DisplayName, &sess.ExpiresAt))
}

// POST /auth/logout, always 200.
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	if sess := middleware.GetSession(c); sess != nil {
		if err := h.sessions.Logout(c.UserContext(), sess.ID); err != nil {
			h.log.Warn("logout failed", zap.Error(err))
		}
	}
	middleware.ClearSessionCookie(c, h.cfg)
	return c.JSON(dto.SuccessResponse{OK: true})
}

func sessionResponse(subject string, name *string, expiresAt *time.Time) dto.SessionResponse {
	resp := dto.SessionResponse{
		Authenticated: true,
		Identity:      subject,
		ExpiresAt:     expiresAt,
	}
	if name != nil {
		resp.DisplayName = *name
	}
	return resp
}
