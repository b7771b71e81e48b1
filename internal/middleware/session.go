package middleware

import (
	"time"

	"github.com/autobb888/verus-agent-platform/internal/config"
	"github.com/autobb888/verus-agent-platform/internal/models"
	"github.com/autobb888/verus-agent-platform/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const CtxSession = "session"

// LoadSession resolves the session cookie. A valid session is stored in
// locals, its expiry slides and the cookie is re-issued; a stale cookie is
// cleared. The request always continues: handlers decide what anonymous means.
func LoadSession(sessions *services.SessionService, cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := c.Cookies(cfg.SessionCookie)
		if raw == "" {
			return c.Next()
		}

		sid := sessions.SessionIDFromCookie(raw)
		sess, err := sessions.Check(c.UserContext(), sid)
		if err != nil {
			log.Debug("session rejected", zap.Error(err))
			ClearSessionCookie(c, cfg)
			return c.Next()
		}

		c.Locals(CtxSession, sess)
		if err := SetSessionCookie(c, cfg, sessions, sess); err != nil {
			log.Warn("failed to refresh session cookie", zap.Error(err))
		}
		return c.Next()
	}
}

func GetSession(c *fiber.Ctx) *models.Session {
	sess, _ := c.Locals(CtxSession).(*models.Session)
	return sess
}

func SetSessionCookie(c *fiber.Ctx, cfg *config.Config, sessions *services.SessionService, sess *models.Session) error {
	token, err := sessions.CookieToken(sess)
	if err != nil {
		return err
	}
	c.Cookie(&fiber.Cookie{
		Name:     cfg.SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HTTPOnly: true,
		Secure:   cfg.IsProduction(),
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	return nil
}

func ClearSessionCookie(c *fiber.Ctx, cfg *config.Config) {
	c.Cookie(&fiber.Cookie{
		Name:     cfg.SessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HTTPOnly: true,
		Secure:   cfg.IsProduction(),
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}
