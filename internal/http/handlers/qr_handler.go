package handlers

import (
	"github.com/autobb888/verus-agent-platform/internal/config"
	"github.com/autobb888/verus-agent-platform/internal/http/dto"
	"github.com/autobb888/verus-agent-platform/internal/middleware"
	"github.com/autobb888/verus-agent-platform/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const callbackSignatureHeader = "X-Callback-Signature"

type QRHandler struct {
	qr       *services.QRService
	sessions *services.SessionService
	cfg      *config.Config
	log      *zap.Logger
}

func NewQRHandler(qr *services.QRService, sessions *services.SessionService, cfg *config.Config, log *zap.Logger) *QRHandler {
	return &QRHandler{qr: qr, sessions: sessions, cfg: cfg, log: log}
}

// GET /auth/qr/challenge
func (h *QRHandler) Challenge(c *fiber.Ctx) error {
	q, err := h.qr.Issue(c.UserContext())
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.QRChallengeResponse{
		ChallengeID: q.ID,
		Deeplink:    q.Deeplink,
		QRImage:     q.QRImage,
		ExpiresAt:   q.ExpiresAt,
	})
}

// POST /auth/qr/callback, called by the wallet or the signing service.
func (h *QRHandler) Callback(c *fiber.Ctx) error {
	// fasthttp переиспользует буфер тела
	body := append([]byte(nil), c.Body()...)

	res, err := h.qr.HandleCallback(c.UserContext(), services.Callback{
		Body:        body,
		ContentType: c.Get(fiber.HeaderContentType),
		Signature:   c.Get(callbackSignatureHeader),
		RemoteIP:    c.IP(),
	})
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.QRCallbackResponse{OK: true, Processed: res.Processed})
}

// GET /auth/qr/status/:id, the poll that wins signed→completed gets the cookie.
func (h *QRHandler) Status(c *fiber.Ctx) error {
	st, err := h.qr.Status(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	if st.Session != nil {
		if err := middleware.SetSessionCookie(c, h.cfg, h.sessions, st.Session); err != nil {
			return respondError(c, h.log, err)
		}
	}
	return c.JSON(dto.QRStatusResponse{
		Status:      st.Status,
		Identity:    st.Identity,
		DisplayName: st.DisplayName,
	})
}

// GET /auth/qr/complete/:id, top-level navigation, so the cookie is first-party.
// Losers are redirected too: the winner already holds the cookie.
func (h *QRHandler) Complete(c *fiber.Ctx) error {
	sess, err := h.qr.Complete(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	if sess != nil {
		if err := middleware.SetSessionCookie(c, h.cfg, h.sessions, sess); err != nil {
			return respondError(c, h.log, err)
		}
	}
	return c.Redirect(h.cfg.LoginRedirectURL, fiber.StatusFound)
}
