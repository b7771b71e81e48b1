package handlers

import (
	"strconv"
	"time"

	"github.com/autobb888/verus-agent-platform/internal/apperr"
	"github.com/autobb888/verus-agent-platform/internal/http/dto"
	"github.com/autobb888/verus-agent-platform/internal/middleware"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// respondError writes err as dto.ErrorResponse. Internal and upstream causes
// are logged and never shown to the caller.
func respondError(c *fiber.Ctx, log *zap.Logger, err error) error {
	ae := apperr.From(err)
	reqID := middleware.GetRequestID(c)

	switch ae.Kind {
	case apperr.KindInternal:
		log.Error("request failed", zap.String("request_id", reqID), zap.String("path", c.Path()), zap.Error(err))
	case apperr.KindUpstream:
		log.Warn("upstream failure", zap.String("request_id", reqID), zap.String("path", c.Path()), zap.Error(err))
	}

	if ae.Kind == apperr.KindRateLimited && ae.RetryAfter > 0 {
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int((ae.RetryAfter+time.Second-1)/time.Second)))
	}

	msg := ae.Message
	if ae.Kind == apperr.KindInternal {
		msg = "internal server error"
	}
	return c.Status(ae.Kind.HTTPStatus()).JSON(dto.ErrorResponse{
		Error:     msg,
		Code:      ae.Code,
		RequestID: reqID,
	})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
		Error:     msg,
		Code:      apperr.CodeInvalidRequest,
		RequestID: middleware.GetRequestID(c),
	})
}
