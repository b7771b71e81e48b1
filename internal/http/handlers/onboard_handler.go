package handlers

import (
	"github.com/autobb888/verus-agent-platform/internal/config"
	"github.com/autobb888/verus-agent-platform/internal/http/dto"
	"github.com/autobb888/verus-agent-platform/internal/models"
	"github.com/autobb888/verus-agent-platform/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type OnboardHandler struct {
	onboard *services.OnboardService
	cfg     *config.Config
	log     *zap.Logger
}

func NewOnboardHandler(onboard *services.OnboardService, cfg *config.Config, log *zap.Logger) *OnboardHandler {
	return &OnboardHandler{onboard: onboard, cfg: cfg, log: log}
}

// POST /v1/onboard
func (h *OnboardHandler) Submit(c *fiber.Ctx) error {
	var req dto.OnboardRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	res, err := h.onboard.Submit(c.UserContext(), services.OnboardSubmitRequest{
		Name:      req.Name,
		Address:   req.Address,
		PubKey:    req.PubKey,
		Signature: req.Signature,
		Challenge: req.Challenge,
		Token:     req.Token,
	}, c.IP())
	if err != nil {
		return respondError(c, h.log, err)
	}

	if res.Challenge != nil {
		return c.JSON(dto.OnboardChallengeResponse{
			Status:    "challenge",
			Challenge: res.Challenge.Text,
			Token:     res.Challenge.Token,
		})
	}
	return c.Status(fiber.StatusAccepted).JSON(dto.OnboardAcceptedResponse{
		OnboardID: res.OnboardID.String(),
		Status:    models.OnboardStatusPending,
	})
}

// GET /v1/onboard/status/:id
func (h *OnboardHandler) Status(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid onboard id")
	}

	o, err := h.onboard.Status(c.UserContext(), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(h.statusResponse(o))
}

// POST /v1/onboard/retry/:id
func (h *OnboardHandler) Retry(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid onboard id")
	}

	o, err := h.onboard.Retry(c.UserContext(), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(dto.OnboardAcceptedResponse{
		OnboardID: o.ID.String(),
		Status:    o.Status,
	})
}

func (h *OnboardHandler) statusResponse(o *models.OnboardRequest) dto.OnboardStatusResponse {
	resp := dto.OnboardStatusResponse{
		OnboardID:      o.ID.String(),
		Status:         o.Status,
		Name:           o.Name,
		Identity:       services.FullIdentityName(o.Name, h.cfg.OnboardParent),
		IAddress:       o.IdentityAddress,
		CommitmentTxID: o.CommitmentTxID,
		RegisterTxID:   o.RegisterTxID,
		FundedAmount:   o.FundedAmount,
		Error:          o.Error,
	}
	return resp
}
