package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/autobb888/verus-agent-platform/internal/apperr"
	"github.com/autobb888/verus-agent-platform/internal/auth"
	"github.com/autobb888/verus-agent-platform/internal/config"
	"github.com/autobb888/verus-agent-platform/internal/events"
	"github.com/autobb888/verus-agent-platform/internal/models"
	"github.com/autobb888/verus-agent-platform/internal/repositories"
	"github.com/autobb888/verus-agent-platform/internal/verus"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// OnboardService: синхронная часть онбординга: приём заявки, retry, статус.
// Фазы регистрации выполняет OnboardPipeline в воркере.
type OnboardService struct {
	repo          OnboardStore
	challenges    *ChallengeService
	verifier      SignatureChecker
	identities    IdentityResolver
	confirmations ConfirmationChecker
	limiter       *RateLimiter
	guard         NameGuard
	dispatcher    Dispatcher
	auditRepo     AuditStore
	publisher     events.Publisher
	cfg           *config.Config
	log           *zap.Logger
	now           func() time.Time
}

func NewOnboardService(
	repo OnboardStore,
	challenges *ChallengeService,
	verifier SignatureChecker,
	ledger Ledger,
	limiter *RateLimiter,
	guard NameGuard,
	dispatcher Dispatcher,
	auditRepo AuditStore,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *OnboardService {
	return &OnboardService{
		repo:          repo,
		challenges:    challenges,
		verifier:      verifier,
		identities:    ledger,
		confirmations: ledger,
		limiter:       limiter,
		guard:         guard,
		dispatcher:    dispatcher,
		auditRepo:     auditRepo,
		publisher:     publisher,
		cfg:           cfg,
		log:           log,
		now:           time.Now,
	}
}

type OnboardSubmitRequest struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	PubKey    string `json:"pubkey,omitempty"`
	Signature string `json:"signature,omitempty"`
	Challenge string `json:"challenge,omitempty"`
	Token     string `json:"token,omitempty"`
}

// OnboardSubmitResult: either Challenge is set (first round trip) or OnboardID.
type OnboardSubmitResult struct {
	Challenge *auth.OnboardChallenge
	OnboardID uuid.UUID
}

// Submit doubles as "get challenge" (no signature) and "submit proof".
func (s *OnboardService) Submit(ctx context.Context, req OnboardSubmitRequest, ip string) (*OnboardSubmitResult, error) {
	// 1. Shapes
	name := strings.ToLower(strings.TrimSpace(req.Name))
	address := strings.TrimSpace(req.Address)
	pubKey := strings.ToLower(strings.TrimSpace(req.PubKey))

	if !namePattern.MatchString(name) {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "name must match ^[a-z0-9][a-z0-9_-]{0,63}$")
	}
	if !verus.IsRAddress(address) {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "address must be an R-address")
	}
	if pubKey != "" && !verus.IsCompressedPubKeyHex(pubKey) {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "pubkey must be a 33-byte compressed hex key")
	}

	// 2. No proof yet: hand out a challenge
	if req.Signature == "" {
		ch, err := s.challenges.IssueOnboardChallenge(name, address)
		if err != nil {
			return nil, err
		}
		return &OnboardSubmitResult{Challenge: &ch}, nil
	}
	if req.Challenge == "" || req.Token == "" {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "challenge and token are required with a signature")
	}

	// 3. Key ↔ address
	if pubKey != "" && !verus.AddressMatchesPubKey(address, pubKey) {
		return nil, apperr.Validation(apperr.CodeAddressMismatch, "pubkey does not match address")
	}

	// 4. Token bound to (name, address)
	if err := s.challenges.VerifyOnboardToken(name, address, req.Challenge, req.Token); err != nil {
		return nil, err
	}

	// 5. Proof of control
	if !s.verifier.Verify(ctx, address, req.Challenge, req.Signature, pubKey) {
		return nil, apperr.Unauthorized(apperr.CodeInvalidSignature, "signature does not prove control of address")
	}

	// 6. Limits, legality, exclusivity
	if ok, retryAfter := s.limiter.Allow(ip); !ok {
		return nil, apperr.RateLimited("too many registrations, try again later", retryAfter)
	}
	if s.guard.IsReservedName(name) {
		return nil, apperr.Validation(apperr.CodeNameReserved, "name is reserved")
	}
	if target, ok := s.guard.HomoglyphCollision(name); ok {
		s.log.Info("homoglyph name rejected", zap.String("name", name), zap.String("target", target))
		return nil, apperr.Validation(apperr.CodeNameReserved, "name is too similar to a reserved name")
	}
	if err := s.ensureNameFree(ctx, name); err != nil {
		return nil, err
	}

	// 7. Persist, dispatch
	var pk *string
	if pubKey != "" {
		pk = &pubKey
	}
	o := &models.OnboardRequest{
		ID:        uuid.New(),
		Name:      name,
		Address:   address,
		PubKey:    pk,
		Status:    models.OnboardStatusPending,
		IP:        ip,
		CreatedAt: s.now(),
	}
	if err := s.repo.Create(ctx, o); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return nil, apperr.Conflict(apperr.CodeNameTaken, "name is already being registered")
		}
		return nil, apperr.Internal("failed to store request", err)
	}

	idStr := o.ID.String()
	_ = s.auditRepo.Log(ctx, models.AuditLog{
		ActorAddress: &address,
		ActorType:    models.ActorIdentity,
		Action:       "onboard_submitted",
		EntityType:   "onboard_request",
		EntityID:     &idStr,
		Meta:         map[string]any{"name": name, "ip": ip},
	})
	s.publishStatus(ctx, o.ID, models.OnboardStatusPending)

	// при ошибке строка останется pending без аренды, reaper переотправит
	if err := s.dispatcher.Dispatch(ctx, o.ID); err != nil {
		s.log.Error("onboard dispatch failed", zap.String("onboard_id", idStr), zap.Error(err))
	}

	return &OnboardSubmitResult{OnboardID: o.ID}, nil
}

func (s *OnboardService) ensureNameFree(ctx context.Context, name string) error {
	inUse, err := s.repo.NameInUse(ctx, name)
	if err != nil {
		return apperr.Internal("failed to check name", err)
	}
	if inUse {
		return apperr.Conflict(apperr.CodeNameTaken, "name is already taken or being registered")
	}

	_, err = s.identities.GetIdentity(ctx, FullIdentityName(name, s.cfg.OnboardParent))
	switch {
	case err == nil:
		return apperr.Conflict(apperr.CodeNameTaken, "name is already registered")
	case errors.Is(err, verus.ErrIdentityNotFound):
		return nil
	default:
		return apperr.Upstream("identity lookup failed", err)
	}
}

// Retry resumes a failed request at registration. Allowed only when the
// commitment was captured and has at least one confirmation.
func (s *OnboardService) Retry(ctx context.Context, id uuid.UUID) (*models.OnboardRequest, error) {
	o, err := s.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.CanRetry() {
		return nil, apperr.Validation(apperr.CodeRetryNotAllowed, "only failed requests with a commitment can be retried")
	}
	if len(o.CommitmentPayload) == 0 {
		return nil, apperr.Validation(apperr.CodeCommitmentPayloadMissing, "commitment data was not captured, cannot resume")
	}

	conf, err := s.confirmations.GetConfirmations(ctx, *o.CommitmentTxID)
	if err != nil {
		return nil, apperr.Upstream("failed to check commitment", err)
	}
	if conf < 1 {
		return nil, apperr.Validation(apperr.CodeCommitmentUnconfirmed, "commitment not confirmed yet, wait and retry")
	}

	ok, err := s.repo.ResetForRetry(ctx, id, s.now())
	if err != nil {
		return nil, apperr.Internal("failed to reset request", err)
	}
	if !ok {
		return nil, apperr.Validation(apperr.CodeRetryNotAllowed, "request is no longer retryable")
	}

	idStr := id.String()
	_ = s.auditRepo.Log(ctx, models.AuditLog{
		ActorAddress: &o.Address,
		ActorType:    models.ActorIdentity,
		Action:       "onboard_retry",
		EntityType:   "onboard_request",
		EntityID:     &idStr,
		Meta:         map[string]any{"commitment_txid": *o.CommitmentTxID},
	})
	s.publishStatus(ctx, id, models.OnboardStatusConfirming)

	if err := s.dispatcher.Dispatch(ctx, id); err != nil {
		s.log.Error("onboard dispatch failed", zap.String("onboard_id", idStr), zap.Error(err))
	}

	o.Status = models.OnboardStatusConfirming
	o.Error = nil
	return o, nil
}

func (s *OnboardService) Status(ctx context.Context, id uuid.UUID) (*models.OnboardRequest, error) {
	o, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, apperr.CodeNotFound, "onboard request not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load request", err)
	}
	return o, nil
}

func (s *OnboardService) publishStatus(ctx context.Context, id uuid.UUID, status string) {
	_ = s.publisher.Publish(ctx, events.StreamOnboard, events.Event{
		Type:    events.EventOnboardStatusChanged,
		Payload: map[string]any{"onboard_id": id.String(), "status": status},
	})
}

// FullIdentityName is "name.parent@", or "name@" without a parent namespace.
func FullIdentityName(name, parent string) string {
	if parent == "" {
		return name + "@"
	}
	return name + "." + strings.TrimSuffix(parent, "@") + "@"
}
