package services

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/autobb888/verus-agent-platform/internal/apperr"
	"github.com/autobb888/verus-agent-platform/internal/auth"
	"github.com/autobb888/verus-agent-platform/internal/config"
	"github.com/autobb888/verus-agent-platform/internal/events"
	"github.com/autobb888/verus-agent-platform/internal/models"
	"github.com/autobb888/verus-agent-platform/internal/repositories"
	"github.com/autobb888/verus-agent-platform/internal/verus"
	"go.uber.org/zap"
)

type SigningService interface {
	IssueChallenge(ctx context.Context, req IssueChallengeRequest) (*IssuedChallenge, error)
	VerifyCallback(ctx context.Context, body []byte, contentType string) (*CallbackVerdict, error)
}

// QRService отвечает за вход по QR: мобильный кошелёк подписывает, браузер опрашивает статус.
type QRService struct {
	repo       QRStore
	signing    SigningService
	identities IdentityResolver
	sessions   *SessionService
	auditRepo  AuditStore
	publisher  events.Publisher
	cfg        *config.Config
	log        *zap.Logger
	now        func() time.Time
}

func NewQRService(
	repo QRStore,
	signing SigningService,
	identities IdentityResolver,
	sessions *SessionService,
	auditRepo AuditStore,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *QRService {
	return &QRService{
		repo:       repo,
		signing:    signing,
		identities: identities,
		sessions:   sessions,
		auditRepo:  auditRepo,
		publisher:  publisher,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}
}

func (s *QRService) Issue(ctx context.Context) (*models.QRChallenge, error) {
	id, err := randomHex(16)
	if err != nil {
		return nil, apperr.Internal("failed to generate challenge", err)
	}

	issued, err := s.signing.IssueChallenge(ctx, IssueChallengeRequest{ChallengeID: id, CallbackURL: s.cfg.QRCallbackURL})
	if err != nil {
		return nil, apperr.Upstream("signing service unavailable", err)
	}

	now := s.now()
	expiresAt := issued.ExpiresAt
	if expiresAt.IsZero() || expiresAt.After(now.Add(s.cfg.ChallengeTTL)) {
		expiresAt = now.Add(s.cfg.ChallengeTTL)
	}

	q := &models.QRChallenge{
		ID:          id,
		ExternalRef: issued.SigningID,
		Deeplink:    issued.Deeplink,
		QRImage:     issued.QRImage,
		Status:      models.QRStatusPending,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
	}
	if err := s.repo.Create(ctx, q); err != nil {
		return nil, apperr.Internal("failed to store challenge", err)
	}
	return q, nil
}

// Callback is what the HTTP layer hands over from POST /auth/qr/callback.
type Callback struct {
	Body        []byte
	ContentType string
	Signature   string // X-Callback-Signature
	RemoteIP    string
}

type callbackBody struct {
	ChallengeID string `json:"challengeId"`
	SigningID   string `json:"signingId"`
	Signer      string `json:"signer"`
	Verified    bool   `json:"verified"`
}

// CallbackResult: Processed=false means the challenge had already been handled.
type CallbackResult struct {
	ChallengeID string
	Processed   bool
}

func (s *QRService) HandleCallback(ctx context.Context, cb Callback) (*CallbackResult, error) {
	var body callbackBody
	_ = json.Unmarshal(cb.Body, &body) // сырой callback устройства может быть не JSON

	forbidden := apperr.New(apperr.KindForbidden, apperr.CodeForbidden, "callback not verified")

	// идентификаторы берутся только из того, что аутентифицировано
	var challengeID, signingID, signer string
	preVerified := cb.Signature != "" || body.Verified
	if preVerified {
		if err := s.authenticatePreVerified(cb, body); err != nil {
			return nil, err
		}
		if body.ChallengeID == "" || body.Signer == "" {
			return nil, apperr.Validation(apperr.CodeInvalidRequest, "challengeId and signer are required")
		}
		challengeID, signingID, signer = body.ChallengeID, body.SigningID, body.Signer
	} else {
		verdict, err := s.signing.VerifyCallback(ctx, cb.Body, cb.ContentType)
		if err != nil {
			return nil, apperr.Upstream("signing service unavailable", err)
		}
		if !verdict.Valid || verdict.ChallengeID == "" || verdict.Signer == "" {
			s.log.Warn("qr callback rejected by signing service",
				zap.Bool("valid", verdict.Valid),
				zap.String("challenge_id", verdict.ChallengeID),
			)
			return nil, forbidden
		}
		challengeID, signingID, signer = verdict.ChallengeID, verdict.SigningID, verdict.Signer
	}

	q, err := s.repo.GetByID(ctx, challengeID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, apperr.CodeNotFound, "challenge not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load challenge", err)
	}

	// signingId обязан совпасть с запросом, выданным для этого challenge
	if signingID != q.ExternalRef && (preVerified || signingID != "") {
		s.log.Warn("qr callback for a different signing request",
			zap.String("challenge_id", q.ID),
			zap.String("signing_id", signingID),
		)
		return nil, forbidden
	}

	now := s.now()
	if q.Status != models.QRStatusPending {
		return &CallbackResult{ChallengeID: q.ID}, nil
	}
	if q.Expired(now) {
		_, _ = s.repo.MarkExpired(ctx, q.ID, now)
		return nil, apperr.Validation(apperr.CodeExpired, "challenge expired")
	}

	subject, name := s.resolveSigner(ctx, signer)
	ok, err := s.repo.MarkSigned(ctx, q.ID, subject, name, now)
	if err != nil {
		return nil, apperr.Internal("failed to update challenge", err)
	}
	if !ok {
		// кто-то успел раньше, либо истёк между чтением и записью
		cur, gerr := s.repo.GetByID(ctx, q.ID)
		if gerr == nil && cur.Status == models.QRStatusPending && cur.Expired(s.now()) {
			_, _ = s.repo.MarkExpired(ctx, q.ID, s.now())
			return nil, apperr.Validation(apperr.CodeExpired, "challenge expired")
		}
		return &CallbackResult{ChallengeID: q.ID}, nil
	}

	_ = s.publisher.Publish(ctx, events.StreamAuth, events.Event{
		Type:    events.EventQRSigned,
		Payload: map[string]any{"challenge_id": q.ID},
	})
	s.log.Info("qr challenge signed", zap.String("challenge_id", q.ID), zap.String("subject", subject))
	return &CallbackResult{ChallengeID: q.ID, Processed: true}, nil
}

func (s *QRService) authenticatePreVerified(cb Callback, body callbackBody) error {
	forbidden := apperr.New(apperr.KindForbidden, apperr.CodeForbidden, "callback not authenticated")
	if s.cfg.QRCallbackSecret == "" {
		if !isLoopback(cb.RemoteIP) {
			s.log.Warn("pre-verified qr callback from non-loopback source", zap.String("ip", cb.RemoteIP))
			return forbidden
		}
		return nil
	}
	if cb.Signature == "" || !auth.VerifyCallbackSignature(s.cfg.QRCallbackSecret, body.ChallengeID, body.SigningID, cb.Signature) {
		return forbidden
	}
	return nil
}

// resolveSigner is best effort: on lookup failure the raw reference is both
// subject and display name.
func (s *QRService) resolveSigner(ctx context.Context, signer string) (string, *string) {
	id, err := s.identities.GetIdentity(ctx, signer)
	if err != nil || !verus.IsIAddress(id.Identity.IdentityAddress) {
		s.log.Debug("signer lookup failed, keeping raw reference", zap.String("signer", signer), zap.Error(err))
		raw := signer
		return signer, &raw
	}
	return id.Identity.IdentityAddress, displayName(id, signer)
}

type QRStatus struct {
	Status      string
	Identity    string
	DisplayName string
	Session     *models.Session // только у победителя signed→completed
}

// Status is the JSON poll surface. A signed challenge is completed here; the
// caller that wins the transition gets the session.
func (s *QRService) Status(ctx context.Context, id string) (*QRStatus, error) {
	q, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, apperr.CodeNotFound, "challenge not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load challenge", err)
	}

	now := s.now()
	if (q.Status == models.QRStatusPending || q.Status == models.QRStatusSigned) && q.Expired(now) {
		if _, err := s.repo.MarkExpired(ctx, q.ID, now); err != nil {
			s.log.Warn("failed to mark qr challenge expired", zap.String("challenge_id", q.ID), zap.Error(err))
		}
		return &QRStatus{Status: models.QRStatusExpired}, nil
	}

	switch q.Status {
	case models.QRStatusPending:
		return &QRStatus{Status: models.QRStatusPending}, nil

	case models.QRStatusSigned:
		sess, done, err := s.complete(ctx, q.ID)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			if cur, gerr := s.repo.GetByID(ctx, q.ID); gerr == nil && cur.Status == models.QRStatusExpired {
				return &QRStatus{Status: models.QRStatusExpired}, nil
			}
			return &QRStatus{Status: models.QRStatusPending}, nil
		}
		return &QRStatus{
			Status:      models.QRStatusCompleted,
			Identity:    done.subject(),
			DisplayName: done.displayName(),
			Session:     sess,
		}, nil

	case models.QRStatusCompleted:
		// уже завершён другим запросом, новую сессию не создаём
		return &QRStatus{Status: models.QRStatusCompleted, Identity: qrView{q}.subject(), DisplayName: qrView{q}.displayName()}, nil

	default:
		return &QRStatus{Status: q.Status}, nil
	}
}

// Complete is the navigation surface. It returns a session only to the winner
// of signed→completed; everyone else gets nil and is redirected anyway.
func (s *QRService) Complete(ctx context.Context, id string) (*models.Session, error) {
	sess, _, err := s.complete(ctx, id)
	return sess, err
}

func (s *QRService) complete(ctx context.Context, id string) (*models.Session, qrView, error) {
	now := s.now()
	q, err := s.repo.Complete(ctx, id, now)
	if errors.Is(err, repositories.ErrNotFound) {
		// проиграли гонку, либо signed-challenge истёк: тогда он становится expired
		if _, err := s.repo.MarkExpired(ctx, id, now); err != nil {
			s.log.Warn("failed to mark qr challenge expired", zap.String("challenge_id", id), zap.Error(err))
		}
		return nil, qrView{}, nil
	}
	if err != nil {
		return nil, qrView{}, apperr.Internal("failed to complete challenge", err)
	}

	v := qrView{q}
	sess, err := s.sessions.CreateSession(ctx, v.subject(), q.DisplayName)
	if err != nil {
		// без сессии completed-строка бесполезна: возвращаем в signed для следующего опроса
		if rerr := s.repo.Reopen(ctx, id); rerr != nil {
			s.log.Error("failed to reopen qr challenge after session failure",
				zap.String("challenge_id", id),
				zap.NamedError("session_error", err),
				zap.Error(rerr),
			)
		}
		return nil, v, err
	}

	actor := v.subject()
	_ = s.auditRepo.Log(ctx, models.AuditLog{
		ActorAddress: &actor,
		ActorType:    models.ActorIdentity,
		Action:       "login",
		EntityType:   "qr_challenge",
		EntityID:     &q.ID,
		Meta:         map[string]any{"method": "qr"},
	})
	_ = s.publisher.Publish(ctx, events.StreamAuth, events.Event{
		Type:    events.EventQRCompleted,
		Payload: map[string]any{"challenge_id": q.ID},
	})
	return sess, v, nil
}

type qrView struct{ q *models.QRChallenge }

func (v qrView) subject() string {
	if v.q == nil || v.q.SubjectAddress == nil {
		return ""
	}
	return *v.q.SubjectAddress
}

func (v qrView) displayName() string {
	if v.q == nil || v.q.DisplayName == nil {
		return ""
	}
	return *v.q.DisplayName
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	return parsed != nil && parsed.IsLoopback()
}
