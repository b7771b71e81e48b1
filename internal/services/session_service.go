package services

import (
	"context"
	"errors"
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

type SessionService struct {
	challenges ChallengeStore
	sessions   SessionStore
	verifier   SignatureChecker
	identities IdentityResolver
	auditRepo  AuditStore
	publisher  events.Publisher
	cfg        *config.Config
	log        *zap.Logger
	now        func() time.Time
}

func NewSessionService(
	challenges ChallengeStore,
	sessions SessionStore,
	verifier SignatureChecker,
	identities IdentityResolver,
	auditRepo AuditStore,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *SessionService {
	return &SessionService{
		challenges: challenges,
		sessions:   sessions,
		verifier:   verifier,
		identities: identities,
		auditRepo:  auditRepo,
		publisher:  publisher,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}
}

type LoginRequest struct {
	ChallengeID string `json:"challengeId"`
	Identity    string `json:"identity"`
	Signature   string `json:"signature"`
}

// Login: claim challenge → verify signature → resolve identity → create session.
func (s *SessionService) Login(ctx context.Context, req LoginRequest) (*models.Session, error) {
	req.ChallengeID = strings.TrimSpace(req.ChallengeID)
	req.Identity = strings.TrimSpace(req.Identity)
	if req.ChallengeID == "" || req.Identity == "" || req.Signature == "" {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "challengeId, identity and signature are required")
	}

	// 1. Claim, единственная защита от двух параллельных логинов одним challenge
	challenge, err := s.challenges.Claim(ctx, req.ChallengeID, s.now())
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, apperr.Validation(apperr.CodeInvalidChallenge, "challenge is invalid, expired or already used")
	}
	if err != nil {
		return nil, apperr.Internal("failed to claim challenge", err)
	}

	// 2. Signature over the stored text
	if !s.verifier.Verify(ctx, req.Identity, challenge.Text, req.Signature, "") {
		return nil, apperr.Unauthorized(apperr.CodeInvalidSignature, "signature verification failed")
	}

	// 3. Canonical identity
	id, err := s.identities.GetIdentity(ctx, req.Identity)
	if err != nil || !verus.IsIAddress(id.Identity.IdentityAddress) {
		s.log.Debug("identity lookup failed", zap.String("identity", req.Identity), zap.Error(err))
		return nil, apperr.Unauthorized(apperr.CodeIdentityNotFound, "identity not found")
	}

	sess, err := s.CreateSession(ctx, id.Identity.IdentityAddress, displayName(id, req.Identity))
	if err != nil {
		return nil, err
	}

	actor := sess.SubjectAddress
	_ = s.auditRepo.Log(ctx, models.AuditLog{
		ActorAddress: &actor,
		ActorType:    models.ActorIdentity,
		Action:       "login",
		EntityType:   "session",
		Meta:         map[string]any{"method": "signature", "identity": req.Identity},
	})
	return sess, nil
}

// CreateSession creates a session for an already-proven subject.
func (s *SessionService) CreateSession(ctx context.Context, subject string, name *string) (*models.Session, error) {
	id, err := randomHex(32)
	if err != nil {
		return nil, apperr.Internal("failed to create session", err)
	}
	now := s.now()
	sess := &models.Session{
		ID:             id,
		SubjectAddress: subject,
		DisplayName:    name,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.SessionLifetime),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, apperr.Internal("failed to create session", err)
	}

	_ = s.publisher.Publish(ctx, events.StreamAuth, events.Event{
		Type:    events.EventSessionCreated,
		Payload: map[string]any{"subject": subject},
	})
	return sess, nil
}

// Check returns the session and slides its expiry by the full lifetime. A
// missing or expired session is deleted and reported unauthenticated.
func (s *SessionService) Check(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, apperr.Unauthorized(apperr.CodeUnauthenticated, "not authenticated")
	}
	now := s.now()
	sess, err := s.sessions.Touch(ctx, sessionID, now, now.Add(s.cfg.SessionLifetime))
	if errors.Is(err, repositories.ErrNotFound) {
		_ = s.sessions.Delete(ctx, sessionID)
		return nil, apperr.Unauthorized(apperr.CodeUnauthenticated, "not authenticated")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load session", err)
	}
	return sess, nil
}

func (s *SessionService) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return apperr.Internal("failed to delete session", err)
	}
	_ = s.auditRepo.Log(ctx, models.AuditLog{
		ActorType:  models.ActorIdentity,
		Action:     "logout",
		EntityType: "session",
	})
	return nil
}

// CookieToken signs the session id for the cookie.
func (s *SessionService) CookieToken(sess *models.Session) (string, error) {
	return auth.GenerateSessionToken(s.cfg.SessionSecret, sess.ID, sess.ExpiresAt)
}

// SessionIDFromCookie returns "" for a missing or tampered cookie.
func (s *SessionService) SessionIDFromCookie(value string) string {
	if value == "" {
		return ""
	}
	claims, err := auth.ParseSessionToken(s.cfg.SessionSecret, value)
	if err != nil {
		s.log.Debug("session cookie rejected", zap.Error(err))
		return ""
	}
	return claims.SessionID
}

func displayName(id *verus.Identity, fallback string) *string {
	name := id.FullyQualifiedName
	if name == "" && id.Identity.Name != "" {
		name = id.Identity.Name + "@"
	}
	if name == "" {
		name = fallback
	}
	return &name
}
