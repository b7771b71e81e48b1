package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/autobb888/verus-agent-platform/internal/apperr"
	"github.com/autobb888/verus-agent-platform/internal/auth"
	"github.com/autobb888/verus-agent-platform/internal/config"
	"github.com/autobb888/verus-agent-platform/internal/models"
	"go.uber.org/zap"
)

const loginChallengeTemplate = "Verus Agent Platform login\nAction: login\nTimestamp: %s\nNonce: %s"

type ChallengeService struct {
	repo ChallengeStore
	cfg  *config.Config
	log  *zap.Logger
	now  func() time.Time
}

func NewChallengeService(repo ChallengeStore, cfg *config.Config, log *zap.Logger) *ChallengeService {
	return &ChallengeService{repo: repo, cfg: cfg, log: log, now: time.Now}
}

// IssueLoginChallenge persists a one-time login challenge valid for ChallengeTTL.
func (s *ChallengeService) IssueLoginChallenge(ctx context.Context) (*models.LoginChallenge, error) {
	id, err := randomHex(16)
	if err != nil {
		return nil, apperr.Internal("failed to generate challenge", err)
	}
	nonce, err := randomHex(16)
	if err != nil {
		return nil, apperr.Internal("failed to generate challenge", err)
	}

	now := s.now().UTC()
	c := &models.LoginChallenge{
		ID:        id,
		Text:      fmt.Sprintf(loginChallengeTemplate, now.Format(time.RFC3339), nonce),
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.ChallengeTTL),
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, apperr.Internal("failed to store challenge", err)
	}
	return c, nil
}

// IssueOnboardChallenge is stateless: nothing is stored until a proof comes back.
func (s *ChallengeService) IssueOnboardChallenge(name, address string) (auth.OnboardChallenge, error) {
	ch, err := auth.IssueOnboardChallenge(s.cfg.OnboardSecret, name, address, s.now())
	if err != nil {
		return auth.OnboardChallenge{}, apperr.Internal("failed to generate challenge", err)
	}
	return ch, nil
}

func (s *ChallengeService) VerifyOnboardToken(name, address, challenge, token string) error {
	if err := auth.VerifyOnboardToken(s.cfg.OnboardSecret, name, address, challenge, token, s.cfg.OnboardTokenTTL, s.now()); err != nil {
		s.log.Debug("onboard token rejected", zap.String("name", name), zap.Error(err))
		return apperr.Validation(apperr.CodeInvalidToken, "challenge token is invalid or expired")
	}
	return nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
