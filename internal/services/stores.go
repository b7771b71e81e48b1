package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/autobb888/verus-agent-platform/internal/models"
	"github.com/autobb888/verus-agent-platform/internal/verus"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Хранилища, которыми пользуются сервисы. Реализации, repositories.*Repo
// (Postgres) и repositories.Memory*Repo. Все гонки решаются условными UPDATE
// внутри хранилища, сервисы read-modify-write не делают.

type ChallengeStore interface {
	Create(ctx context.Context, c *models.LoginChallenge) error
	Claim(ctx context.Context, id string, now time.Time) (*models.LoginChallenge, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type SessionStore interface {
	Create(ctx context.Context, s *models.Session) error
	Touch(ctx context.Context, id string, now, expiresAt time.Time) (*models.Session, error)
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type QRStore interface {
	Create(ctx context.Context, q *models.QRChallenge) error
	GetByID(ctx context.Context, id string) (*models.QRChallenge, error)
	MarkSigned(ctx context.Context, id, subject string, displayName *string, now time.Time) (bool, error)
	MarkExpired(ctx context.Context, id string, now time.Time) (bool, error)
	Complete(ctx context.Context, id string, now time.Time) (*models.QRChallenge, error)
	Reopen(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type OnboardStore interface {
	Create(ctx context.Context, o *models.OnboardRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.OnboardRequest, error)
	NameInUse(ctx context.Context, name string) (bool, error)
	Claim(ctx context.Context, id uuid.UUID, now time.Time) (*models.OnboardRequest, error)
	SaveCommitment(ctx context.Context, id uuid.UUID, txid string, payload json.RawMessage, now time.Time) error
	SaveRegisterTxID(ctx context.Context, id uuid.UUID, txid string, now time.Time) error
	MarkRegistered(ctx context.Context, id uuid.UUID, identityAddress string, now time.Time) error
	SaveFunding(ctx context.Context, id uuid.UUID, amount string, now time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, now time.Time) error
	ResetForRetry(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
}

type AuditStore interface {
	Log(ctx context.Context, entry models.AuditLog) error
}

// Ledger-side collaborators; *verus.Client satisfies all of them.

type IdentityResolver interface {
	GetIdentity(ctx context.Context, nameOrAddress string) (*verus.Identity, error)
}

type SignatureChecker interface {
	Verify(ctx context.Context, signer, message, signature, pubKeyHex string) bool
}

type ConfirmationChecker interface {
	GetConfirmations(ctx context.Context, txid string) (int64, error)
}

type Ledger interface {
	IdentityResolver
	ConfirmationChecker
	RegisterNameCommitment(ctx context.Context, name, controlAddress, referral, parent string) (*verus.NameCommitment, error)
	RegisterIdentity(ctx context.Context, commitment verus.NameCommitment, identity verus.IdentityDefinition) (string, error)
	SendToAddress(ctx context.Context, address string, amount decimal.Decimal) (string, error)
}

// Dispatcher hands an onboarding request id to the worker pool.
type Dispatcher interface {
	Dispatch(ctx context.Context, id uuid.UUID) error
}
