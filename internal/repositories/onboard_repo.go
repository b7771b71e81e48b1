package repositories

import (
	"context"
	"encoding/json"
	"time"

	"github.com/autobb888/verus-agent-platform/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OnboardRepo: заявки на регистрацию. Строка заявки и есть задача для воркера:
// claimed_at, аренда, все переходы статусов условные.
type OnboardRepo struct {
	pool *pgxpool.Pool
}

func NewOnboardRepo(pool *pgxpool.Pool) *OnboardRepo {
	return &OnboardRepo{pool: pool}
}

const onboardColumns = `id, name, address, pubkey, status, commitment_txid, commitment_payload,
	register_txid, identity_address, funded_amount::text, error, ip, claimed_at, created_at, updated_at`

func scanOnboard(row pgx.Row) (*models.OnboardRequest, error) {
	var o models.OnboardRequest
	var payload []byte
	err := row.Scan(&o.ID, &o.Name, &o.Address, &o.PubKey, &o.Status, &o.CommitmentTxID, &payload,
		&o.RegisterTxID, &o.IdentityAddress, &o.FundedAmount, &o.Error, &o.IP, &o.ClaimedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if len(payload) > 0 {
		o.CommitmentPayload = json.RawMessage(payload)
	}
	return &o, nil
}

// Create returns ErrDuplicate when another non-terminal request holds the name.
func (r *OnboardRepo) Create(ctx context.Context, o *models.OnboardRequest) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO onboard_requests (id, name, address, pubkey, status, ip, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING created_at, updated_at
	`, o.ID, o.Name, o.Address, o.PubKey, o.Status, o.IP, o.CreatedAt).Scan(&o.CreatedAt, &o.UpdatedAt)
	return mapErr(err)
}

func (r *OnboardRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.OnboardRequest, error) {
	return scanOnboard(r.pool.QueryRow(ctx, `SELECT `+onboardColumns+` FROM onboard_requests WHERE id = $1`, id))
}

// NameInUse: незавершённая или уже зарегистрированная заявка на имя.
func (r *OnboardRepo) NameInUse(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM onboard_requests
			WHERE name = $1 AND status IN ('pending', 'committing', 'confirming', 'registered')
		)
	`, name).Scan(&exists)
	return exists, err
}

// Claim takes the lease on an unclaimed pending/confirming row. A pending row
// moves to committing in the same statement; a confirming row (retry) keeps
// its status.
func (r *OnboardRepo) Claim(ctx context.Context, id uuid.UUID, now time.Time) (*models.OnboardRequest, error) {
	return scanOnboard(r.pool.QueryRow(ctx, `
		UPDATE onboard_requests
		SET claimed_at = $2,
		    status = CASE WHEN status = 'pending' THEN 'committing' ELSE status END,
		    updated_at = $2
		WHERE id = $1 AND claimed_at IS NULL AND status IN ('pending', 'confirming')
		RETURNING `+onboardColumns, id, now))
}

func (r *OnboardRepo) SaveCommitment(ctx context.Context, id uuid.UUID, txid string, payload json.RawMessage, now time.Time) error {
	return r.execOne(ctx, `
		UPDATE onboard_requests
		SET commitment_txid = $2, commitment_payload = $3, status = 'confirming', claimed_at = $4, updated_at = $4
		WHERE id = $1 AND status = 'committing' AND claimed_at IS NOT NULL
	`, id, txid, []byte(payload), now)
}

func (r *OnboardRepo) SaveRegisterTxID(ctx context.Context, id uuid.UUID, txid string, now time.Time) error {
	return r.execOne(ctx, `
		UPDATE onboard_requests
		SET register_txid = $2, claimed_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'confirming' AND claimed_at IS NOT NULL
	`, id, txid, now)
}

func (r *OnboardRepo) MarkRegistered(ctx context.Context, id uuid.UUID, identityAddress string, now time.Time) error {
	return r.execOne(ctx, `
		UPDATE onboard_requests
		SET status = 'registered', identity_address = $2, error = NULL, claimed_at = NULL, updated_at = $3
		WHERE id = $1 AND status = 'confirming'
	`, id, identityAddress, now)
}

func (r *OnboardRepo) SaveFunding(ctx context.Context, id uuid.UUID, amount string, now time.Time) error {
	return r.execOne(ctx, `
		UPDATE onboard_requests SET funded_amount = $2::numeric, updated_at = $3
		WHERE id = $1 AND status = 'registered'
	`, id, amount, now)
}

// MarkFailed releases the lease and records reason. Terminal rows are left alone.
func (r *OnboardRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string, now time.Time) error {
	return r.execOne(ctx, `
		UPDATE onboard_requests
		SET status = 'failed', error = $2, claimed_at = NULL, updated_at = $3
		WHERE id = $1 AND status IN ('pending', 'committing', 'confirming')
	`, id, reason, now)
}

// ResetForRetry: failed→confirming, только при захваченном commitment.
func (r *OnboardRepo) ResetForRetry(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE onboard_requests
		SET status = 'confirming', error = NULL, claimed_at = NULL, updated_at = $2
		WHERE id = $1 AND status = 'failed' AND commitment_txid IS NOT NULL
	`, id, now)
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListUnclaimed returns dispatchable rows nobody has picked up since updatedBefore.
func (r *OnboardRepo) ListUnclaimed(ctx context.Context, updatedBefore time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM onboard_requests
		WHERE claimed_at IS NULL AND status IN ('pending', 'confirming') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// FailStale marks rows whose lease is older than claimedBefore as failed.
func (r *OnboardRepo) FailStale(ctx context.Context, claimedBefore, now time.Time, reason string) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE onboard_requests
		SET status = 'failed', error = $2, claimed_at = NULL, updated_at = $3
		WHERE claimed_at IS NOT NULL AND claimed_at < $1 AND status IN ('committing', 'confirming')
		RETURNING id
	`, claimedBefore, reason, now)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (r *OnboardRepo) execOne(ctx context.Context, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
