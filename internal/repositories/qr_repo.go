package repositories

import (
	"context"
	"time"

	"github.com/autobb888/verus-agent-platform/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type QRRepo struct {
	pool *pgxpool.Pool
}

func NewQRRepo(pool *pgxpool.Pool) *QRRepo {
	return &QRRepo{pool: pool}
}

const qrColumns = `id, external_ref, deeplink, qr_image, status, subject_address, display_name, expires_at, created_at`

func scanQR(row pgx.Row) (*models.QRChallenge, error) {
	var q models.QRChallenge
	err := row.Scan(&q.ID, &q.ExternalRef, &q.Deeplink, &q.QRImage, &q.Status,
		&q.SubjectAddress, &q.DisplayName, &q.ExpiresAt, &q.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &q, nil
}

func (r *QRRepo) Create(ctx context.Context, q *models.QRChallenge) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO qr_challenges (id, external_ref, deeplink, qr_image, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, q.ID, q.ExternalRef, q.Deeplink, q.QRImage, q.Status, q.ExpiresAt, q.CreatedAt)
	return mapErr(err)
}

func (r *QRRepo) GetByID(ctx context.Context, id string) (*models.QRChallenge, error) {
	return scanQR(r.pool.QueryRow(ctx, `SELECT `+qrColumns+` FROM qr_challenges WHERE id = $1`, id))
}

// MarkSigned: pending→signed, только пока challenge не истёк.
func (r *QRRepo) MarkSigned(ctx context.Context, id, subject string, displayName *string, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE qr_challenges SET status = 'signed', subject_address = $2, display_name = $3
		WHERE id = $1 AND status = 'pending' AND expires_at > $4
	`, id, subject, displayName, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkExpired: pending|signed→expired once expires_at has passed.
func (r *QRRepo) MarkExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE qr_challenges SET status = 'expired'
		WHERE id = $1 AND status IN ('pending', 'signed') AND expires_at <= $2
	`, id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Complete: signed→completed while not expired. Only one caller gets the row
// back; the rest see ErrNotFound.
func (r *QRRepo) Complete(ctx context.Context, id string, now time.Time) (*models.QRChallenge, error) {
	return scanQR(r.pool.QueryRow(ctx, `
		UPDATE qr_challenges SET status = 'completed'
		WHERE id = $1 AND status = 'signed' AND expires_at > $2
		RETURNING `+qrColumns, id, now))
}

// Reopen undoes Complete when the winner could not create the session, so the
// next poll can try again.
func (r *QRRepo) Reopen(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE qr_challenges SET status = 'signed'
		WHERE id = $1 AND status = 'completed'
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *QRRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM qr_challenges WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
