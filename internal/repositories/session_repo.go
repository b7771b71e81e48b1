package repositories

import (
	"context"
	"time"

	"github.com/autobb888/verus-agent-platform/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

type SessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

func (r *SessionRepo) Create(ctx context.Context, s *models.Session) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sessions (id, subject_address, display_name, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, s.ID, s.SubjectAddress, s.DisplayName, s.CreatedAt, s.ExpiresAt)
	return mapErr(err)
}

// Touch slides expires_at in one statement that also refuses rows already
// expired at now.
func (r *SessionRepo) Touch(ctx context.Context, id string, now, expiresAt time.Time) (*models.Session, error) {
	var s models.Session
	err := r.pool.QueryRow(ctx, `
		UPDATE sessions SET expires_at = $3
		WHERE id = $1 AND expires_at > $2
		RETURNING id, subject_address, display_name, created_at, expires_at
	`, id, now, expiresAt).Scan(&s.ID, &s.SubjectAddress, &s.DisplayName, &s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &s, nil
}

func (r *SessionRepo) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

func (r *SessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
