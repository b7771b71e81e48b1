package repositories

import (
	"context"
	"time"

	"github.com/autobb888/verus-agent-platform/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ChallengeRepo struct {
	pool *pgxpool.Pool
}

func NewChallengeRepo(pool *pgxpool.Pool) *ChallengeRepo {
	return &ChallengeRepo{pool: pool}
}

func (r *ChallengeRepo) Create(ctx context.Context, c *models.LoginChallenge) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO login_challenges (id, text, used, created_at, expires_at)
		VALUES ($1, $2, false, $3, $4)
	`, c.ID, c.Text, c.CreatedAt, c.ExpiresAt)
	return mapErr(err)
}

// Claim: единственный переход used=false→true. Ноль строк (нет, истёк, уже
// использован) отдаёт ErrNotFound.
func (r *ChallengeRepo) Claim(ctx context.Context, id string, now time.Time) (*models.LoginChallenge, error) {
	var c models.LoginChallenge
	err := r.pool.QueryRow(ctx, `
		UPDATE login_challenges SET used = true
		WHERE id = $1 AND used = false AND expires_at > $2
		RETURNING id, text, used, created_at, expires_at
	`, id, now).Scan(&c.ID, &c.Text, &c.Used, &c.CreatedAt, &c.ExpiresAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (r *ChallengeRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM login_challenges WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
