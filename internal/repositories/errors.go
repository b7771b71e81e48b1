package repositories

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound: строки нет, либо условный UPDATE не затронул ни одной строки.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate: нарушение уникального индекса.
	ErrDuplicate = errors.New("duplicate")
	// ErrInvalidTransition: переход статуса запрещён таблицей переходов модели.
	ErrInvalidTransition = errors.New("invalid status transition")
)

const pgUniqueViolation = "23505"

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrDuplicate
	}
	return err
}
