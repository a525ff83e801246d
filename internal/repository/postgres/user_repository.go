package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/acme/ai-call-dispatch/internal/domain"
	"github.com/acme/ai-call-dispatch/internal/repository"
)

// UserRepository implements repository.UserRepository using PostgreSQL.
type UserRepository struct {
	db          *sqlx.DB
	userDefault int
}

// NewUserRepository constructs the repository.
func NewUserRepository(db *sqlx.DB, userDefault int) *UserRepository {
	return &UserRepository{db: db, userDefault: userDefault}
}

// Get fetches a user with their effective concurrency limit.
func (r *UserRepository) Get(ctx context.Context, id string) (*domain.User, error) {
	row := r.db.QueryRowxContext(ctx,
		`SELECT id, per_user_limit, credits, status FROM users WHERE id = $1`, id)

	var rec userRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("user repo: get: %w", err)
	}

	user := rec.toDomain()
	if user.PerUserLimit <= 0 {
		user.PerUserLimit = r.userDefault
	}
	return &user, nil
}

// Credits returns the user's remaining credit balance.
func (r *UserRepository) Credits(ctx context.Context, id string) (int, error) {
	var credits int
	if err := r.db.QueryRowxContext(ctx, `SELECT credits FROM users WHERE id = $1`, id).Scan(&credits); err != nil {
		if err == sql.ErrNoRows {
			return 0, repository.ErrNotFound
		}
		return 0, fmt.Errorf("user repo: credits: %w", err)
	}
	return credits, nil
}

type userRecord struct {
	ID           string        `db:"id"`
	PerUserLimit sql.NullInt64 `db:"per_user_limit"`
	Credits      int           `db:"credits"`
	Status       string        `db:"status"`
}

func (r userRecord) toDomain() domain.User {
	return domain.User{
		ID:           r.ID,
		PerUserLimit: int(r.PerUserLimit.Int64),
		Credits:      r.Credits,
		Status:       r.Status,
	}
}

var _ repository.UserRepository = (*UserRepository)(nil)
