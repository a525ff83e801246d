package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/ai-call-dispatch/internal/domain"
	"github.com/acme/ai-call-dispatch/internal/repository"
)

// PhoneNumberRepository resolves source caller ids from PostgreSQL.
type PhoneNumberRepository struct {
	db *sqlx.DB
}

// NewPhoneNumberRepository constructs the repository.
func NewPhoneNumberRepository(db *sqlx.DB) *PhoneNumberRepository {
	return &PhoneNumberRepository{db: db}
}

// Get fetches a phone number by id.
func (r *PhoneNumberRepository) Get(ctx context.Context, id uuid.UUID) (*domain.PhoneNumber, error) {
	return r.one(ctx, `SELECT id, user_id, agent_id, e164, created_at FROM phone_numbers WHERE id = $1`, id)
}

// ByAgent returns the number assigned to the given agent, if any.
func (r *PhoneNumberRepository) ByAgent(ctx context.Context, agentID string) (*domain.PhoneNumber, error) {
	return r.one(ctx, `SELECT id, user_id, agent_id, e164, created_at FROM phone_numbers
		WHERE agent_id = $1 ORDER BY created_at DESC LIMIT 1`, agentID)
}

// NewestForUser returns the user's most recently added number.
func (r *PhoneNumberRepository) NewestForUser(ctx context.Context, userID string) (*domain.PhoneNumber, error) {
	return r.one(ctx, `SELECT id, user_id, agent_id, e164, created_at FROM phone_numbers
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1`, userID)
}

func (r *PhoneNumberRepository) one(ctx context.Context, query string, arg any) (*domain.PhoneNumber, error) {
	row := r.db.QueryRowxContext(ctx, query, arg)
	var rec phoneNumberRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("phone number repo: query: %w", err)
	}
	number := rec.toDomain()
	return &number, nil
}

type phoneNumberRecord struct {
	ID        uuid.UUID      `db:"id"`
	UserID    string         `db:"user_id"`
	AgentID   sql.NullString `db:"agent_id"`
	E164      string         `db:"e164"`
	CreatedAt sql.NullTime   `db:"created_at"`
}

func (r phoneNumberRecord) toDomain() domain.PhoneNumber {
	number := domain.PhoneNumber{
		ID:        r.ID,
		UserID:    r.UserID,
		E164:      r.E164,
		CreatedAt: r.CreatedAt.Time,
	}
	if r.AgentID.Valid {
		s := r.AgentID.String
		number.AgentID = &s
	}
	return number
}

var _ repository.PhoneNumberRepository = (*PhoneNumberRepository)(nil)
