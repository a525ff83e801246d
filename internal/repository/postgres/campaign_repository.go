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

// CampaignRepository implements the slim campaign view using PostgreSQL.
// Campaign creation and target ingestion happen upstream; the core only reads
// activity state and pauses campaigns when a user runs out of credits.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs the repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx,
		`SELECT id, user_id, name, status, created_at, updated_at FROM campaigns WHERE id = $1`, id)

	var rec campaignRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}

	campaign := rec.toDomain()
	return &campaign, nil
}

// PauseActiveForUser flips all of a user's active campaigns to paused.
func (r *CampaignRepository) PauseActiveForUser(ctx context.Context, userID string) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE campaigns SET status = 'paused', updated_at = now()
		  WHERE user_id = $1 AND status = 'active'`, userID)
	if err != nil {
		return 0, fmt.Errorf("campaign repo: pause for user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	return int(n), nil
}

type campaignRecord struct {
	ID        uuid.UUID    `db:"id"`
	UserID    string       `db:"user_id"`
	Name      string       `db:"name"`
	Status    string       `db:"status"`
	CreatedAt sql.NullTime `db:"created_at"`
	UpdatedAt sql.NullTime `db:"updated_at"`
}

func (r campaignRecord) toDomain() domain.Campaign {
	return domain.Campaign{
		ID:        r.ID,
		UserID:    r.UserID,
		Name:      r.Name,
		Status:    domain.CampaignStatus(r.Status),
		CreatedAt: r.CreatedAt.Time,
		UpdatedAt: r.UpdatedAt.Time,
	}
}

var _ repository.CampaignRepository = (*CampaignRepository)(nil)
