package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/ai-call-dispatch/internal/domain"
	"github.com/acme/ai-call-dispatch/internal/repository"
)

// CallRepository implements repository.CallRepository using PostgreSQL.
type CallRepository struct {
	db *sqlx.DB
}

// NewCallRepository constructs the repository.
func NewCallRepository(db *sqlx.DB) *CallRepository {
	return &CallRepository{db: db}
}

// CreateCall inserts a new in-flight call record.
func (r *CallRepository) CreateCall(ctx context.Context, record *domain.CallRecord) error {
	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("call repo: marshal metadata: %w", err)
	}

	q := `INSERT INTO calls (
		id, user_id, campaign_id, agent_id, contact_id, phone_number,
		execution_id, status, duration_sec, metadata, started_at, ended_at, created_at
	) VALUES (
		:id, :user_id, :campaign_id, :agent_id, :contact_id, :phone_number,
		:execution_id, :status, :duration_sec, :metadata, :started_at, :ended_at, :created_at
	)`

	params := map[string]any{
		"id":           record.ID,
		"user_id":      record.UserID,
		"campaign_id":  record.CampaignID,
		"agent_id":     record.AgentID,
		"contact_id":   record.ContactID,
		"phone_number": record.PhoneNumber,
		"execution_id": record.ExecutionID,
		"status":       record.Status,
		"duration_sec": record.DurationSec,
		"metadata":     metadata,
		"started_at":   record.StartedAt,
		"ended_at":     record.EndedAt,
		"created_at":   record.CreatedAt,
	}

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("call repo: insert: %w", err)
	}
	return nil
}

// GetCall fetches a call record by id.
func (r *CallRepository) GetCall(ctx context.Context, id uuid.UUID) (*domain.CallRecord, error) {
	return r.one(ctx, `SELECT `+callColumns+` FROM calls WHERE id = $1`, id)
}

// GetByExecution fetches a call record by provider execution id.
func (r *CallRepository) GetByExecution(ctx context.Context, executionID string) (*domain.CallRecord, error) {
	return r.one(ctx, `SELECT `+callColumns+` FROM calls WHERE execution_id = $1`, executionID)
}

// CompleteByExecution closes an in-flight record. The status guard makes the
// operation idempotent under webhook redelivery.
func (r *CallRepository) CompleteByExecution(ctx context.Context, executionID string, status domain.CallStatus, durationSec int) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE calls SET
			status = $2, duration_sec = $3, ended_at = now()
		WHERE execution_id = $1 AND status = 'in_progress'`, executionID, status, durationSec); err != nil {
		return fmt.Errorf("call repo: complete: %w", err)
	}
	return nil
}

// ListCallsByUser lists a user's calls, newest first.
func (r *CallRepository) ListCallsByUser(ctx context.Context, userID string, limit int, offset int) ([]domain.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryxContext(ctx, `SELECT `+callColumns+` FROM calls
		WHERE user_id = $1 ORDER BY started_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("call repo: list: %w", err)
	}
	defer rows.Close()

	var results []domain.CallRecord
	for rows.Next() {
		var rec callRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("call repo: scan: %w", err)
		}
		results = append(results, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("call repo: rows err: %w", err)
	}
	return results, nil
}

// IsTerminalOrAbsent reports whether a call record is terminal or missing.
func (r *CallRepository) IsTerminalOrAbsent(ctx context.Context, callID uuid.UUID) (bool, error) {
	var status string
	err := r.db.QueryRowxContext(ctx, `SELECT status FROM calls WHERE id = $1`, callID).Scan(&status)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("call repo: terminal check: %w", err)
	}
	return domain.CallStatus(status) != domain.CallStatusInProgress, nil
}

func (r *CallRepository) one(ctx context.Context, query string, arg any) (*domain.CallRecord, error) {
	row := r.db.QueryRowxContext(ctx, query, arg)
	var rec callRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call repo: get: %w", err)
	}
	record := rec.toDomain()
	return &record, nil
}

const callColumns = `id, user_id, campaign_id, agent_id, contact_id, phone_number,
	execution_id, status, duration_sec, metadata, started_at, ended_at, created_at`

type callRecord struct {
	ID          uuid.UUID      `db:"id"`
	UserID      string         `db:"user_id"`
	CampaignID  *uuid.UUID     `db:"campaign_id"`
	AgentID     string         `db:"agent_id"`
	ContactID   string         `db:"contact_id"`
	PhoneNumber string         `db:"phone_number"`
	ExecutionID sql.NullString `db:"execution_id"`
	Status      string         `db:"status"`
	DurationSec int            `db:"duration_sec"`
	Metadata    []byte         `db:"metadata"`
	StartedAt   time.Time      `db:"started_at"`
	EndedAt     sql.NullTime   `db:"ended_at"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (r callRecord) toDomain() domain.CallRecord {
	var metadata map[string]any
	_ = json.Unmarshal(r.Metadata, &metadata)

	record := domain.CallRecord{
		ID:          r.ID,
		UserID:      r.UserID,
		CampaignID:  r.CampaignID,
		AgentID:     r.AgentID,
		ContactID:   r.ContactID,
		PhoneNumber: r.PhoneNumber,
		ExecutionID: r.ExecutionID.String,
		Status:      domain.CallStatus(r.Status),
		DurationSec: r.DurationSec,
		Metadata:    metadata,
		StartedAt:   r.StartedAt,
		CreatedAt:   r.CreatedAt,
	}
	if r.EndedAt.Valid {
		t := r.EndedAt.Time
		record.EndedAt = &t
	}
	return record
}

var _ repository.CallRepository = (*CallRepository)(nil)
