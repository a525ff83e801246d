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

// An item is eligible when it is queued, due, and (for campaign items only)
// its campaign is active. Direct items never join campaigns.
const eligiblePredicate = `q.status = 'queued' AND q.scheduled_for <= now()
	AND (q.call_type = 'direct' OR EXISTS (
		SELECT 1 FROM campaigns c WHERE c.id = q.campaign_id AND c.status = 'active'))`

// QueueRepository implements repository.QueueRepository using PostgreSQL.
type QueueRepository struct {
	db          *sqlx.DB
	userDefault int
}

// NewQueueRepository constructs the queue repository.
func NewQueueRepository(db *sqlx.DB, userDefault int) *QueueRepository {
	return &QueueRepository{db: db, userDefault: userDefault}
}

// Enqueue inserts a new queue item.
func (r *QueueRepository) Enqueue(ctx context.Context, item *domain.QueueItem) error {
	userData, err := json.Marshal(item.UserData)
	if err != nil {
		return fmt.Errorf("queue repo: marshal user data: %w", err)
	}

	q := `INSERT INTO queue (
		id, user_id, call_type, campaign_id, status, agent_id, contact_id,
		phone_number, source_number_id, user_data, priority, scheduled_for, created_at, updated_at
	) VALUES (
		:id, :user_id, :call_type, :campaign_id, :status, :agent_id, :contact_id,
		:phone_number, :source_number_id, :user_data, :priority, :scheduled_for, :created_at, :updated_at
	)`

	params := map[string]any{
		"id":            item.ID,
		"user_id":       item.UserID,
		"call_type":     item.CallType,
		"campaign_id":   item.CampaignID,
		"status":        item.Status,
		"agent_id":      item.AgentID,
		"contact_id":    item.ContactID,
		"phone_number":  item.PhoneNumber,
		"source_number_id": item.SourceNumberID,
		"user_data":     userData,
		"priority":      item.Priority,
		"scheduled_for": item.ScheduledFor,
		"created_at":    item.CreatedAt,
		"updated_at":    item.UpdatedAt,
	}

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("queue repo: insert: %w", err)
	}
	return nil
}

// Get fetches a queue item by id.
func (r *QueueRepository) Get(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+queueColumns+` FROM queue q WHERE q.id = $1`, id)
	var rec queueRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("queue repo: get: %w", err)
	}
	item := rec.toDomain()
	return &item, nil
}

// EligibleUsers returns the fairness-ordered set of users with eligible work.
func (r *QueueRepository) EligibleUsers(ctx context.Context, limit int) ([]repository.UserQueueSummary, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT q.user_id,
			COALESCE(max(u.per_user_limit), $1) AS per_user_limit,
			count(*) AS eligible_items
		FROM queue q
		LEFT JOIN users u ON u.id = q.user_id
		WHERE `+eligiblePredicate+`
		GROUP BY q.user_id
		ORDER BY min(q.last_allocation_at) ASC NULLS FIRST, min(q.created_at) ASC
		LIMIT $2`, r.userDefault, limit)
	if err != nil {
		return nil, fmt.Errorf("queue repo: eligible users: %w", err)
	}
	defer rows.Close()

	var results []repository.UserQueueSummary
	for rows.Next() {
		var s repository.UserQueueSummary
		if err := rows.Scan(&s.UserID, &s.PerUserLimit, &s.EligibleItems); err != nil {
			return nil, fmt.Errorf("queue repo: scan summary: %w", err)
		}
		if s.PerUserLimit <= 0 {
			s.PerUserLimit = r.userDefault
		}
		results = append(results, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue repo: rows err: %w", err)
	}
	return results, nil
}

// PopNextEligible claims the user's next eligible item. SKIP LOCKED keeps
// concurrent pops from double-claiming a row.
func (r *QueueRepository) PopNextEligible(ctx context.Context, userID string) (*domain.QueueItem, error) {
	now := time.Now().UTC()
	row := r.db.QueryRowxContext(ctx, `UPDATE queue SET
			status = 'processing', last_allocation_at = $2, failure_reason = NULL, updated_at = $2
		WHERE id = (
			SELECT q.id FROM queue q
			WHERE q.user_id = $1 AND `+eligiblePredicate+`
			ORDER BY q.priority DESC, q.scheduled_for ASC, q.created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+queueReturning, userID, now)

	var rec queueRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("queue repo: pop: %w", err)
	}
	item := rec.toDomain()
	return &item, nil
}

// RevertToQueued returns a processing item to the queue with an annotated
// failure reason. The queued->queued re-annotation after a capacity reject
// goes through here as well.
func (r *QueueRepository) RevertToQueued(ctx context.Context, id uuid.UUID, reason string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE queue SET
			status = 'queued', failure_reason = $2, call_id = NULL, updated_at = now()
		WHERE id = $1 AND status IN ('processing', 'queued')`, id, reason)
	if err != nil {
		return fmt.Errorf("queue repo: revert: %w", err)
	}
	return checkAffected(res, "revert")
}

// MarkFailed moves a processing item to failed.
func (r *QueueRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE queue SET
			status = 'failed', failure_reason = $2, updated_at = now()
		WHERE id = $1 AND status = 'processing'`, id, reason)
	if err != nil {
		return fmt.Errorf("queue repo: mark failed: %w", err)
	}
	return checkAffected(res, "mark failed")
}

// SetCallID stamps the generated call id on a processing item.
func (r *QueueRepository) SetCallID(ctx context.Context, id uuid.UUID, callID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `UPDATE queue SET call_id = $2, updated_at = now()
		WHERE id = $1 AND status = 'processing'`, id, callID)
	if err != nil {
		return fmt.Errorf("queue repo: set call id: %w", err)
	}
	return checkAffected(res, "set call id")
}

// CompleteByCallID closes the item once its terminal event arrives.
func (r *QueueRepository) CompleteByCallID(ctx context.Context, callID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE queue SET status = 'completed', updated_at = now()
		WHERE call_id = $1 AND status = 'processing'`, callID); err != nil {
		return fmt.Errorf("queue repo: complete: %w", err)
	}
	return nil
}

func checkAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue repo: %s rows affected: %w", op, err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

const queueColumns = `q.id, q.user_id, q.call_type, q.campaign_id, q.status, q.agent_id,
	q.contact_id, q.phone_number, q.source_number_id, q.user_data, q.priority, q.scheduled_for,
	q.call_id, q.last_allocation_at, q.failure_reason, q.created_at, q.updated_at`

const queueReturning = `id, user_id, call_type, campaign_id, status, agent_id,
	contact_id, phone_number, source_number_id, user_data, priority, scheduled_for,
	call_id, last_allocation_at, failure_reason, created_at, updated_at`

type queueRecord struct {
	ID               uuid.UUID      `db:"id"`
	UserID           string         `db:"user_id"`
	CallType         string         `db:"call_type"`
	CampaignID       *uuid.UUID     `db:"campaign_id"`
	Status           string         `db:"status"`
	AgentID          string         `db:"agent_id"`
	ContactID        string         `db:"contact_id"`
	PhoneNumber      string         `db:"phone_number"`
	SourceNumberID   *uuid.UUID     `db:"source_number_id"`
	UserData         []byte         `db:"user_data"`
	Priority         int            `db:"priority"`
	ScheduledFor     time.Time      `db:"scheduled_for"`
	CallID           *uuid.UUID     `db:"call_id"`
	LastAllocationAt sql.NullTime   `db:"last_allocation_at"`
	FailureReason    sql.NullString `db:"failure_reason"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (r queueRecord) toDomain() domain.QueueItem {
	var userData domain.UserData
	_ = json.Unmarshal(r.UserData, &userData)

	item := domain.QueueItem{
		ID:           r.ID,
		UserID:       r.UserID,
		CallType:     domain.CallType(r.CallType),
		CampaignID:   r.CampaignID,
		Status:       domain.QueueStatus(r.Status),
		AgentID:      r.AgentID,
		ContactID:      r.ContactID,
		PhoneNumber:    r.PhoneNumber,
		SourceNumberID: r.SourceNumberID,
		UserData:       userData,
		Priority:     r.Priority,
		ScheduledFor: r.ScheduledFor,
		CallID:       r.CallID,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.LastAllocationAt.Valid {
		t := r.LastAllocationAt.Time
		item.LastAllocationAt = &t
	}
	if r.FailureReason.Valid {
		s := r.FailureReason.String
		item.FailureReason = &s
	}
	return item
}

var _ repository.QueueRepository = (*QueueRepository)(nil)
