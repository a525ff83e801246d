package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/ai-call-dispatch/internal/domain"
	"github.com/acme/ai-call-dispatch/internal/repository"
)

// registryLockKey serializes reservations. Counts and the conditional insert
// must observe each other, and the system-wide count spans users, so a plain
// row lock is not enough.
const registryLockKey = 0x63616c6c // "call"

// ActiveCallRepository implements repository.ActiveCallRepository using
// PostgreSQL.
type ActiveCallRepository struct {
	db          *sqlx.DB
	systemLimit int
	userDefault int
}

// NewActiveCallRepository constructs the registry backed by the active_calls
// table.
func NewActiveCallRepository(db *sqlx.DB, systemLimit, userDefault int) *ActiveCallRepository {
	return &ActiveCallRepository{db: db, systemLimit: systemLimit, userDefault: userDefault}
}

// ReserveDirect reserves a slot for an interactive call. Direct calls at a
// limit queue; they are never rejected outright.
func (r *ActiveCallRepository) ReserveDirect(ctx context.Context, userID string, callID uuid.UUID) (domain.ReserveOutcome, error) {
	return r.reserve(ctx, userID, callID, domain.CallTypeDirect)
}

// ReserveCampaign reserves a slot for a campaign call. Campaign calls never
// bypass a user's cap; at a limit they are rejected back to the queue.
func (r *ActiveCallRepository) ReserveCampaign(ctx context.Context, userID string, callID uuid.UUID) (domain.ReserveOutcome, error) {
	outcome, err := r.reserve(ctx, userID, callID, domain.CallTypeCampaign)
	if err != nil {
		return outcome, err
	}
	if outcome.Result == domain.ReserveQueue {
		outcome.Result = domain.ReserveReject
	}
	return outcome, nil
}

func (r *ActiveCallRepository) reserve(ctx context.Context, userID string, callID uuid.UUID, callType domain.CallType) (domain.ReserveOutcome, error) {
	var outcome domain.ReserveOutcome

	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, registryLockKey); err != nil {
			return fmt.Errorf("registry: advisory lock: %w", err)
		}

		userLimit := r.userDefault
		var configured sql.NullInt64
		err := tx.QueryRowxContext(ctx, `SELECT per_user_limit FROM users WHERE id = $1`, userID).Scan(&configured)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("registry: read user limit: %w", err)
		}
		if configured.Valid && configured.Int64 > 0 {
			userLimit = int(configured.Int64)
		}

		var systemActive, userActive int
		row := tx.QueryRowxContext(ctx, `SELECT count(*) AS total, count(*) FILTER (WHERE user_id = $1) AS mine FROM active_calls`, userID)
		if err := row.Scan(&systemActive, &userActive); err != nil {
			return fmt.Errorf("registry: count active: %w", err)
		}

		if systemActive >= r.systemLimit {
			outcome = domain.ReserveOutcome{Result: domain.ReserveQueue, Reason: domain.ReasonSystemLimit}
			return nil
		}
		if userActive >= userLimit {
			outcome = domain.ReserveOutcome{Result: domain.ReserveQueue, Reason: domain.ReasonUserLimit}
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO active_calls (id, user_id, call_type, started_at) VALUES ($1, $2, $3, $4)`,
			callID, userID, callType, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("registry: insert: %w", err)
		}

		outcome = domain.ReserveOutcome{Result: domain.ReserveOK}
		return nil
	})
	if err != nil {
		return domain.ReserveOutcome{}, err
	}
	return outcome, nil
}

// AttachExecution stamps the provider execution id on the registry row.
// Best effort: a missing row is not an error.
func (r *ActiveCallRepository) AttachExecution(ctx context.Context, callID uuid.UUID, executionID string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE active_calls SET provider_execution_id = $1 WHERE id = $2`, executionID, callID,
	); err != nil {
		return fmt.Errorf("registry: attach execution: %w", err)
	}
	return nil
}

// Release frees the slot for the given call id. Idempotent.
func (r *ActiveCallRepository) Release(ctx context.Context, callID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM active_calls WHERE id = $1`, callID); err != nil {
		return fmt.Errorf("registry: release: %w", err)
	}
	return nil
}

// ReleaseByExecution frees the slot holding the given execution id. Idempotent.
func (r *ActiveCallRepository) ReleaseByExecution(ctx context.Context, executionID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM active_calls WHERE provider_execution_id = $1`, executionID); err != nil {
		return fmt.Errorf("registry: release by execution: %w", err)
	}
	return nil
}

// CountActiveSystem returns the system-wide in-flight count.
func (r *ActiveCallRepository) CountActiveSystem(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowxContext(ctx, `SELECT count(*) FROM active_calls`).Scan(&n); err != nil {
		return 0, fmt.Errorf("registry: count system: %w", err)
	}
	return n, nil
}

// CountActiveUser returns the user's in-flight count.
func (r *ActiveCallRepository) CountActiveUser(ctx context.Context, userID string) (int, error) {
	var n int
	if err := r.db.QueryRowxContext(ctx, `SELECT count(*) FROM active_calls WHERE user_id = $1`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("registry: count user: %w", err)
	}
	return n, nil
}

// ListActiveUser lists the user's in-flight calls.
func (r *ActiveCallRepository) ListActiveUser(ctx context.Context, userID string) ([]domain.ActiveCall, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT id, user_id, call_type, started_at, provider_execution_id
		   FROM active_calls WHERE user_id = $1 ORDER BY started_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("registry: list user: %w", err)
	}
	defer rows.Close()
	return scanActiveCalls(rows)
}

// ListStale lists registry rows older than the given age. The orphan sweeper
// cross-checks these against the call store before releasing.
func (r *ActiveCallRepository) ListStale(ctx context.Context, olderThan time.Duration) ([]domain.ActiveCall, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := r.db.QueryxContext(ctx,
		`SELECT id, user_id, call_type, started_at, provider_execution_id
		   FROM active_calls WHERE started_at < $1 ORDER BY started_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("registry: list stale: %w", err)
	}
	defer rows.Close()
	return scanActiveCalls(rows)
}

func scanActiveCalls(rows *sqlx.Rows) ([]domain.ActiveCall, error) {
	var results []domain.ActiveCall
	for rows.Next() {
		var rec activeCallRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("registry: scan: %w", err)
		}
		results = append(results, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: rows err: %w", err)
	}
	return results, nil
}

type activeCallRecord struct {
	ID          uuid.UUID      `db:"id"`
	UserID      string         `db:"user_id"`
	CallType    string         `db:"call_type"`
	StartedAt   time.Time      `db:"started_at"`
	ExecutionID sql.NullString `db:"provider_execution_id"`
}

func (r activeCallRecord) toDomain() domain.ActiveCall {
	return domain.ActiveCall{
		ID:                  r.ID,
		UserID:              r.UserID,
		Type:                domain.CallType(r.CallType),
		StartedAt:           r.StartedAt,
		ProviderExecutionID: r.ExecutionID.String,
	}
}

var _ repository.ActiveCallRepository = (*ActiveCallRepository)(nil)
