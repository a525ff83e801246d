package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/acme/ai-call-dispatch/internal/repository"
)

// StatisticsRepository computes the derived views the cache engine keeps warm.
// These queries are deliberately read-only aggregates over the calls, queue
// and active_calls tables; they never hold locks that could stall dispatch.
type StatisticsRepository struct {
	db *sqlx.DB
}

// NewStatisticsRepository constructs the repository.
func NewStatisticsRepository(db *sqlx.DB) *StatisticsRepository {
	return &StatisticsRepository{db: db}
}

// DashboardSummary aggregates a user's call activity.
func (r *StatisticsRepository) DashboardSummary(ctx context.Context, userID string) (*repository.DashboardSummary, error) {
	summary := repository.DashboardSummary{UserID: userID}

	row := r.db.QueryRowxContext(ctx, `SELECT
			count(*) AS total,
			count(*) FILTER (WHERE status = 'completed') AS completed,
			count(*) FILTER (WHERE status IN ('failed', 'cancelled')) AS failed,
			COALESCE(avg(duration_sec) FILTER (WHERE status = 'completed'), 0) AS avg_duration
		FROM calls WHERE user_id = $1`, userID)
	if err := row.Scan(&summary.TotalCalls, &summary.CompletedCalls, &summary.FailedCalls, &summary.AvgDurationSec); err != nil {
		return nil, fmt.Errorf("stats repo: dashboard calls: %w", err)
	}

	row = r.db.QueryRowxContext(ctx,
		`SELECT count(*) FROM active_calls WHERE user_id = $1`, userID)
	if err := row.Scan(&summary.ActiveCalls); err != nil {
		return nil, fmt.Errorf("stats repo: dashboard active: %w", err)
	}

	row = r.db.QueryRowxContext(ctx,
		`SELECT count(*) FROM queue WHERE user_id = $1 AND status = 'queued'`, userID)
	if err := row.Scan(&summary.QueuedItems); err != nil {
		return nil, fmt.Errorf("stats repo: dashboard queued: %w", err)
	}

	return &summary, nil
}

// AgentSummary aggregates an agent's call activity.
func (r *StatisticsRepository) AgentSummary(ctx context.Context, agentID string) (*repository.AgentSummary, error) {
	summary := repository.AgentSummary{AgentID: agentID}

	row := r.db.QueryRowxContext(ctx, `SELECT
			count(*) AS total,
			count(*) FILTER (WHERE status = 'completed') AS completed,
			count(*) FILTER (WHERE status IN ('failed', 'cancelled')) AS failed,
			COALESCE(avg(duration_sec) FILTER (WHERE status = 'completed'), 0) AS avg_duration
		FROM calls WHERE agent_id = $1`, agentID)
	if err := row.Scan(&summary.TotalCalls, &summary.CompletedCalls, &summary.FailedCalls, &summary.AvgDurationSec); err != nil {
		return nil, fmt.Errorf("stats repo: agent calls: %w", err)
	}

	return &summary, nil
}

var _ repository.StatisticsRepository = (*StatisticsRepository)(nil)
