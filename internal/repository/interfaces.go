package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/ai-call-dispatch/internal/domain"
	apperrors "github.com/acme/ai-call-dispatch/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// ActiveCallRepository is the authoritative registry of in-flight calls. Only
// the dispatcher and the webhook processor mutate it, and reservations are a
// single atomic statement: under any concurrent interleaving the row count
// never exceeds what each caller's preconditions allowed.
type ActiveCallRepository interface {
	ReserveDirect(ctx context.Context, userID string, callID uuid.UUID) (domain.ReserveOutcome, error)
	ReserveCampaign(ctx context.Context, userID string, callID uuid.UUID) (domain.ReserveOutcome, error)
	AttachExecution(ctx context.Context, callID uuid.UUID, executionID string) error
	Release(ctx context.Context, callID uuid.UUID) error
	ReleaseByExecution(ctx context.Context, executionID string) error
	CountActiveSystem(ctx context.Context) (int, error)
	CountActiveUser(ctx context.Context, userID string) (int, error)
	ListActiveUser(ctx context.Context, userID string) ([]domain.ActiveCall, error)
	ListStale(ctx context.Context, olderThan time.Duration) ([]domain.ActiveCall, error)
}

// UserQueueSummary is one row of the fairness scan: a user with eligible
// work, ordered by least-recently-allocated first.
type UserQueueSummary struct {
	UserID       string
	PerUserLimit int
	EligibleItems int
}

// QueueRepository persists pending call work. Row ownership is enforced with
// conditional updates on status; only the dispatcher moves items out of
// queued.
type QueueRepository interface {
	Enqueue(ctx context.Context, item *domain.QueueItem) error
	Get(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error)
	// EligibleUsers returns users with eligible items ordered by
	// min(last_allocation_at) asc nulls first, min(created_at) asc.
	EligibleUsers(ctx context.Context, limit int) ([]UserQueueSummary, error)
	// PopNextEligible atomically claims the user's next eligible item
	// (priority desc, scheduled_for asc, created_at asc), marking it
	// processing and stamping last_allocation_at. Returns ErrNotFound when
	// the user has no eligible item.
	PopNextEligible(ctx context.Context, userID string) (*domain.QueueItem, error)
	RevertToQueued(ctx context.Context, id uuid.UUID, reason string) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	SetCallID(ctx context.Context, id uuid.UUID, callID uuid.UUID) error
	CompleteByCallID(ctx context.Context, callID uuid.UUID) error
}

// UserRepository exposes per-user limits and credit balances.
type UserRepository interface {
	Get(ctx context.Context, id string) (*domain.User, error)
	Credits(ctx context.Context, id string) (int, error)
}

// CampaignRepository is the slim campaign view the core needs.
type CampaignRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	// PauseActiveForUser flips all of a user's active campaigns to paused and
	// returns how many it touched. Invoked when credits hit zero.
	PauseActiveForUser(ctx context.Context, userID string) (int, error)
}

// PhoneNumberRepository resolves source caller ids.
type PhoneNumberRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.PhoneNumber, error)
	ByAgent(ctx context.Context, agentID string) (*domain.PhoneNumber, error)
	// NewestForUser returns the user's most recently added number.
	NewestForUser(ctx context.Context, userID string) (*domain.PhoneNumber, error)
}

// DashboardSummary aggregates per-user call activity for the dashboard cache.
type DashboardSummary struct {
	UserID         string
	TotalCalls     int64
	CompletedCalls int64
	FailedCalls    int64
	ActiveCalls    int64
	QueuedItems    int64
	AvgDurationSec float64
}

// AgentSummary aggregates per-agent call activity for the agent cache.
type AgentSummary struct {
	AgentID        string
	TotalCalls     int64
	CompletedCalls int64
	FailedCalls    int64
	AvgDurationSec float64
}

// StatisticsRepository computes the derived views the cache engine keeps warm.
type StatisticsRepository interface {
	DashboardSummary(ctx context.Context, userID string) (*DashboardSummary, error)
	AgentSummary(ctx context.Context, agentID string) (*AgentSummary, error)
}

// CallRepository persists call records: created in_progress at dispatch and
// closed by the terminal-event processor.
type CallRepository interface {
	CreateCall(ctx context.Context, record *domain.CallRecord) error
	GetCall(ctx context.Context, id uuid.UUID) (*domain.CallRecord, error)
	GetByExecution(ctx context.Context, executionID string) (*domain.CallRecord, error)
	// CompleteByExecution is idempotent: re-applying the same terminal event
	// leaves the record unchanged.
	CompleteByExecution(ctx context.Context, executionID string, status domain.CallStatus, durationSec int) error
	ListCallsByUser(ctx context.Context, userID string, limit int, offset int) ([]domain.CallRecord, error)
	// IsTerminalOrAbsent reports whether the call record is in a terminal
	// state or missing entirely; the orphan sweeper keys off this.
	IsTerminalOrAbsent(ctx context.Context, callID uuid.UUID) (bool, error)
}

// Transcript is the bulk payload captured from a terminal event.
type Transcript struct {
	CallID      uuid.UUID
	ExecutionID string
	UserID      string
	Text        string
	Analytics   map[string]string
	CreatedAt   time.Time
}

// TranscriptStore persists transcripts and analytics in the wide-column
// store, paged by an opaque state token.
type TranscriptStore interface {
	Append(ctx context.Context, t Transcript) error
	GetByCall(ctx context.Context, callID uuid.UUID) (*Transcript, error)
	ListByUser(ctx context.Context, userID string, limit int, pagingState []byte) ([]Transcript, []byte, error)
}
