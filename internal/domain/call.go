package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallType distinguishes interactive calls from bulk campaign traffic.
type CallType string

const (
	CallTypeDirect   CallType = "direct"
	CallTypeCampaign CallType = "campaign"
)

// QueueStatus enumerates lifecycle states of a queue item.
type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// CallStatus enumerates terminal-record states for a call.
type CallStatus string

const (
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusCancelled  CallStatus = "cancelled"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
)

// ActiveCall is one unit of concurrency: a row in the active-call registry.
// The registry is the sole authority for the counts the caps are compared
// against.
type ActiveCall struct {
	ID                  uuid.UUID
	UserID              string
	Type                CallType
	StartedAt           time.Time
	ProviderExecutionID string
}

// Queue item priorities. Direct items always sort above campaign items.
const (
	PriorityCampaign = 0
	PriorityDirect   = 100
)

// QueueItem is a pending call waiting for a concurrency slot.
type QueueItem struct {
	ID               uuid.UUID
	UserID           string
	CallType         CallType
	CampaignID       *uuid.UUID
	Status           QueueStatus
	AgentID          string
	ContactID        string
	PhoneNumber      string
	SourceNumberID   *uuid.UUID
	UserData         UserData
	Priority         int
	ScheduledFor     time.Time
	CallID           *uuid.UUID
	LastAllocationAt *time.Time
	FailureReason    *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// User carries the per-user concurrency limit and credit balance.
type User struct {
	ID           string
	PerUserLimit int
	Credits      int
	Status       string
}

// Campaign is the slim view the core needs: activity state for queue
// eligibility and pause-on-zero-credits.
type Campaign struct {
	ID        uuid.UUID
	UserID    string
	Name      string
	Status    CampaignStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PhoneNumber is a caller id owned by a user, optionally assigned to an agent.
type PhoneNumber struct {
	ID        uuid.UUID
	UserID    string
	AgentID   *string
	E164      string
	CreatedAt time.Time
}

// CallRecord is the terminal record persisted once a call leaves flight.
type CallRecord struct {
	ID          uuid.UUID
	UserID      string
	CampaignID  *uuid.UUID
	AgentID     string
	ContactID   string
	PhoneNumber string
	ExecutionID string
	Status      CallStatus
	DurationSec int
	Metadata    map[string]any
	StartedAt   time.Time
	EndedAt     *time.Time
	CreatedAt   time.Time
}
