package events

import (
	"time"

	"github.com/google/uuid"
)

// Call lifecycle stages published for downstream consumers (analytics,
// notifications). These mirror the queue item and call record transitions.
const (
	StageQueued    = "queued"
	StageDialing   = "dialing"
	StageCompleted = "completed"
	StageFailed    = "failed"
)

// CallEvent is the lifecycle event emitted on the call event topic.
type CallEvent struct {
	CallID      uuid.UUID  `json:"call_id"`
	UserID      string     `json:"user_id"`
	CampaignID  *uuid.UUID `json:"campaign_id,omitempty"`
	CallType    string     `json:"call_type"`
	Stage       string     `json:"stage"`
	ExecutionID string     `json:"execution_id,omitempty"`
	Error       string     `json:"error,omitempty"`
	DurationSec int        `json:"duration_sec,omitempty"`
	OccurredAt  time.Time  `json:"occurred_at"`
}

// DeadLetterEvent wraps a webhook payload that exhausted its retries.
type DeadLetterEvent struct {
	JobID     string    `json:"job_id"`
	Payload   []byte    `json:"payload"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	CreatedAt time.Time `json:"created_at"`
	FailedAt  time.Time `json:"failed_at"`
}
