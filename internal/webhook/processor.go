package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/acme/ai-call-dispatch/internal/domain"
	"github.com/acme/ai-call-dispatch/internal/events"
	"github.com/acme/ai-call-dispatch/internal/repository"
	"github.com/acme/ai-call-dispatch/pkg/logger"
	apperrors "github.com/acme/ai-call-dispatch/pkg/errors"
)

// TerminalEvent is the provider's end-of-call payload. The conversation is
// identified by id, falling back to agent_id when id is absent.
type TerminalEvent struct {
	ID          string            `json:"id"`
	AgentID     string            `json:"agent_id"`
	Status      string            `json:"status"`
	DurationSec int               `json:"conversation_duration"`
	Transcript  string            `json:"transcript"`
	Analytics   map[string]string `json:"analytics"`
}

// ExecutionID returns the identifier used to locate the in-flight call.
func (e TerminalEvent) ExecutionID() string {
	if e.ID != "" {
		return e.ID
	}
	return e.AgentID
}

// Processor handles one terminal-event payload. Implementations must be
// idempotent: the pipeline delivers at least once.
type Processor interface {
	Process(ctx context.Context, payload []byte) error
}

// CompletionInvalidator lets the processor nudge the cache engine after a
// call reaches a terminal state.
type CompletionInvalidator interface {
	OnCallCompleted(ctx context.Context, userID, agentID string)
}

// EventPublisher emits terminal lifecycle events downstream.
type EventPublisher interface {
	Publish(ctx context.Context, event events.CallEvent) error
}

// CallProcessor is the production processor: it closes the call record,
// persists the transcript, releases the registry slot and fans out the
// terminal event. Keyed by execution id throughout, so redelivery is safe.
type CallProcessor struct {
	logger      *logger.Logger
	registry    repository.ActiveCallRepository
	queue       repository.QueueRepository
	calls       repository.CallRepository
	transcripts repository.TranscriptStore
	publisher   EventPublisher
	caches      CompletionInvalidator
}

// NewCallProcessor constructs the processor.
func NewCallProcessor(
	lg *logger.Logger,
	registry repository.ActiveCallRepository,
	queue repository.QueueRepository,
	calls repository.CallRepository,
	transcripts repository.TranscriptStore,
	publisher EventPublisher,
	caches CompletionInvalidator,
) *CallProcessor {
	return &CallProcessor{
		logger:      lg,
		registry:    registry,
		queue:       queue,
		calls:       calls,
		transcripts: transcripts,
		publisher:   publisher,
		caches:      caches,
	}
}

// Process applies one terminal event.
func (p *CallProcessor) Process(ctx context.Context, payload []byte) error {
	var event TerminalEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("%w: decode terminal event: %v", apperrors.ErrValidation, err)
	}

	executionID := event.ExecutionID()
	if executionID == "" {
		return fmt.Errorf("%w: terminal event missing conversation id", apperrors.ErrValidation)
	}

	record, err := p.calls.GetByExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: no call for execution %s", apperrors.ErrNotFound, executionID)
		}
		return fmt.Errorf("webhook: lookup call: %w", err)
	}

	status := terminalStatus(event.Status)
	if err := p.calls.CompleteByExecution(ctx, executionID, status, event.DurationSec); err != nil {
		return fmt.Errorf("webhook: complete call: %w", err)
	}

	if err := p.queue.CompleteByCallID(ctx, record.ID); err != nil {
		return fmt.Errorf("webhook: complete queue item: %w", err)
	}

	if event.Transcript != "" {
		t := repository.Transcript{
			CallID:      record.ID,
			ExecutionID: executionID,
			UserID:      record.UserID,
			Text:        event.Transcript,
			Analytics:   event.Analytics,
			CreatedAt:   time.Now().UTC(),
		}
		if err := p.transcripts.Append(ctx, t); err != nil {
			return fmt.Errorf("webhook: persist transcript: %w", err)
		}
	}

	// The slot is freed last: everything before this is idempotent, so a
	// failure above retries the whole event without leaking capacity.
	if err := p.registry.ReleaseByExecution(ctx, executionID); err != nil {
		return fmt.Errorf("webhook: release slot: %w", err)
	}

	if p.publisher != nil {
		stage := events.StageCompleted
		if status != domain.CallStatusCompleted {
			stage = events.StageFailed
		}
		if err := p.publisher.Publish(ctx, events.CallEvent{
			CallID:      record.ID,
			UserID:      record.UserID,
			CampaignID:  record.CampaignID,
			CallType:    callType(record),
			Stage:       stage,
			ExecutionID: executionID,
			DurationSec: event.DurationSec,
			OccurredAt:  time.Now().UTC(),
		}); err != nil {
			p.logger.Warn("webhook: publish terminal event", zap.Error(err), zap.String("execution_id", executionID))
		}
	}

	if p.caches != nil {
		p.caches.OnCallCompleted(ctx, record.UserID, record.AgentID)
	}

	p.logger.Info("webhook: terminal event processed",
		zap.String("execution_id", executionID),
		zap.String("call_id", record.ID.String()),
		zap.String("status", string(status)))
	return nil
}

func terminalStatus(raw string) domain.CallStatus {
	switch raw {
	case "failed", "error":
		return domain.CallStatusFailed
	case "cancelled", "canceled":
		return domain.CallStatusCancelled
	default:
		return domain.CallStatusCompleted
	}
}

func callType(record *domain.CallRecord) string {
	if record.CampaignID != nil {
		return string(domain.CallTypeCampaign)
	}
	return string(domain.CallTypeDirect)
}
