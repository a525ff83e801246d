package call

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/ai-call-dispatch/internal/dispatcher"
	"github.com/acme/ai-call-dispatch/internal/domain"
	"github.com/acme/ai-call-dispatch/internal/events"
	"github.com/acme/ai-call-dispatch/internal/provider"
	"github.com/acme/ai-call-dispatch/internal/repository"
	"github.com/acme/ai-call-dispatch/pkg/logger"
	apperrors "github.com/acme/ai-call-dispatch/pkg/errors"
)

// TriggerState reports how a direct call request resolved.
type TriggerState string

const (
	// TriggerPlaced means a slot was reserved and the provider accepted.
	TriggerPlaced TriggerState = "placed"
	// TriggerQueued means capacity was unavailable and the call waits in the
	// queue with elevated priority.
	TriggerQueued TriggerState = "queued"
)

// TriggerResult is the outcome of a direct call request.
type TriggerResult struct {
	State       TriggerState
	CallID      uuid.UUID
	ExecutionID string
	QueueItemID uuid.UUID
	Reason      string
}

// TriggerInput encapsulates an interactive direct-call request.
type TriggerInput struct {
	UserID         string
	AgentID        string
	ContactID      string
	PhoneNumber    string
	SourceNumberID *uuid.UUID
	UserData       map[string]any
}

// Service implements the direct-call fast path: pre-reserve a slot so an
// interactive request either dials immediately or queues ahead of campaign
// traffic, without ever violating the caps.
type Service struct {
	logger    *logger.Logger
	registry  repository.ActiveCallRepository
	queue     repository.QueueRepository
	calls     repository.CallRepository
	resolver  *dispatcher.SourceNumberResolver
	voice     provider.VoiceProvider
	publisher dispatcher.EventPublisher
	caches    dispatcher.ActivityInvalidator

	now func() time.Time
}

// NewService builds the direct call service.
func NewService(
	lg *logger.Logger,
	registry repository.ActiveCallRepository,
	queue repository.QueueRepository,
	calls repository.CallRepository,
	resolver *dispatcher.SourceNumberResolver,
	voice provider.VoiceProvider,
	publisher dispatcher.EventPublisher,
	caches dispatcher.ActivityInvalidator,
) *Service {
	return &Service{
		logger:    lg,
		registry:  registry,
		queue:     queue,
		calls:     calls,
		resolver:  resolver,
		voice:     voice,
		publisher: publisher,
		caches:    caches,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Trigger runs the fast path for a direct call.
func (s *Service) Trigger(ctx context.Context, input TriggerInput) (*TriggerResult, error) {
	if input.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", apperrors.ErrValidation)
	}
	if input.PhoneNumber == "" {
		return nil, fmt.Errorf("%w: phone number is required", apperrors.ErrValidation)
	}

	item := &domain.QueueItem{
		ID:             uuid.New(),
		UserID:         input.UserID,
		CallType:       domain.CallTypeDirect,
		Status:         domain.QueueStatusQueued,
		AgentID:        input.AgentID,
		ContactID:      input.ContactID,
		PhoneNumber:    input.PhoneNumber,
		SourceNumberID: input.SourceNumberID,
		UserData:       domain.NormalizeUserData(input.UserData),
		Priority:       domain.PriorityDirect,
		ScheduledFor:   s.now(),
		CreatedAt:      s.now(),
		UpdatedAt:      s.now(),
	}

	// Preconditions resolve before any slot is held.
	sourceNumber, err := s.resolver.Resolve(ctx, item)
	if err != nil {
		return nil, err
	}

	callID := uuid.New()
	outcome, err := s.registry.ReserveDirect(ctx, input.UserID, callID)
	if err != nil {
		return nil, fmt.Errorf("direct call: reserve: %w", err)
	}

	if !outcome.OK() {
		if err := s.queue.Enqueue(ctx, item); err != nil {
			return nil, fmt.Errorf("direct call: enqueue: %w", err)
		}
		s.publish(ctx, events.CallEvent{
			UserID:     input.UserID,
			CallType:   string(domain.CallTypeDirect),
			Stage:      events.StageQueued,
			OccurredAt: s.now(),
		})
		s.logger.Info("direct call queued",
			zap.String("user_id", input.UserID),
			zap.String("item_id", item.ID.String()),
			zap.String("reason", outcome.Reason))
		return &TriggerResult{State: TriggerQueued, QueueItemID: item.ID, Reason: outcome.Reason}, nil
	}

	req := provider.CallRequest{
		AgentID:      input.AgentID,
		PhoneNumber:  input.PhoneNumber,
		SourceNumber: sourceNumber,
		UserData:     item.UserData,
		Metadata: map[string]string{
			"user_id":    input.UserID,
			"agent_id":   input.AgentID,
			"call_id":    callID.String(),
			"contact_id": input.ContactID,
		},
	}

	resp, err := s.voice.PlaceCall(ctx, req)
	if err != nil {
		// Provider failure after reservation always releases the slot.
		if relErr := s.registry.Release(ctx, callID); relErr != nil {
			s.logger.Error("direct call: release after provider failure",
				zap.Error(relErr), zap.String("call_id", callID.String()))
		}
		return nil, fmt.Errorf("direct call: provider: %w", err)
	}

	if err := s.registry.AttachExecution(ctx, callID, resp.ExecutionID); err != nil {
		s.logger.Warn("direct call: attach execution", zap.Error(err), zap.String("call_id", callID.String()))
	}

	record := &domain.CallRecord{
		ID:          callID,
		UserID:      input.UserID,
		AgentID:     input.AgentID,
		ContactID:   input.ContactID,
		PhoneNumber: input.PhoneNumber,
		ExecutionID: resp.ExecutionID,
		Status:      domain.CallStatusInProgress,
		StartedAt:   s.now(),
		CreatedAt:   s.now(),
	}
	if err := s.calls.CreateCall(ctx, record); err != nil {
		s.logger.Error("direct call: persist record", zap.Error(err), zap.String("call_id", callID.String()))
	}

	s.publish(ctx, events.CallEvent{
		CallID:      callID,
		UserID:      input.UserID,
		CallType:    string(domain.CallTypeDirect),
		Stage:       events.StageDialing,
		ExecutionID: resp.ExecutionID,
		OccurredAt:  s.now(),
	})
	if s.caches != nil {
		s.caches.OnCallStarted(ctx, input.UserID)
	}

	return &TriggerResult{State: TriggerPlaced, CallID: callID, ExecutionID: resp.ExecutionID}, nil
}

// GetCall retrieves a call record by id.
func (s *Service) GetCall(ctx context.Context, id uuid.UUID) (*domain.CallRecord, error) {
	return s.calls.GetCall(ctx, id)
}

// ListCalls lists a user's call records.
func (s *Service) ListCalls(ctx context.Context, userID string, limit, offset int) ([]domain.CallRecord, error) {
	return s.calls.ListCallsByUser(ctx, userID, limit, offset)
}

// ListActive lists a user's in-flight calls.
func (s *Service) ListActive(ctx context.Context, userID string) ([]domain.ActiveCall, error) {
	return s.registry.ListActiveUser(ctx, userID)
}

func (s *Service) publish(ctx context.Context, event events.CallEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("direct call: publish event", zap.Error(err), zap.String("stage", event.Stage))
	}
}
