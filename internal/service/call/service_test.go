package call

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/acme/ai-call-dispatch/internal/dispatcher"
	"github.com/acme/ai-call-dispatch/internal/domain"
	"github.com/acme/ai-call-dispatch/internal/events"
	"github.com/acme/ai-call-dispatch/internal/provider"
	"github.com/acme/ai-call-dispatch/internal/repository"
	"github.com/acme/ai-call-dispatch/pkg/logger"
	apperrors "github.com/acme/ai-call-dispatch/pkg/errors"
)

type stubRegistry struct {
	repository.ActiveCallRepository
	outcome  domain.ReserveOutcome
	reserved []uuid.UUID
	released []uuid.UUID
	attached map[uuid.UUID]string
}

func (s *stubRegistry) ReserveDirect(_ context.Context, userID string, callID uuid.UUID) (domain.ReserveOutcome, error) {
	s.reserved = append(s.reserved, callID)
	return s.outcome, nil
}

func (s *stubRegistry) Release(_ context.Context, callID uuid.UUID) error {
	s.released = append(s.released, callID)
	return nil
}

func (s *stubRegistry) AttachExecution(_ context.Context, callID uuid.UUID, executionID string) error {
	if s.attached == nil {
		s.attached = make(map[uuid.UUID]string)
	}
	s.attached[callID] = executionID
	return nil
}

type stubQueue struct {
	repository.QueueRepository
	enqueued []*domain.QueueItem
}

func (s *stubQueue) Enqueue(_ context.Context, item *domain.QueueItem) error {
	cp := *item
	s.enqueued = append(s.enqueued, &cp)
	return nil
}

type stubCalls struct {
	repository.CallRepository
	created []*domain.CallRecord
}

func (s *stubCalls) CreateCall(_ context.Context, record *domain.CallRecord) error {
	cp := *record
	s.created = append(s.created, &cp)
	return nil
}

type stubNumbers struct {
	repository.PhoneNumberRepository
}

func (s *stubNumbers) Get(_ context.Context, id uuid.UUID) (*domain.PhoneNumber, error) {
	return nil, repository.ErrNotFound
}

func (s *stubNumbers) ByAgent(_ context.Context, agentID string) (*domain.PhoneNumber, error) {
	return nil, repository.ErrNotFound
}

func (s *stubNumbers) NewestForUser(_ context.Context, userID string) (*domain.PhoneNumber, error) {
	return &domain.PhoneNumber{UserID: userID, E164: "+15550009999"}, nil
}

type stubProvider struct {
	err   error
	calls int
}

func (s *stubProvider) PlaceCall(_ context.Context, req provider.CallRequest) (provider.CallResponse, error) {
	s.calls++
	if s.err != nil {
		return provider.CallResponse{}, s.err
	}
	return provider.CallResponse{ExecutionID: "exec-1"}, nil
}

type stubPublisher struct {
	events []events.CallEvent
}

func (s *stubPublisher) Publish(_ context.Context, event events.CallEvent) error {
	s.events = append(s.events, event)
	return nil
}

func newService(t *testing.T, outcome domain.ReserveOutcome) (*Service, *stubRegistry, *stubQueue, *stubCalls, *stubProvider, *stubPublisher) {
	t.Helper()
	lg, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	registry := &stubRegistry{outcome: outcome}
	queue := &stubQueue{}
	calls := &stubCalls{}
	voice := &stubProvider{}
	pub := &stubPublisher{}

	svc := NewService(lg, registry, queue, calls,
		dispatcher.NewSourceNumberResolver(&stubNumbers{}), voice, pub, nil)
	return svc, registry, queue, calls, voice, pub
}

func TestTriggerPlacesCallWhenSlotAvailable(t *testing.T) {
	svc, registry, queue, calls, voice, pub := newService(t, domain.ReserveOutcome{Result: domain.ReserveOK})

	result, err := svc.Trigger(context.Background(), TriggerInput{
		UserID:      "user-a",
		AgentID:     "agent-1",
		PhoneNumber: "+15550001111",
		UserData:    map[string]any{"name": "Ada"},
	})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	if result.State != TriggerPlaced || result.ExecutionID != "exec-1" {
		t.Fatalf("expected placed call, got %+v", result)
	}
	if voice.calls != 1 {
		t.Fatalf("expected one provider call, got %d", voice.calls)
	}
	if len(queue.enqueued) != 0 {
		t.Fatalf("expected nothing queued")
	}
	if len(calls.created) != 1 || calls.created[0].Status != domain.CallStatusInProgress {
		t.Fatalf("expected in-progress call record, got %+v", calls.created)
	}
	if registry.attached[result.CallID] != "exec-1" {
		t.Fatalf("expected execution id attached")
	}
	if len(pub.events) != 1 || pub.events[0].Stage != events.StageDialing {
		t.Fatalf("expected dialing event, got %+v", pub.events)
	}
}

func TestTriggerQueuesAtCapacity(t *testing.T) {
	svc, _, queue, _, voice, pub := newService(t,
		domain.ReserveOutcome{Result: domain.ReserveQueue, Reason: domain.ReasonUserLimit})

	result, err := svc.Trigger(context.Background(), TriggerInput{
		UserID:      "user-a",
		PhoneNumber: "+15550001111",
	})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	if result.State != TriggerQueued || result.Reason != domain.ReasonUserLimit {
		t.Fatalf("expected queued result, got %+v", result)
	}
	if voice.calls != 0 {
		t.Fatalf("expected no provider call at capacity")
	}
	if len(queue.enqueued) != 1 {
		t.Fatalf("expected item queued, got %d", len(queue.enqueued))
	}
	item := queue.enqueued[0]
	if item.CallType != domain.CallTypeDirect || item.Priority != domain.PriorityDirect {
		t.Fatalf("expected direct item with elevated priority, got %+v", item)
	}
	if len(pub.events) != 1 || pub.events[0].Stage != events.StageQueued {
		t.Fatalf("expected queued event, got %+v", pub.events)
	}
}

func TestTriggerReleasesSlotOnProviderFailure(t *testing.T) {
	svc, registry, _, calls, voice, _ := newService(t, domain.ReserveOutcome{Result: domain.ReserveOK})
	voice.err = errors.New("provider down")

	_, err := svc.Trigger(context.Background(), TriggerInput{
		UserID:      "user-a",
		PhoneNumber: "+15550001111",
	})
	if err == nil {
		t.Fatalf("expected provider error to surface")
	}
	if len(registry.reserved) != 1 || len(registry.released) != 1 {
		t.Fatalf("expected reserve balanced by release, got %d/%d", len(registry.reserved), len(registry.released))
	}
	if registry.reserved[0] != registry.released[0] {
		t.Fatalf("released a different call id than reserved")
	}
	if len(calls.created) != 0 {
		t.Fatalf("expected no call record after provider failure")
	}
}

func TestTriggerValidatesInput(t *testing.T) {
	svc, _, _, _, _, _ := newService(t, domain.ReserveOutcome{Result: domain.ReserveOK})

	if _, err := svc.Trigger(context.Background(), TriggerInput{PhoneNumber: "+15550001111"}); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error for missing user, got %v", err)
	}
	if _, err := svc.Trigger(context.Background(), TriggerInput{UserID: "user-a"}); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error for missing phone number, got %v", err)
	}
}
