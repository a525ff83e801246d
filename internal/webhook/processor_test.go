package webhook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/ai-call-dispatch/internal/domain"
	"github.com/acme/ai-call-dispatch/internal/events"
	"github.com/acme/ai-call-dispatch/internal/repository"
	"github.com/acme/ai-call-dispatch/pkg/logger"
	apperrors "github.com/acme/ai-call-dispatch/pkg/errors"
)

type stubRegistry struct {
	repository.ActiveCallRepository
	released []string
}

func (s *stubRegistry) ReleaseByExecution(_ context.Context, executionID string) error {
	s.released = append(s.released, executionID)
	return nil
}

type stubQueue struct {
	repository.QueueRepository
	completed []uuid.UUID
}

func (s *stubQueue) CompleteByCallID(_ context.Context, callID uuid.UUID) error {
	s.completed = append(s.completed, callID)
	return nil
}

type stubCallRepo struct {
	repository.CallRepository
	record    *domain.CallRecord
	completed []domain.CallStatus
}

func (s *stubCallRepo) GetByExecution(_ context.Context, executionID string) (*domain.CallRecord, error) {
	if s.record == nil || s.record.ExecutionID != executionID {
		return nil, repository.ErrNotFound
	}
	cp := *s.record
	return &cp, nil
}

func (s *stubCallRepo) CompleteByExecution(_ context.Context, executionID string, status domain.CallStatus, durationSec int) error {
	s.completed = append(s.completed, status)
	s.record.Status = status
	s.record.DurationSec = durationSec
	return nil
}

type stubTranscripts struct {
	repository.TranscriptStore
	appended []repository.Transcript
}

func (s *stubTranscripts) Append(_ context.Context, t repository.Transcript) error {
	s.appended = append(s.appended, t)
	return nil
}

type stubEventPub struct {
	events []events.CallEvent
}

func (s *stubEventPub) Publish(_ context.Context, event events.CallEvent) error {
	s.events = append(s.events, event)
	return nil
}

type stubInvalidator struct {
	completed int
}

func (s *stubInvalidator) OnCallCompleted(_ context.Context, userID, agentID string) {
	s.completed++
}

func newProcessorFixture(t *testing.T) (*CallProcessor, *stubRegistry, *stubQueue, *stubCallRepo, *stubTranscripts, *stubEventPub, *stubInvalidator) {
	t.Helper()
	lg, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	callID := uuid.New()
	calls := &stubCallRepo{record: &domain.CallRecord{
		ID:          callID,
		UserID:      "user-a",
		AgentID:     "agent-1",
		ExecutionID: "exec-1",
		Status:      domain.CallStatusInProgress,
		StartedAt:   time.Now().UTC(),
	}}
	registry := &stubRegistry{}
	queue := &stubQueue{}
	transcripts := &stubTranscripts{}
	pub := &stubEventPub{}
	inv := &stubInvalidator{}

	proc := NewCallProcessor(lg, registry, queue, calls, transcripts, pub, inv)
	return proc, registry, queue, calls, transcripts, pub, inv
}

func TestProcessTerminalEvent(t *testing.T) {
	proc, registry, queue, calls, transcripts, pub, inv := newProcessorFixture(t)

	payload := []byte(`{"id":"exec-1","status":"completed","conversation_duration":42,"transcript":"hello","analytics":{"sentiment":"positive"}}`)
	if err := proc.Process(context.Background(), payload); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(calls.completed) != 1 || calls.completed[0] != domain.CallStatusCompleted {
		t.Fatalf("expected call completed, got %v", calls.completed)
	}
	if calls.record.DurationSec != 42 {
		t.Fatalf("expected duration recorded, got %d", calls.record.DurationSec)
	}
	if len(queue.completed) != 1 {
		t.Fatalf("expected queue item completed")
	}
	if len(transcripts.appended) != 1 || transcripts.appended[0].Text != "hello" {
		t.Fatalf("expected transcript persisted, got %+v", transcripts.appended)
	}
	if len(registry.released) != 1 || registry.released[0] != "exec-1" {
		t.Fatalf("expected slot released by execution id, got %v", registry.released)
	}
	if len(pub.events) != 1 || pub.events[0].Stage != events.StageCompleted {
		t.Fatalf("expected completed event, got %+v", pub.events)
	}
	if inv.completed != 1 {
		t.Fatalf("expected cache invalidation")
	}
}

func TestProcessPrefersIDOverAgentID(t *testing.T) {
	proc, registry, _, _, _, _, _ := newProcessorFixture(t)

	payload := []byte(`{"id":"exec-1","agent_id":"agent-1","status":"completed"}`)
	if err := proc.Process(context.Background(), payload); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(registry.released) != 1 || registry.released[0] != "exec-1" {
		t.Fatalf("expected release keyed by id, got %v", registry.released)
	}
}

func TestProcessFailedStatusEmitsFailedEvent(t *testing.T) {
	proc, _, _, calls, _, pub, _ := newProcessorFixture(t)

	payload := []byte(`{"id":"exec-1","status":"failed"}`)
	if err := proc.Process(context.Background(), payload); err != nil {
		t.Fatalf("process: %v", err)
	}
	if calls.completed[0] != domain.CallStatusFailed {
		t.Fatalf("expected failed status, got %v", calls.completed)
	}
	if pub.events[0].Stage != events.StageFailed {
		t.Fatalf("expected failed event, got %s", pub.events[0].Stage)
	}
}

func TestProcessMissingIDIsUnprocessable(t *testing.T) {
	proc, _, _, _, _, _, _ := newProcessorFixture(t)

	err := proc.Process(context.Background(), []byte(`{"status":"completed"}`))
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestProcessUnknownExecutionIsNotFound(t *testing.T) {
	proc, _, _, _, _, _, _ := newProcessorFixture(t)

	err := proc.Process(context.Background(), []byte(`{"id":"exec-unknown","status":"completed"}`))
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
