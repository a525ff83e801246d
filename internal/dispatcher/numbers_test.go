package dispatcher

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/acme/ai-call-dispatch/internal/domain"
	apperrors "github.com/acme/ai-call-dispatch/pkg/errors"
)

func TestResolveExplicitSourceNumber(t *testing.T) {
	numberID := uuid.New()
	numbers := &fakeNumbers{
		numbers: map[uuid.UUID]*domain.PhoneNumber{
			numberID: {ID: numberID, UserID: "user-a", E164: "+15550002222"},
		},
	}
	r := NewSourceNumberResolver(numbers)

	item := &domain.QueueItem{UserID: "user-a", SourceNumberID: &numberID}
	got, err := r.Resolve(context.Background(), item)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "+15550002222" {
		t.Fatalf("expected explicit number, got %q", got)
	}
}

func TestResolveExplicitNumberOwnershipMismatch(t *testing.T) {
	numberID := uuid.New()
	numbers := &fakeNumbers{
		numbers: map[uuid.UUID]*domain.PhoneNumber{
			numberID: {ID: numberID, UserID: "user-b", E164: "+15550002222"},
		},
	}
	r := NewSourceNumberResolver(numbers)

	item := &domain.QueueItem{UserID: "user-a", SourceNumberID: &numberID}
	if _, err := r.Resolve(context.Background(), item); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error for foreign number, got %v", err)
	}
}

func TestResolveFallsBackToAgentThenNewest(t *testing.T) {
	numbers := &fakeNumbers{
		byAgent: map[string]*domain.PhoneNumber{
			"agent-1": {UserID: "user-a", E164: "+15550003333"},
		},
		newest: map[string]*domain.PhoneNumber{
			"user-a": {UserID: "user-a", E164: "+15550004444"},
		},
	}
	r := NewSourceNumberResolver(numbers)

	withAgent := &domain.QueueItem{UserID: "user-a", AgentID: "agent-1"}
	got, err := r.Resolve(context.Background(), withAgent)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "+15550003333" {
		t.Fatalf("expected agent number, got %q", got)
	}

	withoutAgent := &domain.QueueItem{UserID: "user-a"}
	got, err = r.Resolve(context.Background(), withoutAgent)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "+15550004444" {
		t.Fatalf("expected newest user number, got %q", got)
	}
}

func TestResolveEmptyWhenNoNumbers(t *testing.T) {
	r := NewSourceNumberResolver(&fakeNumbers{})

	got, err := r.Resolve(context.Background(), &domain.QueueItem{UserID: "user-a"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty source number, got %q", got)
	}
}
