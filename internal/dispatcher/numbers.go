package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/acme/ai-call-dispatch/internal/domain"
	"github.com/acme/ai-call-dispatch/internal/repository"
	apperrors "github.com/acme/ai-call-dispatch/pkg/errors"
)

// SourceNumberResolver picks the caller id for an outbound call:
// explicitly supplied number, then the agent's assigned number, then the
// user's newest number, else empty (the provider decides).
type SourceNumberResolver struct {
	numbers repository.PhoneNumberRepository
}

// NewSourceNumberResolver constructs the resolver.
func NewSourceNumberResolver(numbers repository.PhoneNumberRepository) *SourceNumberResolver {
	return &SourceNumberResolver{numbers: numbers}
}

// Resolve returns the E.164 source number for the item. An explicitly
// supplied number that the user does not own is a precondition failure,
// fatal for this call attempt.
func (r *SourceNumberResolver) Resolve(ctx context.Context, item *domain.QueueItem) (string, error) {
	if item.SourceNumberID != nil {
		number, err := r.numbers.Get(ctx, *item.SourceNumberID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return "", fmt.Errorf("%w: source number %s not found", apperrors.ErrValidation, item.SourceNumberID)
			}
			return "", fmt.Errorf("resolve source number: %w", err)
		}
		if number.UserID != item.UserID {
			return "", fmt.Errorf("%w: source number %s not owned by user", apperrors.ErrValidation, item.SourceNumberID)
		}
		return number.E164, nil
	}

	if item.AgentID != "" {
		number, err := r.numbers.ByAgent(ctx, item.AgentID)
		if err == nil {
			return number.E164, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return "", fmt.Errorf("resolve agent number: %w", err)
		}
	}

	number, err := r.numbers.NewestForUser(ctx, item.UserID)
	if err == nil {
		return number.E164, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return "", fmt.Errorf("resolve user number: %w", err)
	}

	return "", nil
}
