package provider

import (
	"context"

	"github.com/acme/ai-call-dispatch/internal/domain"
)

// CallRequest is the outbound payload handed to the voice provider.
type CallRequest struct {
	AgentID     string            `json:"agent_id"`
	PhoneNumber string            `json:"phone_number"`
	// SourceNumber is optional; when empty the provider picks a caller id.
	SourceNumber string            `json:"source_number,omitempty"`
	UserData     domain.UserData   `json:"user_data"`
	Metadata     map[string]string `json:"metadata"`
}

// CallResponse carries the provider-assigned execution id.
type CallResponse struct {
	ExecutionID string `json:"execution_id"`
}

// VoiceProvider abstracts the external synthesis provider. Implementations
// apply a per-request timeout; a non-2xx status, timeout or malformed
// response surfaces as an error and the caller releases the reserved slot.
type VoiceProvider interface {
	PlaceCall(ctx context.Context, req CallRequest) (CallResponse, error)
}
