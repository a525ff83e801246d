package mock

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/acme/ai-call-dispatch/internal/provider"
)

// Provider simulates the voice provider for local development. A single
// instance is shared by the dispatcher and API handlers, so it only uses the
// goroutine-safe top-level rand functions.
type Provider struct {
	successRate float64
}

// NewProvider constructs a mock provider.
func NewProvider() *Provider {
	return &Provider{successRate: 0.9}
}

// PlaceCall fabricates an execution id, occasionally failing.
func (p *Provider) PlaceCall(ctx context.Context, req provider.CallRequest) (provider.CallResponse, error) {
	select {
	case <-ctx.Done():
		return provider.CallResponse{}, ctx.Err()
	case <-time.After(time.Duration(10+rand.Intn(90)) * time.Millisecond):
	}

	if rand.Float64() > p.successRate {
		return provider.CallResponse{}, fmt.Errorf("mock provider: simulated rejection")
	}
	return provider.CallResponse{ExecutionID: "exec-" + uuid.NewString()}, nil
}

var _ provider.VoiceProvider = (*Provider)(nil)
