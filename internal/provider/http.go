package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/acme/ai-call-dispatch/internal/config"
	apperrors "github.com/acme/ai-call-dispatch/pkg/errors"
)

// HTTPProvider places calls through the provider's REST API.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider constructs the client with the configured request timeout.
func NewHTTPProvider(cfg config.ProviderConfig) *HTTPProvider {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPProvider{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// PlaceCall POSTs the call request and returns the provider execution id.
func (p *HTTPProvider) PlaceCall(ctx context.Context, req CallRequest) (CallResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return CallResponse{}, fmt.Errorf("provider: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/calls", bytes.NewReader(body))
	if err != nil {
		return CallResponse{}, fmt.Errorf("provider: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return CallResponse{}, fmt.Errorf("provider: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return CallResponse{}, fmt.Errorf("provider: status %d: %s: %w", resp.StatusCode, bytes.TrimSpace(payload), apperrors.ErrUnavailable)
	}

	var out CallResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return CallResponse{}, fmt.Errorf("provider: decode response: %w", err)
	}
	if out.ExecutionID == "" {
		return CallResponse{}, fmt.Errorf("provider: response missing execution id")
	}
	return out, nil
}

var _ VoiceProvider = (*HTTPProvider)(nil)
