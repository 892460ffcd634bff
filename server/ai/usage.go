package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/hrygo/askparrot/internal/errors"
)

// Usage is the spend of the API key as reported by OpenRouter.
type Usage struct {
	Label      string   `json:"label"`
	Usage      float64  `json:"usage"`
	Limit      *float64 `json:"limit"`
	IsFreeTier bool     `json:"is_free_tier"`
}

// HasLimit reports whether a credit limit is set on the key.
func (u *Usage) HasLimit() bool {
	return u.Limit != nil && *u.Limit > 0
}

// Remaining returns the credit left under the limit, or 0 without a limit.
func (u *Usage) Remaining() float64 {
	if !u.HasLimit() {
		return 0
	}
	return *u.Limit - u.Usage
}

// PercentUsed returns the share of the limit spent, or 0 without a limit.
func (u *Usage) PercentUsed() float64 {
	if !u.HasLimit() {
		return 0
	}
	return u.Usage / *u.Limit * 100
}

// Usage fetches the key's spend and limit from GET {base}/auth/key.
func (p *Provider) Usage(ctx context.Context) (*Usage, error) {
	if p.config.APIKey == "" {
		return nil, apperrors.LLMUnavailable("AI API key is not configured", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/auth/key", nil)
	if err != nil {
		return nil, apperrors.LLMUnavailable("failed to build usage request", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.LLMUnavailable("failed to fetch key usage", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.LLMUnavailable("failed to read key usage", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.LLMUnavailable(
			fmt.Sprintf("usage endpoint returned status %d", resp.StatusCode), nil).
			WithContext("status", resp.StatusCode)
	}

	var payload struct {
		Data Usage `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperrors.LLMUnavailable("failed to decode key usage", err)
	}
	return &payload.Data, nil
}
