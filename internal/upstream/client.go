// Package upstream is the thin client for the generation API. Prompt
// construction and content shaping live elsewhere; this package only moves
// the call and classifies its failures.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Sentinel errors for upstream call failures.
var (
	ErrRateLimited = errors.New("upstream rate limited")
	ErrTimeout     = errors.New("upstream timeout")
	ErrUpstream    = errors.New("upstream error")
)

// Output is one completed generation call.
type Output struct {
	Text              string
	Model             string
	InputTokens       int64
	OutputTokens      int64
	CostMicros        int64
	RetryAfterSeconds int
}

// Client is the interface for the generation API.
type Client interface {
	Generate(ctx context.Context, prompt string) (Output, error)
}

// HTTPClient implements Client against the generation service's HTTP API.
type HTTPClient struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a generation API client.
func NewHTTPClient(baseURL, model, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		model:   model,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Generate(ctx context.Context, prompt string) (Output, error) {
	body, err := json.Marshal(map[string]string{
		"prompt": prompt,
		"model":  c.model,
	})
	if err != nil {
		return Output{}, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return Output{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Output{Model: c.model}, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		out := Output{Model: c.model}
		if ra, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil {
			out.RetryAfterSeconds = ra
		}
		return out, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return Output{Model: c.model}, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	var payload struct {
		Text         string `json:"text"`
		Model        string `json:"model"`
		InputTokens  int64  `json:"input_tokens"`
		OutputTokens int64  `json:"output_tokens"`
		CostMicros   int64  `json:"cost_micros"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Output{Model: c.model}, fmt.Errorf("%w: decoding response: %v", ErrUpstream, err)
	}

	out := Output{
		Text:         payload.Text,
		Model:        payload.Model,
		InputTokens:  payload.InputTokens,
		OutputTokens: payload.OutputTokens,
		CostMicros:   payload.CostMicros,
	}
	if out.Model == "" {
		out.Model = c.model
	}
	return out, nil
}

func classifyError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}
