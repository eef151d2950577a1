package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	openAIDefaultBaseURL  = "https://api.openai.com/v1"
	openAICompletionsPath = "/chat/completions"
)

// Reasoner turns a system prompt and a user prompt into free text.
type Reasoner interface {
	Reason(ctx context.Context, system, prompt string) (string, error)
}

// OpenAIReasoner calls any OpenAI-compatible chat completions endpoint.
type OpenAIReasoner struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	client      *http.Client
}

// OpenAIOption configures an OpenAIReasoner.
type OpenAIOption func(*OpenAIReasoner)

// WithReasonerHTTPClient sets a custom HTTP client.
func WithReasonerHTTPClient(c *http.Client) OpenAIOption {
	return func(r *OpenAIReasoner) { r.client = c }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) OpenAIOption {
	return func(r *OpenAIReasoner) { r.temperature = t }
}

// NewOpenAIReasoner creates a reasoner for an OpenAI-compatible endpoint.
func NewOpenAIReasoner(baseURL, apiKey, model string, opts ...OpenAIOption) *OpenAIReasoner {
	if baseURL == "" {
		baseURL = openAIDefaultBaseURL
	}
	r := &OpenAIReasoner{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		model:       model,
		temperature: 0.2,
		client:      &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	Temperature float64      `json:"temperature"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiResponse struct {
	Choices []struct {
		Message oaiMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (r *OpenAIReasoner) Reason(ctx context.Context, system, prompt string) (string, error) {
	body, err := json.Marshal(oaiRequest{
		Model: r.model,
		Messages: []oaiMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		Temperature: r.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+openAICompletionsPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("reasoning api error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var resp oaiResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("reasoning error [%s]: %s", resp.Error.Type, resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}
