// Package generate calls an OpenAI-compatible chat completion API to
// produce answers for queries that miss the response cache.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 60 * time.Second
	defaultPrompt  = "You are a helpful assistant for an International Space Station " +
		"tracking dashboard. Answer questions about the ISS, its orbit, crew, and " +
		"visible passes concisely."
)

// Common errors returned by the generation client.
var (
	ErrEmptyPrompt   = errors.New("empty prompt")
	ErrInvalidAPIKey = errors.New("invalid API key")
	ErrRateLimited   = errors.New("rate limited by provider")
)

// Config holds generation client configuration.
type Config struct {
	// APIKey is the provider API key (required)
	APIKey string

	// Model is the chat model to use
	Model string

	// BaseURL is the API base URL (default: https://api.openai.com/v1)
	BaseURL string

	// SystemPrompt steers the assistant's answers
	SystemPrompt string

	// Timeout for API requests
	Timeout time.Duration

	// MaxRetries for transient failures
	MaxRetries int
}

// Client calls a chat completion endpoint with bounded retries.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new generation client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultPrompt
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

// chatRequest is the chat completions request body.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the chat completions response.
type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// errorResponse is the provider error response.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// retryableError marks failures worth another attempt (5xx, 429,
// transport errors). Client-side 4xx errors are returned as-is.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Generate produces an answer for the given prompt.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	reqBody := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: c.cfg.SystemPrompt},
			{Role: "user", Content: prompt},
		},
	}

	reqJSON, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var answer string
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff(attempt)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		answer, lastErr = c.doRequest(ctx, reqJSON)
		if lastErr == nil {
			return answer, nil
		}

		var retryable *retryableError
		if !errors.As(lastErr, &retryable) {
			return "", lastErr
		}
	}

	return "", lastErr
}

// backoff returns an exponential delay with jitter for the given attempt.
func backoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt-1)) * 250 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	return base + jitter
}

// doRequest makes one HTTP request to the chat completions endpoint.
func (c *Client) doRequest(ctx context.Context, body []byte) (string, error) {
	url := c.cfg.BaseURL + "/chat/completions"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &retryableError{fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &retryableError{fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		message := fmt.Sprintf("status %d", resp.StatusCode)
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			message = errResp.Error.Message
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return "", ErrInvalidAPIKey
		case resp.StatusCode == http.StatusTooManyRequests:
			return "", &retryableError{ErrRateLimited}
		case resp.StatusCode >= 500:
			return "", &retryableError{fmt.Errorf("API error: %s", message)}
		default:
			return "", fmt.Errorf("API error: %s", message)
		}
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no completion returned")
	}

	return chatResp.Choices[0].Message.Content, nil
}
