// Package llm provides clients for the external completion services.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

var (
	// ErrUpstream indicates the completion service returned a failure.
	ErrUpstream = errors.New("llm upstream error")
	// ErrEmptyResponse indicates the service answered without any content.
	ErrEmptyResponse = errors.New("llm returned empty response")
)

// Endpoint identifies one OpenAI-compatible chat-completion endpoint.
type Endpoint struct {
	URL    string
	APIKey string
	Model  string
}

// SessionEndpoint identifies a session-based completion app (the memory
// evolution agent). Session IDs let the app keep dialogue context
// server-side between calls.
type SessionEndpoint struct {
	URL    string
	AppID  string
	APIKey string
}

// Client calls external completion services with bounded timeouts.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a completion client. A zero timeout defaults to 30s.
func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends a system+user message pair to an OpenAI-compatible
// endpoint and returns the assistant text.
func (c *Client) Complete(ctx context.Context, ep Endpoint, system, user string, temperature float64) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: ep.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+ep.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close llm response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, string(data))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return parsed.Choices[0].Message.Content, nil
}

type sessionRequest struct {
	Input struct {
		Prompt    string `json:"prompt"`
		SessionID string `json:"session_id,omitempty"`
	} `json:"input"`
	Parameters struct{} `json:"parameters"`
}

type sessionResponse struct {
	Output struct {
		Text      string `json:"text"`
		SessionID string `json:"session_id"`
	} `json:"output"`
}

// CompleteSession calls the session-based completion app and returns the
// answer text plus the session ID to pass on the next call.
func (c *Client) CompleteSession(ctx context.Context, ep SessionEndpoint, prompt, sessionID string) (string, string, error) {
	var payload sessionRequest
	payload.Input.Prompt = prompt
	payload.Input.SessionID = sessionID

	body, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("encode session request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/completion", ep.URL, ep.AppID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+ep.APIKey)

	c.logger.Debug("calling session completion app", "app_id", ep.AppID, "session_id", sessionID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close session response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", "", fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, string(data))
	}

	var parsed sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", "", fmt.Errorf("decode session response: %w", err)
	}
	if parsed.Output.Text == "" {
		return "", "", ErrEmptyResponse
	}
	return parsed.Output.Text, parsed.Output.SessionID, nil
}
