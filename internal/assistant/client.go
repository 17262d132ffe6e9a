// Package assistant is the HTTP client for the hosted assistant-run API
// that produces design feedback for submitted portfolios and decks.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// betaHeader is required by the hosted API while the assistants surface is
// versioned as a beta.
const betaHeader = "assistants=v2"

const maxResponseBytes = 1 << 20

// httpDoer abstracts the HTTP client so tests can substitute transports.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// APIError is a non-2xx response from the assistant API, carrying the
// upstream error envelope's message when one was present.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("assistant: api status %d", e.StatusCode)
	}
	return fmt.Sprintf("assistant: api status %d: %s", e.StatusCode, e.Message)
}

// Client talks to the assistant-run API over authenticated HTTPS. The
// bearer credential is read through a function so a rotation watcher can
// swap it without rebuilding the client.
type Client struct {
	baseURL string
	apiKey  func() string
	client  httpDoer
	logger  *slog.Logger
}

// NewClient builds a client for the given API root. A nil doer falls back
// to a timeout-bounded http.Client.
func NewClient(baseURL string, apiKey func() string, doer httpDoer, logger *slog.Logger) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("assistant: base url required")
	}
	if apiKey == nil {
		return nil, errors.New("assistant: api key source required")
	}
	if doer == nil {
		doer = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: trimmed,
		apiKey:  apiKey,
		client:  doer,
		logger:  logger.With(slog.String("agent", "assistant_client")),
	}, nil
}

// RetrieveRun fetches the current status of one run.
func (c *Client) RetrieveRun(ctx context.Context, threadID, runID string) (Run, error) {
	if threadID == "" || runID == "" {
		return Run{}, errors.New("assistant: thread and run ids required")
	}
	var run Run
	path := fmt.Sprintf("/threads/%s/runs/%s", url.PathEscape(threadID), url.PathEscape(runID))
	if err := c.getJSON(ctx, path, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// ListMessages fetches the thread's messages newest-first.
func (c *Client) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	if threadID == "" {
		return nil, errors.New("assistant: thread id required")
	}
	var list messageList
	path := fmt.Sprintf("/threads/%s/messages?order=desc", url.PathEscape(threadID))
	if err := c.getJSON(ctx, path, &list); err != nil {
		return nil, err
	}
	return list.Data, nil
}

func (c *Client) getJSON(ctx context.Context, path string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("assistant: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey())
	req.Header.Set("OpenAI-Beta", betaHeader)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("assistant: request: %w", err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	closeErr := resp.Body.Close()
	if err != nil {
		return fmt.Errorf("assistant: read response: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("assistant: close response: %w", closeErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &envelope) == nil {
			apiErr.Message = envelope.Error.Message
		}
		c.logger.Debug("assistant api error",
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)
		return apiErr
	}

	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("assistant: decode response: %w", err)
	}
	return nil
}
