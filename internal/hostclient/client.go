// Package hostclient invokes the LLM host over HTTP for job runs.
package hostclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	gwerrors "github.com/jokim1/clawtalk-gateway/internal/errors"
)

// InvokeRequest is one model invocation routed through the host.
type InvokeRequest struct {
	Model   string            `json:"model,omitempty"`
	Prompt  string            `json:"prompt"`
	System  string            `json:"system,omitempty"`
	Tools   []string          `json:"tools,omitempty"`
	Headers map[string]string `json:"-"`
	Timeout time.Duration     `json:"-"`
}

// InvokeResponse is the host's answer.
type InvokeResponse struct {
	Output    string   `json:"output"`
	ToolsUsed []string `json:"toolsUsed,omitempty"`
}

// Client talks to the host's invoke endpoint.
type Client struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// New creates a host client for the given base URL.
func New(baseURL string, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		client:  &http.Client{},
		logger:  logger.With().Str("component", "hostclient").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Invoke posts the request and waits for the completed output, bounded by
// the request timeout.
func (c *Client) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invoke request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build invoke request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: host invoke", gwerrors.ErrTimeout)
		}
		return nil, fmt.Errorf("%w: %v", gwerrors.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read invoke response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, gwerrors.NewAPIError("openclaw", resp.StatusCode, string(data))
	}

	var out InvokeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse invoke response: %w", err)
	}
	return &out, nil
}
