// Package workflow posts user turns to the external workflow engine that
// generates bot replies. Replies come back later through the bot-reply webhook.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Request is the body posted to the workflow engine.
type Request struct {
	Bot       string         `json:"bot"`
	SessionID string         `json:"sessionId"`
	Channel   string         `json:"channel"`
	Text      string         `json:"text"`
	Prompt    string         `json:"prompt"`
	Policy    Policy         `json:"policy"`
	Meta      map[string]any `json:"meta"`
}

// Policy carries per-turn reply constraints.
type Policy struct {
	AllowCTA bool `json:"allowCTA"`
}

// Dispatcher hands a turn to the workflow engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *Request) error
}

// Client is the HTTP workflow engine client.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient creates a client posting to url with a fixed timeout.
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Dispatch implements Dispatcher. Any non-2xx answer is an error.
func (c *Client) Dispatch(ctx context.Context, req *Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("workflow engine error [%d]: %s", resp.StatusCode, string(respBody))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

var _ Dispatcher = (*Client)(nil)
