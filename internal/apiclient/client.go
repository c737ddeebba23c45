// Package apiclient is a thin HTTP client for the Mitigator API, shared by
// the operator CLI and the MCP server.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the connection settings.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	APIKey      string // Detector or operator key, "sk_..."; optional
	AdminSecret string // Sent as X-Admin-Secret on admin calls; optional
	Timeout     time.Duration
}

// Client calls the Mitigator API and returns raw JSON bodies.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a client. A zero Timeout means 30s.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Code)
}

// DecideRequest is the body of POST /v1/decisions.
type DecideRequest struct {
	Source    string  `json:"source"`
	Label     int     `json:"label"`
	SessionID string  `json:"sessionId,omitempty"`
	Score     float64 `json:"score,omitempty"`
	Requests  int     `json:"requests,omitempty"`
}

// DecisionQuery filters GET /v1/decisions.
type DecisionQuery struct {
	Source string
	Action string
	Limit  int
	Cursor string
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, admin bool) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if admin && c.cfg.AdminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		var parsed struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &parsed) == nil && (parsed.Error != "" || parsed.Message != "") {
			apiErr.Code, apiErr.Message = parsed.Error, parsed.Message
		} else {
			apiErr.Message = string(respBody)
		}
		return nil, apiErr
	}

	return json.RawMessage(respBody), nil
}

// Decide submits one detection and returns the decision.
func (c *Client) Decide(ctx context.Context, d DecideRequest) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/v1/decisions", nil, d, false)
}

// GetSource returns the mitigation state of one source.
func (c *Client) GetSource(ctx context.Context, source string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/v1/sources/"+url.PathEscape(source), nil, nil, false)
}

// GetStats returns the engine snapshot.
func (c *Client) GetStats(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/v1/stats", nil, nil, false)
}

// GetPolicy returns the active policy.
func (c *Client) GetPolicy(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/v1/policy", nil, nil, false)
}

// ListDecisions pages through the decision log, newest first.
func (c *Client) ListDecisions(ctx context.Context, q DecisionQuery) (json.RawMessage, error) {
	v := url.Values{}
	if q.Source != "" {
		v.Set("source", q.Source)
	}
	if q.Action != "" {
		v.Set("action", q.Action)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Cursor != "" {
		v.Set("cursor", q.Cursor)
	}
	return c.do(ctx, http.MethodGet, "/v1/decisions", v, nil, false)
}

// RecentLogs returns the last lines of an activity, threat or mitigation log.
func (c *Client) RecentLogs(ctx context.Context, kind string, lines int) (json.RawMessage, error) {
	v := url.Values{}
	if lines > 0 {
		v.Set("lines", strconv.Itoa(lines))
	}
	return c.do(ctx, http.MethodGet, "/v1/logs/"+url.PathEscape(kind), v, nil, false)
}

// Reset clears all mitigation state. Admin only.
func (c *Client) Reset(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/v1/admin/reset", nil, nil, true)
}

// ClearLogs truncates the text logs. Admin only.
func (c *Client) ClearLogs(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodDelete, "/v1/admin/logs", nil, nil, true)
}

// ReloadPolicy asks the server to re-read its policy file. Admin only.
func (c *Client) ReloadPolicy(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/v1/admin/policy/reload", nil, nil, true)
}

// Health returns the aggregate health report. An unhealthy server answers
// 503, which surfaces as an *APIError.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, false)
}
