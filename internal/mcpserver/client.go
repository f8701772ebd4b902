package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config holds the configuration for connecting to a FraudGuard API.
type Config struct {
	APIURL  string        // Base URL, e.g. "http://localhost:8080"
	APIKey  string        // API key, e.g. "fg_..."; empty scores anonymously
	Timeout time.Duration // per-request timeout; zero means 30s
}

// Client is a pure HTTP client for the FraudGuard API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// APIError is an error response from the API.
type APIError struct {
	Status  int             `json:"-"`
	Code    string          `json:"error"`
	Message string          `json:"message"`
	Body    json.RawMessage `json:"-"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, string(e.Body))
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Body: respBody}
		_ = json.Unmarshal(respBody, apiErr)
		return nil, apiErr
	}

	return json.RawMessage(respBody), nil
}

// ScoreTransaction submits a transaction for scoring.
func (c *Client) ScoreTransaction(ctx context.Context, txn map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/fraud/detect", txn)
}

// GetModel returns the published weight set.
func (c *Client) GetModel(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/model", nil)
}

// GetUsage returns the caller's current usage meter.
func (c *Client) GetUsage(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/usage", nil)
}

// ListBillingPeriods returns the caller's closed billing periods.
func (c *Client) ListBillingPeriods(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/billing/periods", nil)
}
