package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kullken/Pet-Mk-IV/internal/estimator"
	"github.com/kullken/Pet-Mk-IV/internal/httputil"
)

// Client talks to a running daemon's API.
type Client struct {
	HTTP    httputil.HTTPClient
	BaseURL string
}

// NewClient returns a client for baseURL using http.DefaultClient.
func NewClient(baseURL string) *Client {
	return &Client{HTTP: http.DefaultClient, BaseURL: strings.TrimRight(baseURL, "/")}
}

// Estimate fetches the latest state estimate.
func (c *Client) Estimate(ctx context.Context) (estimator.StateOutput, error) {
	var out estimator.StateOutput
	err := c.do(ctx, http.MethodGet, "/api/estimate", nil, &out)
	return out, err
}

// SetReference replaces the active reference path.
func (c *Client) SetReference(ctx context.Context, req ReferenceRequest) (ReferenceStatus, error) {
	var out ReferenceStatus
	err := c.do(ctx, http.MethodPost, "/api/reference", req, &out)
	return out, err
}

// Reference fetches the active reference status.
func (c *Client) Reference(ctx context.Context) (ReferenceStatus, error) {
	var out ReferenceStatus
	err := c.do(ctx, http.MethodGet, "/api/reference", nil, &out)
	return out, err
}

// Stop clears the reference and halts the motors.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/stop", nil, nil)
}

// Stats fetches the daemon counters.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	err := c.do(ctx, http.MethodGet, "/api/stats", nil, &out)
	return out, err
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, httputil.MaxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
