// Package billing talks to the OpenRouter management API: the worker reads
// per-key spend and limits from it to keep lease usage figures current.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

// Key is one provisioned API key as the management API reports it.
type Key struct {
	Name     string   `json:"name"`
	Label    string   `json:"label"`
	Disabled bool     `json:"disabled"`
	Limit    *float64 `json:"limit"`
	Usage    float64  `json:"usage"`
}

type listKeysResponse struct {
	Data []Key `json:"data"`
}

// Client is an OpenRouter management API client authenticated with a
// management key (not a regular inference key).
type Client struct {
	baseURL       string
	managementKey string
	httpc         *http.Client
}

// NewClient creates a client. An empty baseURL selects the public API.
func NewClient(baseURL, managementKey string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		managementKey: managementKey,
		httpc:         &http.Client{Timeout: 30 * time.Second},
	}
}

// ListKeys returns every provisioned API key with its current usage.
func (c *Client) ListKeys(ctx context.Context) ([]Key, error) {
	var out listKeysResponse
	if err := c.get(ctx, "/keys", &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.managementKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("GET %s: read body: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("GET %s: decode response: %w", path, err)
	}
	return nil
}
