package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	statusPath     = "/bottlestatus"
	maxStatusBytes = 64 << 10
)

// Client reads the status endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a Client for baseURL (scheme + host, optional path prefix).
// hc may be nil.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c *Client) URL() string { return c.baseURL + statusPath }

// Fetch performs one GET and decodes the JSON body.
func (c *Client) Fetch(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(), http.NoBody)
	if err != nil {
		return Snapshot{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBytes))
	if err != nil {
		return Snapshot{}, fmt.Errorf("read status body: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return Snapshot{}, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("parse status response: %w", err)
	}
	return snap, nil
}
