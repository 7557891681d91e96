package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client captures the HTTP calls issued toward a shared-hosting control
// panel's resource status API.
type Client struct {
	httpClient *http.Client
}

// NewClient configures a client with sane defaults.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// RemoteRecord mirrors one observation in the remote history payload. ID is
// the remote system's own primary key for the observation.
type RemoteRecord struct {
	ID               int64     `json:"id"`
	DiskUsageMB      float64   `json:"disk_usage_mb"`
	FileCount        int64     `json:"file_count"`
	AvailableSpaceMB float64   `json:"available_space_mb"`
	AvailableInodes  int64     `json:"available_inode"`
	CheckedAt        time.Time `json:"checked_at"`
}

type historyResponse struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Data    []RemoteRecord `json:"data"`
}

// FetchUsageHistory retrieves the resource usage history from the target's
// endpoint. A non-2xx status or success=false payload is an error; the
// queue's retry policy decides what happens next.
func (c *Client) FetchUsageHistory(ctx context.Context, endpoint, apiKey string) ([]RemoteRecord, error) {
	url := strings.TrimRight(endpoint, "/") + "/resource-usage/history"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build usage request: %w", err)
	}
	req.Header.Set("x-api-key", apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch usage history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch usage history: remote returned %s", resp.Status)
	}

	var payload historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode usage history: %w", err)
	}
	if !payload.Success {
		if payload.Error != "" {
			return nil, fmt.Errorf("remote reported failure: %s", payload.Error)
		}
		return nil, fmt.Errorf("remote reported failure")
	}
	return payload.Data, nil
}
