package chatclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"example.com/systrack/internal/bridge"
)

// Gateway captures the HTTP calls the chat client issues toward the chat
// transport gateway that owns the actual messaging session.
type Gateway interface {
	SendText(ctx context.Context, group, message string) error
	SendImage(ctx context.Context, group string, image []byte) error
	ListGroups(ctx context.Context) ([]bridge.Group, error)
}

// HTTPGateway talks to the gateway's REST surface.
type HTTPGateway struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPGateway configures a gateway client with sane defaults.
func NewHTTPGateway(baseURL string) *HTTPGateway {
	return &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// SendText posts one plain text message to a group.
func (g *HTTPGateway) SendText(ctx context.Context, group, message string) error {
	return g.post(ctx, "/messages/text", map[string]string{
		"groupName": group,
		"message":   message,
	})
}

// SendImage posts one image attachment to a group.
func (g *HTTPGateway) SendImage(ctx context.Context, group string, image []byte) error {
	return g.post(ctx, "/messages/image", map[string]string{
		"groupName": group,
		"image":     base64.StdEncoding.EncodeToString(image),
	})
}

// ListGroups returns the groups the session is currently joined to.
func (g *HTTPGateway) ListGroups(ctx context.Context) ([]bridge.Group, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/groups", nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway responded with %s", resp.Status)
	}
	var payload struct {
		Groups []bridge.Group `json:"groups"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}
	return payload.Groups, nil
}

func (g *HTTPGateway) post(ctx context.Context, path string, body map[string]string) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("gateway responded with %s", resp.Status)
	}
	return nil
}
