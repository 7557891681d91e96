package chatclient

import (
	"context"
	"fmt"
	"log/slog"

	"example.com/systrack/internal/bridge"
)

// Client executes bridge commands against the gateway session. It implements
// bridge.Dispatcher, so the hub can hand it envelopes arriving from worker
// processes.
type Client struct {
	gateway Gateway
	logger  *slog.Logger
}

// NewClient wires the dispatcher around a gateway.
func NewClient(gateway Gateway, logger *slog.Logger) *Client {
	return &Client{
		gateway: gateway,
		logger:  logger.With("component", "chatclient"),
	}
}

// SendToGroup delivers the text first, then the attachment. The attachment is
// its own send on the gateway side, so its failure fails the whole dispatch
// even after the text went through; the caller's retry may duplicate the
// text, which is an accepted cost.
func (c *Client) SendToGroup(ctx context.Context, group, message string, image []byte) error {
	if message != "" {
		if err := c.gateway.SendText(ctx, group, message); err != nil {
			return fmt.Errorf("send text to %q: %w", group, err)
		}
	}
	if len(image) > 0 {
		if err := c.gateway.SendImage(ctx, group, image); err != nil {
			return fmt.Errorf("send image to %q: %w", group, err)
		}
	}
	c.logger.Info("message relayed", "group", group, "image", len(image) > 0)
	return nil
}

// ListGroups proxies the gateway's group listing.
func (c *Client) ListGroups(ctx context.Context) ([]bridge.Group, error) {
	groups, err := c.gateway.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return groups, nil
}
