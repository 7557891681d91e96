package bridge

import (
	"encoding/json"
	"time"
)

// Channel names mirror the pub/sub topics the broker and the chat client
// exchange frames on.
const (
	ChannelSend    = "systrack:send"
	ChannelRequest = "systrack:request"
	ChannelResult  = "systrack:result"
	ChannelGroups  = "systrack:groups"
)

// Command types carried on the send/request channels.
const (
	TypeSendToGroup = "send_to_group"
	TypeGetGroups   = "get_groups"
)

// Frame is the wire envelope: a channel name plus a channel-specific payload.
type Frame struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// CommandEnvelope is published on the send channel to relay a message, or on
// the request channel (type get_groups) to query the chat client.
type CommandEnvelope struct {
	Type        string    `json:"type"`
	RequestID   string    `json:"requestId,omitempty"`
	GroupName   string    `json:"groupName,omitempty"`
	Message     string    `json:"message,omitempty"`
	ImageBuffer string    `json:"imageBuffer,omitempty"` // base64 PNG
	Timestamp   time.Time `json:"timestamp,omitempty"`
}

// ResultEnvelope correlates an outcome back to a pending request.
type ResultEnvelope struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// Group describes one chat group known to the chat client session.
type Group struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

func newFrame(channel string, payload any) (Frame, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Channel: channel, Payload: body}, nil
}
