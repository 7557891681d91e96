package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"example.com/systrack/internal/bridge"
	"example.com/systrack/internal/command"
	"example.com/systrack/internal/queue"
)

const (
	// MessageQueue carries plain outbound messages; CommandQueue carries
	// inbound commands that need parsing and a composed reply.
	MessageQueue = "chat-messages"
	CommandQueue = "chat-commands"

	MessageJobName = "deliver-message"
	CommandJobName = "deliver-command"
)

// MessagePayload is the body of a deliver-message job.
type MessagePayload struct {
	GroupName string    `json:"groupName"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandPayload is the body of a deliver-command job.
type CommandPayload struct {
	GroupName string    `json:"groupName"`
	Command   string    `json:"command"`
	Timestamp time.Time `json:"timestamp"`
}

// Sender is the broker surface the chat worker relays through.
type Sender interface {
	SendToGroup(ctx context.Context, group, message string, image []byte) bridge.SendResult
}

// Worker consumes chat delivery jobs and relays them through the bridge.
// Relay failures (including broker timeouts) surface as job errors so the
// queue's retry policy applies; a resend at worst produces a duplicate chat
// message, which is an accepted cost.
type Worker struct {
	sender      Sender
	interpreter *command.Interpreter
	logger      *slog.Logger
}

// NewWorker wires the chat worker.
func NewWorker(sender Sender, interpreter *command.Interpreter, logger *slog.Logger) *Worker {
	return &Worker{
		sender:      sender,
		interpreter: interpreter,
		logger:      logger.With("component", "chat.worker"),
	}
}

// HandleMessage delivers one plain message job.
func (w *Worker) HandleMessage(ctx context.Context, job *queue.JobContext) error {
	var payload MessagePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode message payload: %w", err)
	}
	if payload.GroupName == "" || payload.Message == "" {
		return errors.New("message job requires groupName and message")
	}

	result := w.sender.SendToGroup(ctx, payload.GroupName, payload.Message, nil)
	if !result.Success {
		return fmt.Errorf("relay message to %q: %s", payload.GroupName, result.Error)
	}
	w.logger.Info("message delivered", "job_id", job.ID, "group", payload.GroupName, "request_id", result.RequestID)
	return nil
}

// HandleCommand parses one inbound command, composes the reply (optionally
// with a chart attachment), and relays the combined payload. The bridge
// treats an attachment as an independent send step on the receiving side, so
// an attachment failure fails the job even when the text went through.
func (w *Worker) HandleCommand(ctx context.Context, job *queue.JobContext) error {
	var payload CommandPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode command payload: %w", err)
	}
	if payload.GroupName == "" {
		return errors.New("command job requires groupName")
	}

	reply := w.interpreter.Execute(ctx, payload.Command)
	result := w.sender.SendToGroup(ctx, payload.GroupName, reply.Text, reply.Chart)
	if !result.Success {
		return fmt.Errorf("relay command reply to %q: %s", payload.GroupName, result.Error)
	}
	w.logger.Info("command reply delivered",
		"job_id", job.ID, "group", payload.GroupName,
		"request_id", result.RequestID, "chart", len(reply.Chart) > 0)
	return nil
}
