package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// MessageStatus tracks a pending relay request.
type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// TriggerMessage is one outbound relay request awaiting confirmation from
// the chat client. It lives only in the broker's memory; a restart forgets
// all pending entries.
type TriggerMessage struct {
	ID         string        `json:"id"`
	GroupName  string        `json:"group_name"`
	Message    string        `json:"message"`
	CreatedAt  time.Time     `json:"created_at"`
	Status     MessageStatus `json:"status"`
	RetryCount int           `json:"retry_count"`
	MaxRetries int           `json:"max_retries"`

	done chan ResultEnvelope
}

// SendResult is what a relay call resolves to. A timeout is a failure result,
// never an error that crosses the job-handler boundary by itself.
type SendResult struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

const (
	sendTimeout   = 10 * time.Second
	groupsTimeout = 5 * time.Second

	defaultMaxRetries = 3
	defaultMaxAge     = 30 * time.Minute
	janitorInterval   = time.Minute
	redialInterval    = 5 * time.Second

	sendBuffer = 64
)

// ErrBrokerClosed is returned when publishing on a broker that never
// connected, is between connections, or has shut down.
var ErrBrokerClosed = errors.New("bridge broker is not connected")

// Broker is the request/response bridge between stateless worker/API
// processes and the single stateful chat client. It publishes command
// envelopes over a websocket, correlates result envelopes by request id, and
// resolves each caller within a bounded wait.
//
// Construct exactly one Broker per process and inject it; a second connected
// instance would double-process results.
type Broker struct {
	url    string
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]*TriggerMessage
	started bool
	closed  bool

	sendCh   chan Frame
	groupsCh chan []Group

	maxAge time.Duration
	redial time.Duration
	cancel context.CancelFunc
}

// NewBroker prepares a broker that will dial the given bridge websocket URL.
func NewBroker(url string, logger *slog.Logger) *Broker {
	return &Broker{
		url:      url,
		logger:   logger.With("component", "bridge.broker"),
		pending:  make(map[string]*TriggerMessage),
		sendCh:   make(chan Frame, sendBuffer),
		groupsCh: make(chan []Group, 1),
		maxAge:   defaultMaxAge,
		redial:   redialInterval,
	}
}

// Connect dials the chat client's bridge endpoint and starts the connection
// supervisor plus the janitor. Calling Connect twice is an error: the
// singleton guard against duplicate subscriptions.
//
// Once the initial dial succeeds the broker owns the connection for good: a
// dropped websocket is re-dialed in the background until Close. Publishes
// fail fast while disconnected.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return errors.New("bridge broker already connected")
	}
	b.started = true
	b.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.url, nil)
	if err != nil {
		b.mu.Lock()
		b.started = false
		b.mu.Unlock()
		return fmt.Errorf("dial bridge %s: %w", b.url, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.conn = conn
	b.cancel = cancel
	b.mu.Unlock()

	go b.supervise(runCtx, conn)
	go b.janitor(runCtx)

	b.logger.Info("connected to chat bridge", "url", b.url)
	return nil
}

// supervise pumps one connection at a time, re-dialing whenever the current
// one drops. It exits only when the broker is closed.
func (b *Broker) supervise(ctx context.Context, conn *websocket.Conn) {
	for {
		b.pump(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("bridge connection lost, re-dialing", "url", b.url)
		conn = b.redialLoop(ctx)
		if conn == nil {
			return
		}
	}
}

// pump runs the read and write loops for a single connection and returns once
// either side fails or the broker shuts down. In-flight requests are left
// pending; their callers resolve by timeout.
func (b *Broker) pump(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	readDone := make(chan struct{})
	writeDone := make(chan struct{})
	go func() {
		defer close(readDone)
		b.readPump(connCtx, conn)
	}()
	go func() {
		defer close(writeDone)
		b.writePump(connCtx, conn)
	}()

	select {
	case <-readDone:
	case <-writeDone:
	case <-ctx.Done():
	}

	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	b.mu.Unlock()

	cancel()
	conn.Close()
	<-readDone
	<-writeDone
}

// redialLoop dials until it succeeds or the broker shuts down.
func (b *Broker) redialLoop(ctx context.Context) *websocket.Conn {
	ticker := time.NewTicker(b.redial)
	defer ticker.Stop()
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.url, nil)
		if err == nil {
			b.mu.Lock()
			b.conn = conn
			b.mu.Unlock()
			b.logger.Info("reconnected to chat bridge", "url", b.url)
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
		b.logger.Warn("bridge re-dial failed", "url", b.url, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close tears the connection down; pending entries are abandoned.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.cancel != nil {
		b.cancel()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}

// SendToGroup relays one message (with an optional PNG attachment) to the
// named chat group and waits up to 10s for the correlated result. Exactly
// one attempt is made; on timeout the pending entry is kept so a late result
// is absorbed silently, but the caller has already received a failure.
func (b *Broker) SendToGroup(ctx context.Context, group, message string, image []byte) SendResult {
	msg := &TriggerMessage{
		ID:         uuid.NewString(),
		GroupName:  group,
		Message:    message,
		CreatedAt:  time.Now().UTC(),
		Status:     StatusPending,
		MaxRetries: defaultMaxRetries,
		done:       make(chan ResultEnvelope, 1),
	}

	envelope := CommandEnvelope{
		Type:      TypeSendToGroup,
		RequestID: msg.ID,
		GroupName: group,
		Message:   message,
		Timestamp: msg.CreatedAt,
	}
	if len(image) > 0 {
		envelope.ImageBuffer = base64.StdEncoding.EncodeToString(image)
	}

	b.mu.Lock()
	b.pending[msg.ID] = msg
	b.mu.Unlock()

	if err := b.publish(ChannelSend, envelope); err != nil {
		b.resolve(msg.ID, ResultEnvelope{RequestID: msg.ID, Success: false, Error: err.Error()})
		return SendResult{RequestID: msg.ID, Success: false, Error: err.Error()}
	}

	return b.await(ctx, msg, sendTimeout)
}

func (b *Broker) await(ctx context.Context, msg *TriggerMessage, timeout time.Duration) SendResult {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case result := <-msg.done:
		return SendResult{RequestID: msg.ID, Success: result.Success, Error: result.Error}
	case <-timer.C:
		b.logger.Warn("bridge request timed out", "request_id", msg.ID, "group", msg.GroupName)
		return SendResult{RequestID: msg.ID, Success: false, Error: "timeout waiting for chat client"}
	case <-ctx.Done():
		return SendResult{RequestID: msg.ID, Success: false, Error: ctx.Err().Error()}
	}
}

// GetGroups asks the chat client for its group list and waits up to 5s.
func (b *Broker) GetGroups(ctx context.Context) ([]Group, error) {
	// Drain a stale response left by an earlier timed-out query.
	select {
	case <-b.groupsCh:
	default:
	}
	if err := b.publish(ChannelRequest, CommandEnvelope{Type: TypeGetGroups}); err != nil {
		return nil, err
	}
	timer := time.NewTimer(groupsTimeout)
	defer timer.Stop()
	select {
	case groups := <-b.groupsCh:
		return groups, nil
	case <-timer.C:
		return nil, errors.New("timeout waiting for group list")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RetryFailedMessages re-publishes every failed entry that has retry budget
// left, reusing the original request id. Returns how many were re-published.
func (b *Broker) RetryFailedMessages(ctx context.Context) int {
	b.mu.Lock()
	var retryable []*TriggerMessage
	for _, msg := range b.pending {
		if msg.Status == StatusFailed && msg.RetryCount < msg.MaxRetries {
			msg.Status = StatusPending
			msg.RetryCount++
			retryable = append(retryable, msg)
		}
	}
	b.mu.Unlock()

	retried := 0
	for _, msg := range retryable {
		envelope := CommandEnvelope{
			Type:      TypeSendToGroup,
			RequestID: msg.ID,
			GroupName: msg.GroupName,
			Message:   msg.Message,
			Timestamp: time.Now().UTC(),
		}
		if err := b.publish(ChannelSend, envelope); err != nil {
			b.resolve(msg.ID, ResultEnvelope{RequestID: msg.ID, Success: false, Error: err.Error()})
			continue
		}
		retried++
		b.logger.Info("failed message re-published", "request_id", msg.ID, "retry", msg.RetryCount)
	}
	return retried
}

// PendingMessages returns copies of the tracked relay requests.
func (b *Broker) PendingMessages() []TriggerMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]TriggerMessage, 0, len(b.pending))
	for _, msg := range b.pending {
		copied := *msg
		copied.done = nil
		out = append(out, copied)
	}
	return out
}

// MessageStatus reports the tracked status of one request id.
func (b *Broker) MessageStatus(id string) (MessageStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.pending[id]
	if !ok {
		return "", false
	}
	return msg.Status, true
}

// publish hands a frame to the write pump without blocking. A full buffer or
// a missing connection is an immediate failure, not a wait.
func (b *Broker) publish(channel string, payload any) error {
	b.mu.Lock()
	ready := b.started && b.conn != nil && !b.closed
	b.mu.Unlock()
	if !ready {
		return ErrBrokerClosed
	}
	frame, err := newFrame(channel, payload)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", channel, err)
	}
	select {
	case b.sendCh <- frame:
		return nil
	default:
		return errors.New("bridge send buffer full")
	}
}

// resolve transitions a pending entry with the outcome of its request. Late
// results for callers that already timed out land here silently.
func (b *Broker) resolve(requestID string, result ResultEnvelope) {
	b.mu.Lock()
	msg, ok := b.pending[requestID]
	if ok {
		if result.Success {
			msg.Status = StatusSent
		} else {
			msg.Status = StatusFailed
		}
	}
	b.mu.Unlock()
	if !ok {
		b.logger.Warn("result for unknown request", "request_id", requestID)
		return
	}
	select {
	case msg.done <- result:
	default:
		// Caller already gone (timed out); status update is enough.
	}
}

func (b *Broker) readPump(ctx context.Context, conn *websocket.Conn) {
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() == nil {
				b.logger.Error("bridge read failed", "error", err)
			}
			return
		}
		switch frame.Channel {
		case ChannelResult:
			var result ResultEnvelope
			if err := unmarshalPayload(frame, &result); err != nil {
				b.logger.Warn("bad result envelope", "error", err)
				continue
			}
			b.resolve(result.RequestID, result)
		case ChannelGroups:
			var groups []Group
			if err := unmarshalPayload(frame, &groups); err != nil {
				b.logger.Warn("bad groups envelope", "error", err)
				continue
			}
			select {
			case b.groupsCh <- groups:
			default:
			}
		default:
			b.logger.Warn("frame on unexpected channel", "channel", frame.Channel)
		}
	}
}

func (b *Broker) writePump(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-b.sendCh:
			if err := conn.WriteJSON(frame); err != nil {
				if ctx.Err() == nil {
					b.logger.Error("bridge write failed", "error", err)
				}
				return
			}
		}
	}
}

// janitor drops tracked entries older than maxAge regardless of state.
func (b *Broker) janitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-b.maxAge)
			b.mu.Lock()
			for id, msg := range b.pending {
				if msg.CreatedAt.Before(cutoff) {
					delete(b.pending, id)
				}
			}
			b.mu.Unlock()
		}
	}
}

func unmarshalPayload(frame Frame, dst any) error {
	return json.Unmarshal(frame.Payload, dst)
}
