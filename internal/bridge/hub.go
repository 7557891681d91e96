package bridge

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Dispatcher executes the commands arriving over the bridge inside the chat
// client process, which owns the actual chat session.
type Dispatcher interface {
	SendToGroup(ctx context.Context, group, message string, image []byte) error
	ListGroups(ctx context.Context) ([]Group, error)
}

const dispatchTimeout = 30 * time.Second

// Hub is the chat-client side of the bridge: it accepts websocket
// connections from worker/API processes, dispatches their command envelopes,
// and writes correlated results back to the originating connection.
type Hub struct {
	dispatcher Dispatcher
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	mu    sync.Mutex
	conns map[*hubConn]struct{}
}

type hubConn struct {
	conn *websocket.Conn
	// gorilla allows one concurrent writer; results for in-flight dispatches
	// serialize on this mutex.
	writeMu sync.Mutex
}

// NewHub creates the bridge hub around the given dispatcher.
func NewHub(dispatcher Dispatcher, logger *slog.Logger) *Hub {
	return &Hub{
		dispatcher: dispatcher,
		logger:     logger.With("component", "bridge.hub"),
		conns:      make(map[*hubConn]struct{}),
	}
}

// ServeHTTP upgrades the request and serves bridge frames until the peer
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("bridge upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	hc := &hubConn{conn: conn}
	h.mu.Lock()
	h.conns[hc] = struct{}{}
	peers := len(h.conns)
	h.mu.Unlock()
	h.logger.Info("bridge peer connected", "remote", r.RemoteAddr, "peers", peers)

	defer func() {
		h.mu.Lock()
		delete(h.conns, hc)
		h.mu.Unlock()
		conn.Close()
		h.logger.Info("bridge peer disconnected", "remote", r.RemoteAddr)
	}()

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Channel {
		case ChannelSend, ChannelRequest:
			var cmd CommandEnvelope
			if err := unmarshalPayload(frame, &cmd); err != nil {
				h.logger.Warn("bad command envelope", "channel", frame.Channel, "error", err)
				continue
			}
			// Dispatch off the read loop so a slow send does not stall
			// subsequent frames from the same peer.
			go h.dispatch(hc, cmd)
		default:
			h.logger.Warn("frame on unexpected channel", "channel", frame.Channel)
		}
	}
}

func (h *Hub) dispatch(hc *hubConn, cmd CommandEnvelope) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	switch cmd.Type {
	case TypeSendToGroup:
		h.handleSend(ctx, hc, cmd)
	case TypeGetGroups:
		h.handleGetGroups(ctx, hc)
	default:
		h.logger.Warn("unknown bridge command", "type", cmd.Type, "request_id", cmd.RequestID)
	}
}

func (h *Hub) handleSend(ctx context.Context, hc *hubConn, cmd CommandEnvelope) {
	var image []byte
	if cmd.ImageBuffer != "" {
		decoded, err := base64.StdEncoding.DecodeString(cmd.ImageBuffer)
		if err != nil {
			h.writeResult(hc, ResultEnvelope{
				RequestID: cmd.RequestID,
				Success:   false,
				Error:     fmt.Sprintf("decode image: %v", err),
			})
			return
		}
		image = decoded
	}

	result := ResultEnvelope{RequestID: cmd.RequestID, Success: true}
	if err := h.dispatcher.SendToGroup(ctx, cmd.GroupName, cmd.Message, image); err != nil {
		result.Success = false
		result.Error = err.Error()
		h.logger.Warn("send to group failed", "request_id", cmd.RequestID, "group", cmd.GroupName, "error", err)
	}
	h.writeResult(hc, result)
}

func (h *Hub) handleGetGroups(ctx context.Context, hc *hubConn) {
	groups, err := h.dispatcher.ListGroups(ctx)
	if err != nil {
		h.logger.Warn("list groups failed", "error", err)
		groups = []Group{}
	}
	frame, err := newFrame(ChannelGroups, groups)
	if err != nil {
		h.logger.Error("encode groups frame failed", "error", err)
		return
	}
	h.write(hc, frame)
}

func (h *Hub) writeResult(hc *hubConn, result ResultEnvelope) {
	frame, err := newFrame(ChannelResult, result)
	if err != nil {
		h.logger.Error("encode result frame failed", "error", err)
		return
	}
	h.write(hc, frame)
}

func (h *Hub) write(hc *hubConn, frame Frame) {
	hc.writeMu.Lock()
	defer hc.writeMu.Unlock()
	if err := hc.conn.WriteJSON(frame); err != nil {
		h.logger.Warn("bridge write failed", "channel", frame.Channel, "error", err)
	}
}
