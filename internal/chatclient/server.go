package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"example.com/systrack/internal/bridge"
	"example.com/systrack/internal/command"
)

// Server is the chat client's HTTP surface: the bridge hub endpoint the
// worker processes dial, and the webhook the gateway posts inbound chat
// messages to.
type Server struct {
	hub        *bridge.Hub
	gateway    Gateway
	apiBaseURL string
	httpClient *http.Client
	logger     *slog.Logger

	allowedGroups map[string]struct{}
	adminPhone    string
}

// NewServer wires the chat client server. allowedGroups is the set of group
// names whose messages are processed; adminPhone, when non-empty, restricts
// command handling to that sender.
func NewServer(hub *bridge.Hub, gateway Gateway, apiBaseURL string, allowedGroups []string, adminPhone string, logger *slog.Logger) *Server {
	allowed := make(map[string]struct{}, len(allowedGroups))
	for _, name := range allowedGroups {
		allowed[name] = struct{}{}
	}
	return &Server{
		hub:        hub,
		gateway:    gateway,
		apiBaseURL: strings.TrimRight(apiBaseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:        logger.With("component", "chatclient.server"),
		allowedGroups: allowed,
		adminPhone:    adminPhone,
	}
}

// Router configures the chat client routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	})
	r.Handle("/bridge", s.hub)
	r.Post("/webhook/message", s.handleInboundMessage)
	return r
}

type inboundMessage struct {
	GroupName string `json:"groupName"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	IsGroup   bool   `json:"isGroup"`
}

// handleInboundMessage filters one inbound chat message and forwards accepted
// commands to the API for queued handling. Filtering outcomes always answer
// 200 to the gateway; a dropped message is not a delivery failure.
func (s *Server) handleInboundMessage(w http.ResponseWriter, r *http.Request) {
	var msg inboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)

	text := strings.TrimSpace(msg.Text)
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.EqualFold(fields[0], command.Prefix) {
		return
	}

	if !msg.IsGroup {
		s.logger.Debug("private command ignored", "sender", msg.Sender)
		return
	}
	if _, ok := s.allowedGroups[msg.GroupName]; !ok {
		s.logger.Debug("command from non-allowed group ignored", "group", msg.GroupName)
		return
	}
	if s.adminPhone != "" && msg.Sender != s.adminPhone {
		s.logger.Info("command from non-admin sender refused", "group", msg.GroupName, "sender", msg.Sender)
		go s.refuse(msg.Sender)
		return
	}

	if err := s.forwardCommand(r.Context(), msg.GroupName, text); err != nil {
		s.logger.Error("forward command failed", "group", msg.GroupName, "error", err)
		return
	}
	s.logger.Info("command forwarded", "group", msg.GroupName, "sender", msg.Sender)
}

// refuse answers a non-admin sender privately so the group stays quiet.
func (s *Server) refuse(sender string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.gateway.SendText(ctx, sender, "Sorry, only the configured administrator can run commands.")
	if err != nil {
		s.logger.Warn("send refusal failed", "sender", sender, "error", err)
	}
}

func (s *Server) forwardCommand(ctx context.Context, group, text string) error {
	body, err := json.Marshal(map[string]string{
		"groupName": group,
		"command":   text,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiBaseURL+"/api/chat/commands", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("api responded with %s", resp.Status)
	}
	return nil
}
