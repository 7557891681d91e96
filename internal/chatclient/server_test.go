package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"example.com/systrack/internal/bridge"
)

type fakeGateway struct {
	mu     sync.Mutex
	texts  []gatewaySend
	images []gatewaySend
	groups []bridge.Group

	textErr  error
	imageErr error
}

type gatewaySend struct {
	group   string
	payload string
}

func (f *fakeGateway) SendText(_ context.Context, group, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.textErr != nil {
		return f.textErr
	}
	f.texts = append(f.texts, gatewaySend{group: group, payload: message})
	return nil
}

func (f *fakeGateway) SendImage(_ context.Context, group string, image []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.imageErr != nil {
		return f.imageErr
	}
	f.images = append(f.images, gatewaySend{group: group, payload: string(image)})
	return nil
}

func (f *fakeGateway) ListGroups(context.Context) ([]bridge.Group, error) {
	return f.groups, nil
}

func (f *fakeGateway) sentTexts() []gatewaySend {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gatewaySend, len(f.texts))
	copy(out, f.texts)
	return out
}

// commandSink records command enqueue requests the way the API would.
type commandSink struct {
	mu       sync.Mutex
	received []map[string]string
}

func (c *commandSink) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/commands" {
			http.NotFound(w, r)
			return
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.received = append(c.received, body)
		c.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
}

func (c *commandSink) commands() []map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]string, len(c.received))
	copy(out, c.received)
	return out
}

func newWebhookServer(t *testing.T, gateway Gateway, allowed []string, adminPhone string) (*httptest.Server, *commandSink) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	sink := &commandSink{}
	apiSrv := httptest.NewServer(sink.handler())
	t.Cleanup(apiSrv.Close)

	client := NewClient(gateway, logger)
	hub := bridge.NewHub(client, logger)
	srv := httptest.NewServer(NewServer(hub, gateway, apiSrv.URL, allowed, adminPhone, logger).Router())
	t.Cleanup(srv.Close)
	return srv, sink
}

func postWebhook(t *testing.T, srv *httptest.Server, msg inboundMessage) {
	t.Helper()
	body, _ := json.Marshal(msg)
	resp, err := http.Post(srv.URL+"/webhook/message", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook answered %d", resp.StatusCode)
	}
}

func TestWebhookForwardsAllowedGroupCommand(t *testing.T) {
	srv, sink := newWebhookServer(t, &fakeGateway{}, []string{"infra-alerts"}, "")

	postWebhook(t, srv, inboundMessage{
		GroupName: "infra-alerts",
		Sender:    "+15550001",
		Text:      "!systrack status",
		IsGroup:   true,
	})

	commands := sink.commands()
	if len(commands) != 1 {
		t.Fatalf("expected one forwarded command, got %d", len(commands))
	}
	if commands[0]["groupName"] != "infra-alerts" || commands[0]["command"] != "!systrack status" {
		t.Fatalf("unexpected forward: %v", commands[0])
	}
}

func TestWebhookForwardsMixedCasePrefix(t *testing.T) {
	srv, sink := newWebhookServer(t, &fakeGateway{}, []string{"infra-alerts"}, "")

	postWebhook(t, srv, inboundMessage{
		GroupName: "infra-alerts",
		Sender:    "+15550001",
		Text:      "!SYSTRACK HELP",
		IsGroup:   true,
	})

	commands := sink.commands()
	if len(commands) != 1 {
		t.Fatalf("uppercase command must still be forwarded, got %d", len(commands))
	}
	if commands[0]["command"] != "!SYSTRACK HELP" {
		t.Fatalf("command text must be forwarded as typed: %v", commands[0])
	}
}

func TestWebhookIgnoresNonCommandText(t *testing.T) {
	srv, sink := newWebhookServer(t, &fakeGateway{}, []string{"infra-alerts"}, "")

	postWebhook(t, srv, inboundMessage{
		GroupName: "infra-alerts",
		Sender:    "+15550001",
		Text:      "good morning everyone",
		IsGroup:   true,
	})
	if len(sink.commands()) != 0 {
		t.Fatal("plain chatter must not be forwarded")
	}
}

func TestWebhookIgnoresPrivateMessages(t *testing.T) {
	srv, sink := newWebhookServer(t, &fakeGateway{}, []string{"infra-alerts"}, "")

	postWebhook(t, srv, inboundMessage{
		Sender:  "+15550001",
		Text:    "!systrack status",
		IsGroup: false,
	})
	if len(sink.commands()) != 0 {
		t.Fatal("private messages must be ignored")
	}
}

func TestWebhookIgnoresUnlistedGroups(t *testing.T) {
	srv, sink := newWebhookServer(t, &fakeGateway{}, []string{"infra-alerts"}, "")

	postWebhook(t, srv, inboundMessage{
		GroupName: "random-chat",
		Sender:    "+15550001",
		Text:      "!systrack status",
		IsGroup:   true,
	})
	if len(sink.commands()) != 0 {
		t.Fatal("commands from unlisted groups must be ignored")
	}
}

func TestWebhookRefusesNonAdminPrivately(t *testing.T) {
	gateway := &fakeGateway{}
	srv, sink := newWebhookServer(t, gateway, []string{"infra-alerts"}, "+15559999")

	postWebhook(t, srv, inboundMessage{
		GroupName: "infra-alerts",
		Sender:    "+15550001",
		Text:      "!systrack status",
		IsGroup:   true,
	})
	if len(sink.commands()) != 0 {
		t.Fatal("non-admin command must not be forwarded")
	}

	// The refusal is sent asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for len(gateway.sentTexts()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected a private refusal")
		}
		time.Sleep(10 * time.Millisecond)
	}
	refusal := gateway.sentTexts()[0]
	if refusal.group != "+15550001" {
		t.Fatalf("refusal must go to the sender, went to %q", refusal.group)
	}
}

func TestWebhookAdminCommandAccepted(t *testing.T) {
	srv, sink := newWebhookServer(t, &fakeGateway{}, []string{"infra-alerts"}, "+15559999")

	postWebhook(t, srv, inboundMessage{
		GroupName: "infra-alerts",
		Sender:    "+15559999",
		Text:      "!systrack health",
		IsGroup:   true,
	})
	if len(sink.commands()) != 1 {
		t.Fatalf("admin command must be forwarded, got %d", len(sink.commands()))
	}
}

func TestClientSendsTextThenImage(t *testing.T) {
	gateway := &fakeGateway{}
	client := NewClient(gateway, slog.New(slog.DiscardHandler))

	err := client.SendToGroup(context.Background(), "infra-alerts", "chart below", []byte("png-bytes"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(gateway.texts) != 1 || len(gateway.images) != 1 {
		t.Fatalf("expected text and image sends, got %d/%d", len(gateway.texts), len(gateway.images))
	}
}

func TestClientImageFailureSurfaces(t *testing.T) {
	gateway := &fakeGateway{imageErr: context.DeadlineExceeded}
	client := NewClient(gateway, slog.New(slog.DiscardHandler))

	err := client.SendToGroup(context.Background(), "infra-alerts", "chart below", []byte("png-bytes"))
	if err == nil {
		t.Fatal("image failure must fail the dispatch even after the text went out")
	}
	if len(gateway.texts) != 1 {
		t.Fatalf("text should have been attempted first, got %d", len(gateway.texts))
	}
}
