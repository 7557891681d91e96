package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	sends  []dispatchedSend
	groups []Group

	sendErr   error
	groupsErr error
}

type dispatchedSend struct {
	group   string
	message string
	image   []byte
}

func (f *fakeDispatcher) SendToGroup(_ context.Context, group, message string, image []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sends = append(f.sends, dispatchedSend{group: group, message: message, image: image})
	return nil
}

func (f *fakeDispatcher) ListGroups(context.Context) ([]Group, error) {
	if f.groupsErr != nil {
		return nil, f.groupsErr
	}
	return f.groups, nil
}

func (f *fakeDispatcher) sent() []dispatchedSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dispatchedSend, len(f.sends))
	copy(out, f.sends)
	return out
}

// newBridgePair serves a hub over httptest and returns a broker connected to
// it.
func newBridgePair(t *testing.T, dispatcher Dispatcher) *Broker {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	srv := httptest.NewServer(NewHub(dispatcher, logger))
	t.Cleanup(srv.Close)

	broker := NewBroker("ws"+strings.TrimPrefix(srv.URL, "http"), logger)
	if err := broker.Connect(context.Background()); err != nil {
		t.Fatalf("connect broker: %v", err)
	}
	t.Cleanup(broker.Close)
	return broker
}

func TestSendToGroupRoundTrip(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	broker := newBridgePair(t, dispatcher)

	result := broker.SendToGroup(context.Background(), "infra-alerts", "disk is filling up", nil)
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.RequestID == "" {
		t.Fatal("expected a correlation id")
	}

	sends := dispatcher.sent()
	if len(sends) != 1 || sends[0].group != "infra-alerts" || sends[0].message != "disk is filling up" {
		t.Fatalf("unexpected dispatch: %+v", sends)
	}

	status, ok := broker.MessageStatus(result.RequestID)
	if !ok || status != StatusSent {
		t.Fatalf("expected tracked status sent, got %q (%v)", status, ok)
	}
}

func TestSendToGroupCarriesImage(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	broker := newBridgePair(t, dispatcher)

	image := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a}
	result := broker.SendToGroup(context.Background(), "infra-alerts", "usage chart", image)
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}

	sends := dispatcher.sent()
	if len(sends) != 1 || string(sends[0].image) != string(image) {
		t.Fatalf("image not delivered intact: %+v", sends)
	}
}

func TestSendToGroupDispatcherFailure(t *testing.T) {
	dispatcher := &fakeDispatcher{sendErr: errors.New("chat session expired")}
	broker := newBridgePair(t, dispatcher)

	result := broker.SendToGroup(context.Background(), "infra-alerts", "hello", nil)
	if result.Success {
		t.Fatal("expected failure result")
	}
	if !strings.Contains(result.Error, "chat session expired") {
		t.Fatalf("failure reason lost: %q", result.Error)
	}

	status, ok := broker.MessageStatus(result.RequestID)
	if !ok || status != StatusFailed {
		t.Fatalf("expected tracked status failed, got %q (%v)", status, ok)
	}
}

func TestSendWithoutConnectionFailsFast(t *testing.T) {
	broker := NewBroker("ws://localhost:1/bridge", slog.New(slog.DiscardHandler))

	start := time.Now()
	result := broker.SendToGroup(context.Background(), "infra-alerts", "hello", nil)
	if result.Success {
		t.Fatal("expected failure without a connection")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("publish failure must resolve immediately, took %v", elapsed)
	}

	// The entry stays tracked for later inspection and retry.
	pending := broker.PendingMessages()
	if len(pending) != 1 || pending[0].Status != StatusFailed {
		t.Fatalf("expected one failed tracked entry, got %+v", pending)
	}
}

func TestRetryFailedMessagesReusesRequestID(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	logger := slog.New(slog.DiscardHandler)
	srv := httptest.NewServer(NewHub(dispatcher, logger))
	t.Cleanup(srv.Close)

	broker := NewBroker("ws"+strings.TrimPrefix(srv.URL, "http"), logger)
	t.Cleanup(broker.Close)

	// Fails immediately: nothing is connected yet.
	result := broker.SendToGroup(context.Background(), "infra-alerts", "retry me", nil)
	if result.Success {
		t.Fatal("expected initial failure")
	}

	if err := broker.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if n := broker.RetryFailedMessages(context.Background()); n != 1 {
		t.Fatalf("expected 1 re-published message, got %d", n)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		status, ok := broker.MessageStatus(result.RequestID)
		if ok && status == StatusSent {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("retried message never resolved, status %q", status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	sends := dispatcher.sent()
	if len(sends) != 1 || sends[0].message != "retry me" {
		t.Fatalf("unexpected dispatch after retry: %+v", sends)
	}
}

func TestGetGroups(t *testing.T) {
	dispatcher := &fakeDispatcher{groups: []Group{
		{Name: "infra-alerts", ID: "g1"},
		{Name: "oncall", ID: "g2"},
	}}
	broker := newBridgePair(t, dispatcher)

	groups, err := broker.GetGroups(context.Background())
	if err != nil {
		t.Fatalf("get groups: %v", err)
	}
	if len(groups) != 2 || groups[0].Name != "infra-alerts" {
		t.Fatalf("unexpected groups: %+v", groups)
	}
}

func TestBrokerRedialsAfterConnectionLoss(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	logger := slog.New(slog.DiscardHandler)
	srv := httptest.NewServer(NewHub(dispatcher, logger))
	t.Cleanup(srv.Close)

	broker := NewBroker("ws"+strings.TrimPrefix(srv.URL, "http"), logger)
	broker.redial = 25 * time.Millisecond
	if err := broker.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(broker.Close)

	if result := broker.SendToGroup(context.Background(), "infra-alerts", "before drop", nil); !result.Success {
		t.Fatalf("send before drop: %+v", result)
	}

	// The chat client restarts; every websocket drops.
	srv.CloseClientConnections()

	deadline := time.Now().Add(5 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		result := broker.SendToGroup(ctx, "infra-alerts", "after drop", nil)
		cancel()
		if result.Success {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("broker never recovered: %+v", result)
		}
		time.Sleep(25 * time.Millisecond)
	}

	sends := dispatcher.sent()
	if len(sends) < 2 || sends[len(sends)-1].message != "after drop" {
		t.Fatalf("expected delivery over the new connection, got %+v", sends)
	}
}

func TestConnectTwiceRejected(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	broker := newBridgePair(t, dispatcher)

	if err := broker.Connect(context.Background()); err == nil {
		t.Fatal("second connect must be rejected")
	}
}
