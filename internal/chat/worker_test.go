package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"example.com/systrack/internal/bridge"
	"example.com/systrack/internal/command"
	"example.com/systrack/internal/queue"
	"example.com/systrack/internal/sqliteutil"
	"example.com/systrack/internal/store"
)

type fakeSender struct {
	calls  []senderCall
	result bridge.SendResult
}

type senderCall struct {
	group   string
	message string
	image   []byte
}

func (f *fakeSender) SendToGroup(_ context.Context, group, message string, image []byte) bridge.SendResult {
	f.calls = append(f.calls, senderCall{group: group, message: message, image: image})
	return f.result
}

func newTestWorker(t *testing.T, sender Sender) (*Worker, *store.Store) {
	t.Helper()
	db, err := sqliteutil.Open(filepath.Join(t.TempDir(), "systrack.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.DiscardHandler)
	st := store.NewStore(db)
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	queues := queue.NewStore(db, logger)
	if err := queues.Init(context.Background()); err != nil {
		t.Fatalf("init queue: %v", err)
	}
	interpreter := command.NewInterpreter(st, queues, []string{MessageQueue}, logger)
	return NewWorker(sender, interpreter, logger), st
}

func messageJob(t *testing.T, payload any) *queue.JobContext {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &queue.JobContext{Job: queue.Job{ID: "job-1", Payload: body}}
}

func TestHandleMessageDelivers(t *testing.T) {
	sender := &fakeSender{result: bridge.SendResult{RequestID: "r1", Success: true}}
	worker, _ := newTestWorker(t, sender)

	err := worker.HandleMessage(context.Background(), messageJob(t, MessagePayload{
		GroupName: "infra-alerts",
		Message:   "nightly sync done",
		Timestamp: time.Now().UTC(),
	}))
	if err != nil {
		t.Fatalf("handle message: %v", err)
	}
	if len(sender.calls) != 1 || sender.calls[0].group != "infra-alerts" || sender.calls[0].message != "nightly sync done" {
		t.Fatalf("unexpected relay: %+v", sender.calls)
	}
}

func TestHandleMessageRelayFailureIsRetryable(t *testing.T) {
	sender := &fakeSender{result: bridge.SendResult{Success: false, Error: "timeout waiting for chat client"}}
	worker, _ := newTestWorker(t, sender)

	err := worker.HandleMessage(context.Background(), messageJob(t, MessagePayload{
		GroupName: "infra-alerts",
		Message:   "hello",
	}))
	if err == nil {
		t.Fatal("relay failure must surface as a job error")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("failure reason lost: %v", err)
	}
}

func TestHandleMessageRejectsEmptyPayload(t *testing.T) {
	worker, _ := newTestWorker(t, &fakeSender{result: bridge.SendResult{Success: true}})
	if err := worker.HandleMessage(context.Background(), messageJob(t, MessagePayload{})); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestHandleCommandRepliesThroughSender(t *testing.T) {
	sender := &fakeSender{result: bridge.SendResult{Success: true}}
	worker, st := newTestWorker(t, sender)
	if _, err := st.CreateTarget(context.Background(), store.Target{
		Name: "blog", Kind: store.KindSharedHosting, Active: true,
	}); err != nil {
		t.Fatalf("seed target: %v", err)
	}

	err := worker.HandleCommand(context.Background(), messageJob(t, CommandPayload{
		GroupName: "infra-alerts",
		Command:   "!systrack services",
	}))
	if err != nil {
		t.Fatalf("handle command: %v", err)
	}
	if len(sender.calls) != 1 {
		t.Fatalf("expected one reply, got %d", len(sender.calls))
	}
	if !strings.Contains(sender.calls[0].message, "blog") {
		t.Fatalf("reply should list the service, got %q", sender.calls[0].message)
	}
}

func TestHandleCommandMalformedTextStillReplies(t *testing.T) {
	sender := &fakeSender{result: bridge.SendResult{Success: true}}
	worker, _ := newTestWorker(t, sender)

	err := worker.HandleCommand(context.Background(), messageJob(t, CommandPayload{
		GroupName: "infra-alerts",
		Command:   "!systrack frobnicate now",
	}))
	if err != nil {
		t.Fatalf("malformed command must not error: %v", err)
	}
	if len(sender.calls) != 1 || !strings.Contains(sender.calls[0].message, "Unknown command") {
		t.Fatalf("expected guidance reply, got %+v", sender.calls)
	}
}

func TestHandleCommandReplyFailureIsRetryable(t *testing.T) {
	sender := &fakeSender{result: bridge.SendResult{Success: false, Error: "bridge send buffer full"}}
	worker, _ := newTestWorker(t, sender)

	err := worker.HandleCommand(context.Background(), messageJob(t, CommandPayload{
		GroupName: "infra-alerts",
		Command:   "!systrack help",
	}))
	if err == nil {
		t.Fatal("reply relay failure must surface as a job error")
	}
}
