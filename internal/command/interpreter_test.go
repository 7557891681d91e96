package command

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"example.com/systrack/internal/queue"
	"example.com/systrack/internal/sqliteutil"
	"example.com/systrack/internal/store"
)

func newTestInterpreter(t *testing.T) (*Interpreter, *store.Store) {
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
	return NewInterpreter(st, queues, []string{"host-sync", "chat-messages"}, logger), st
}

func seedTarget(t *testing.T, st *store.Store, name string, kind store.TargetKind, active bool) store.Target {
	t.Helper()
	target, err := st.CreateTarget(context.Background(), store.Target{
		Name: name, Kind: kind, Active: active,
	})
	if err != nil {
		t.Fatalf("seed target: %v", err)
	}
	return target
}

func seedUsage(t *testing.T, st *store.Store, targetID int64, n int) {
	t.Helper()
	base := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	var records []store.UsageRecord
	for i := 0; i < n; i++ {
		records = append(records, store.UsageRecord{
			TargetID:         targetID,
			ExternalID:       int64(i + 1),
			DiskUsageMB:      float64(1000 + 10*i),
			FileCount:        int64(40000 + i),
			AvailableSpaceMB: 2000,
			AvailableInodes:  150000,
			ObservedAt:       base.Add(time.Duration(i) * time.Hour),
		})
	}
	if _, err := st.InsertUsageRecords(context.Background(), records); err != nil {
		t.Fatalf("seed usage: %v", err)
	}
}

func TestExecuteWithoutPrefixGivesGuidance(t *testing.T) {
	interp, _ := newTestInterpreter(t)
	reply := interp.Execute(context.Background(), "hello there")
	if !strings.Contains(reply.Text, Prefix+" help") {
		t.Fatalf("expected guidance pointing at help, got %q", reply.Text)
	}
}

func TestExecuteBarePrefixShowsHelp(t *testing.T) {
	interp, _ := newTestInterpreter(t)
	reply := interp.Execute(context.Background(), "!systrack")
	if !strings.Contains(reply.Text, "Available commands") {
		t.Fatalf("expected help text, got %q", reply.Text)
	}
}

func TestExecutePrefixIsCaseInsensitive(t *testing.T) {
	interp, _ := newTestInterpreter(t)
	reply := interp.Execute(context.Background(), "!SYSTRACK HELP")
	if !strings.Contains(reply.Text, "Available commands") {
		t.Fatalf("expected help text, got %q", reply.Text)
	}
}

func TestExecuteUnknownCommand(t *testing.T) {
	interp, _ := newTestInterpreter(t)
	reply := interp.Execute(context.Background(), "!systrack reboot")
	if !strings.Contains(reply.Text, "Unknown command") {
		t.Fatalf("expected unknown-command reply, got %q", reply.Text)
	}
}

func TestHealthReportsQueues(t *testing.T) {
	interp, _ := newTestInterpreter(t)
	reply := interp.Execute(context.Background(), "!systrack health")
	if !strings.Contains(reply.Text, "database: ok") {
		t.Fatalf("expected database status, got %q", reply.Text)
	}
	if !strings.Contains(reply.Text, "queue host-sync") || !strings.Contains(reply.Text, "queue chat-messages") {
		t.Fatalf("expected queue depths, got %q", reply.Text)
	}
}

func TestServicesListsTargets(t *testing.T) {
	interp, st := newTestInterpreter(t)
	seedTarget(t, st, "blog", store.KindSharedHosting, true)
	seedTarget(t, st, "backup-vps", store.KindVPS, false)

	reply := interp.Execute(context.Background(), "!systrack services")
	if !strings.Contains(reply.Text, "blog") || !strings.Contains(reply.Text, "backup-vps") {
		t.Fatalf("expected both services listed, got %q", reply.Text)
	}
	if !strings.Contains(reply.Text, "inactive") {
		t.Fatalf("expected inactive marker, got %q", reply.Text)
	}
}

func TestServiceDetailByID(t *testing.T) {
	interp, st := newTestInterpreter(t)
	target := seedTarget(t, st, "blog", store.KindSharedHosting, true)
	seedUsage(t, st, target.ID, 3)

	reply := interp.Execute(context.Background(), fmt.Sprintf("!systrack service %d", target.ID))
	if !strings.Contains(reply.Text, "blog") || !strings.Contains(reply.Text, "shared-hosting") {
		t.Fatalf("unexpected detail reply: %q", reply.Text)
	}
	if !strings.Contains(reply.Text, "usage observations: 3") {
		t.Fatalf("expected observation count, got %q", reply.Text)
	}
}

func TestServiceDetailByNameSubstring(t *testing.T) {
	interp, st := newTestInterpreter(t)
	seedTarget(t, st, "company-blog", store.KindSharedHosting, true)

	reply := interp.Execute(context.Background(), "!systrack service blog")
	if !strings.Contains(reply.Text, "company-blog") {
		t.Fatalf("substring lookup failed: %q", reply.Text)
	}
}

func TestServiceNotFoundIsReplyNotError(t *testing.T) {
	interp, _ := newTestInterpreter(t)
	reply := interp.Execute(context.Background(), "!systrack service 999")
	if !strings.Contains(reply.Text, "No service matching") {
		t.Fatalf("expected not-found reply, got %q", reply.Text)
	}
}

func TestServiceMissingArgumentGivesGuidance(t *testing.T) {
	interp, _ := newTestInterpreter(t)
	reply := interp.Execute(context.Background(), "!systrack service")
	if !strings.Contains(reply.Text, "which service") {
		t.Fatalf("expected guidance, got %q", reply.Text)
	}
}

func TestDeletedServiceNotResolvableByID(t *testing.T) {
	interp, st := newTestInterpreter(t)
	target := seedTarget(t, st, "doomed", store.KindSharedHosting, true)
	if err := st.SoftDeleteTarget(context.Background(), target.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	reply := interp.Execute(context.Background(), fmt.Sprintf("!systrack service %d", target.ID))
	if !strings.Contains(reply.Text, "No service matching") {
		t.Fatalf("deleted target must not resolve, got %q", reply.Text)
	}
}

func TestServiceStatusIncludesChart(t *testing.T) {
	interp, st := newTestInterpreter(t)
	target := seedTarget(t, st, "blog", store.KindSharedHosting, true)
	seedUsage(t, st, target.ID, 10)

	reply := interp.Execute(context.Background(), "!systrack service-status blog")
	if !strings.Contains(reply.Text, "disk used") {
		t.Fatalf("expected usage summary, got %q", reply.Text)
	}
	if len(reply.Chart) == 0 {
		t.Fatal("expected a chart attachment")
	}
	// PNG signature.
	if string(reply.Chart[1:4]) != "PNG" {
		t.Fatalf("attachment is not a PNG: % x", reply.Chart[:8])
	}
}

func TestServiceStatusWithoutData(t *testing.T) {
	interp, st := newTestInterpreter(t)
	seedTarget(t, st, "empty", store.KindSharedHosting, true)

	reply := interp.Execute(context.Background(), "!systrack service-status empty")
	if !strings.Contains(reply.Text, "No usage data") {
		t.Fatalf("expected no-data reply, got %q", reply.Text)
	}
	if len(reply.Chart) != 0 {
		t.Fatal("no chart expected without data")
	}
}

func TestLogsShowsRecentObservations(t *testing.T) {
	interp, st := newTestInterpreter(t)
	target := seedTarget(t, st, "blog", store.KindSharedHosting, true)
	seedUsage(t, st, target.ID, 15)

	reply := interp.Execute(context.Background(), "!systrack logs blog")
	if !strings.Contains(reply.Text, "Last 10 observations") {
		t.Fatalf("expected a capped history window, got %q", reply.Text)
	}
}
