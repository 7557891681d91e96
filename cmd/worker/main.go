package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"example.com/systrack/internal/bridge"
	"example.com/systrack/internal/chat"
	"example.com/systrack/internal/command"
	"example.com/systrack/internal/config"
	"example.com/systrack/internal/logging"
	"example.com/systrack/internal/queue"
	"example.com/systrack/internal/scheduler"
	"example.com/systrack/internal/sqliteutil"
	"example.com/systrack/internal/store"
	"example.com/systrack/internal/syncer"
)

const drainGrace = 10 * time.Second

func main() {
	cfg := config.Load()
	logger := logging.New().With("process", "worker")

	db, err := sqliteutil.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	initCtx, cancelInit := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelInit()

	st := store.NewStore(db)
	if err := st.Init(initCtx); err != nil {
		log.Fatalf("init store schema: %v", err)
	}
	queues := queue.NewStore(db, logger)
	if err := queues.Init(initCtx); err != nil {
		log.Fatalf("init queue schema: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	broker := bridge.NewBroker(cfg.BridgeURL, logger)
	go connectBridge(ctx, broker, logger)
	defer broker.Close()

	queueNames := []string{syncer.QueueName, chat.MessageQueue, chat.CommandQueue}
	interpreter := command.NewInterpreter(st, queues, queueNames, logger)
	syncWorker := syncer.NewWorker(st, syncer.NewClient(), logger)
	chatWorker := chat.NewWorker(broker, interpreter, logger)

	consumers := []*queue.Consumer{
		queues.Consume(ctx, syncer.QueueName, cfg.SyncConcurrency, syncWorker.Handle),
		queues.Consume(ctx, chat.MessageQueue, cfg.MessageConcurrency, chatWorker.HandleMessage),
		queues.Consume(ctx, chat.CommandQueue, cfg.CommandConcurrency, chatWorker.HandleCommand),
	}

	sched := scheduler.New(st, queues, cfg.SyncHour, cfg.SyncMinute, cfg.Location(), logger)
	if err := sched.Start(); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}

	logger.Info("worker running", "db", cfg.DBPath, "bridge", cfg.BridgeURL)
	<-ctx.Done()

	// Stop producing new work first, then let in-flight handlers finish.
	sched.Stop()
	for _, c := range consumers {
		c.Drain(drainGrace)
	}
	logger.Info("worker stopped")
}

// connectBridge dials the chat client, retrying until it comes up. Before the
// first successful dial, relay jobs fail fast and ride the queue's retry
// policy; once connected the broker re-dials dropped connections itself.
func connectBridge(ctx context.Context, broker *bridge.Broker, logger *slog.Logger) {
	for {
		err := broker.Connect(ctx)
		if err == nil {
			return
		}
		logger.Warn("bridge connect failed, retrying", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}
