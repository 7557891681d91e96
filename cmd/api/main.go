package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"example.com/systrack/internal/api"
	"example.com/systrack/internal/config"
	"example.com/systrack/internal/logging"
	"example.com/systrack/internal/queue"
	"example.com/systrack/internal/scheduler"
	"example.com/systrack/internal/sqliteutil"
	"example.com/systrack/internal/store"
)

func main() {
	cfg := config.Load()
	var (
		dbPath = flag.String("db", cfg.DBPath, "path to the sqlite database file")
		addr   = flag.String("addr", cfg.APIAddr, "HTTP listen address for the API")
	)
	flag.Parse()

	logger := logging.New().With("process", "api")
	ctx := context.Background()

	db, err := sqliteutil.Open(*dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	st := store.NewStore(db)
	if err := st.Init(ctx); err != nil {
		log.Fatalf("init store schema: %v", err)
	}
	queues := queue.NewStore(db, logger)
	if err := queues.Init(ctx); err != nil {
		log.Fatalf("init queue schema: %v", err)
	}

	// The API holds an unarmed scheduler purely for the manual trigger; only
	// the worker process arms the daily timer. The overlap guard is
	// process-local, cross-process double fires collapse on the per-day
	// unique keys.
	trigger := scheduler.New(st, queues, cfg.SyncHour, cfg.SyncMinute, cfg.Location(), logger)

	server := &http.Server{
		Addr:    *addr,
		Handler: api.NewServer(st, queues, trigger, logger).Router(),
	}

	go func() {
		logger.Info("api listening", "addr", *addr, "db", *dbPath)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api server error: %v", err)
		}
	}()

	waitForShutdown(server)
}

func waitForShutdown(server *http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "graceful shutdown failed: %v\n", err)
	}
}
