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

	"example.com/systrack/internal/hoststub"
	"example.com/systrack/internal/sqliteutil"
)

func main() {
	var (
		dbPath = flag.String("db", "hoststub.db", "path to the stub panel sqlite database file")
		addr   = flag.String("addr", ":8070", "HTTP listen address for the stub panel")
	)
	flag.Parse()

	ctx := context.Background()

	db, err := sqliteutil.Open(*dbPath)
	if err != nil {
		log.Fatalf("open panel db: %v", err)
	}
	defer db.Close()

	store := hoststub.NewStore(db)
	if err := store.Init(ctx); err != nil {
		log.Fatalf("init panel schema: %v", err)
	}

	server := &http.Server{
		Addr:    *addr,
		Handler: hoststub.NewServer(store).Router(),
	}

	go func() {
		log.Printf("stub panel listening on %s (db: %s)", *addr, *dbPath)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("stub panel server error: %v", err)
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
