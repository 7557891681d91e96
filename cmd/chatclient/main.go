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

	"example.com/systrack/internal/bridge"
	"example.com/systrack/internal/chatclient"
	"example.com/systrack/internal/config"
	"example.com/systrack/internal/logging"
)

func main() {
	cfg := config.Load()
	var (
		addr = flag.String("addr", cfg.ChatClientAddr, "HTTP listen address for the chat client")
	)
	flag.Parse()

	logger := logging.New().With("process", "chatclient")

	gateway := chatclient.NewHTTPGateway(cfg.GatewayURL)
	client := chatclient.NewClient(gateway, logger)
	hub := bridge.NewHub(client, logger)

	server := &http.Server{
		Addr:    *addr,
		Handler: chatclient.NewServer(hub, gateway, cfg.APIBaseURL, cfg.AllowedGroups, cfg.AdminPhone, logger).Router(),
	}

	go func() {
		logger.Info("chat client listening", "addr", *addr,
			"gateway", cfg.GatewayURL, "allowed_groups", len(cfg.AllowedGroups))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("chat client server error: %v", err)
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
