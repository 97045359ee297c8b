package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"canasta-server/internal/config"
	"canasta-server/internal/server"
)

func gracefulShutdown(customServer *server.Server, httpServer *http.Server, done chan bool) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	log.Println("shutdown signal received, press Ctrl+C again to force")
	stop()

	// 30s: time to flush in-flight status updates and notify connected
	// sockets before the pool closes underneath them.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := customServer.Shutdown(ctx); err != nil {
		log.Printf("error during custom shutdown: %v", err)
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("http server forced to shutdown with error: %v", err)
	}

	done <- true
}

func main() {
	cfg := config.Load()

	identitySecret := os.Getenv("IDENTITY_JWT_SECRET")
	if identitySecret == "" {
		log.Println("IDENTITY_JWT_SECRET not set, refusing to start")
		os.Exit(1)
	}

	customServer, httpServer, err := server.NewServer(context.Background(), cfg, []byte(identitySecret))
	if err != nil {
		log.Printf("failed to initialize server: %v", err)
		os.Exit(2)
	}

	done := make(chan bool, 1)
	go gracefulShutdown(customServer, httpServer, done)

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("http server error: %v", err)
		os.Exit(3)
	}

	<-done
	log.Println("graceful shutdown complete")
}
