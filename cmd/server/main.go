package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/epgroup-ai/PhasePro-sub000/internal/otelutil"
)

func main() {
	if err := otelutil.Init(); err != nil {
		log.Printf("tracing disabled: %v", err)
	}
	defer otelutil.Flush()

	if v := os.Getenv("PP_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			HeartbeatInterval = d
		} else {
			log.Printf("ignoring invalid PP_HEARTBEAT_INTERVAL %q", v)
		}
	}

	addr := os.Getenv("PP_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	s := NewServer()
	s.Start()

	server := &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("shutting down server...")
		s.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("server forced to shutdown: %v", err)
		}
	}()

	log.Printf("starting collaboration server on %s (Ctrl+C to stop)", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("failed to start server:", err)
	}
}
