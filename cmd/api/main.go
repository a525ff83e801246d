package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acme/ai-call-dispatch/internal/api"
	"github.com/acme/ai-call-dispatch/internal/api/handlers"
	"github.com/acme/ai-call-dispatch/internal/app"
	"github.com/acme/ai-call-dispatch/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name+"-api")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	// The API process owns the webhook pipeline and the cache engine: both
	// serve inbound traffic and must drain with the server.
	pipeline := container.Webhooks().Pipeline
	if err := pipeline.Restore(ctx); err != nil {
		log.Fatalf("failed to restore webhook pipeline: %v", err)
	}
	go func() {
		if err := pipeline.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("webhook pipeline terminated: %v", err)
		}
	}()
	go func() {
		if err := container.Caches().Manager.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("cache sweeper terminated: %v", err)
		}
	}()
	go func() {
		if err := container.Caches().Refresher.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("cache refresher terminated: %v", err)
		}
	}()

	handlerSet := handlers.NewHandlerSet(container)
	server := api.NewServer(container, handlerSet)

	log.Printf("starting server on port %d", container.Config.HTTP.Port)
	if err := server.Start(ctx); err != nil {
		log.Fatalf("server terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
