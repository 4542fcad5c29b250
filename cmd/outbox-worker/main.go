package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/taskbridge/outbox/pkg/config"
	"github.com/taskbridge/outbox/pkg/dispatch"
	"github.com/taskbridge/outbox/pkg/store"
	"github.com/taskbridge/outbox/pkg/telemetry"
	"github.com/taskbridge/outbox/pkg/worker"
)

func main() {
	limit := flag.Int("limit", 0, "batch size per run (overrides config)")
	maxTries := flag.Int("max-tries", 0, "dead-letter ceiling (overrides config)")
	loop := flag.Bool("loop", false, "poll continuously instead of running a single batch")
	configPath := flag.String("config", "./cmd/outbox-worker", "directory containing worker.yaml")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	// Initialize telemetry (tracing)
	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		log.Fatal("Failed to initialize telemetry: ", err)
	}
	defer shutdownTelemetry()

	repo, err := store.NewRepository(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to initialize repository: ", err)
	}

	dispatcher, err := dispatch.NewDispatcher(ctx, &cfg.Dispatcher)
	if err != nil {
		log.Fatal("Failed to initialize dispatcher: ", err)
	}
	defer dispatcher.Close()

	w := worker.New(repo, dispatcher, cfg).
		WithBatchSize(*limit).
		WithMaxTries(*maxTries)

	if *loop {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Worker stopped: %v", err)
		}
		return
	}

	// Single run: individual operation outcomes live in the store, not the
	// exit code.
	summary, err := w.RunOnce(ctx)
	if err != nil {
		log.Printf("Run aborted: %v", err)
	}
	fmt.Println(summary)
}
