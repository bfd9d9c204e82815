package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"dealflow-backend/internal/bootstrap"
	"dealflow-backend/internal/shared/config"
	"dealflow-backend/internal/shared/storage/db"
	"dealflow-backend/internal/shared/telemetry"
)

func main() {
	cfg := config.Load()
	telemetry.Configure(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := db.OptionsFromEnv(db.DefaultWorkerOptions(cfg.WorkerConcurrency))
	app, err := bootstrap.Build(ctx, cfg, bootstrap.Options{DBOptions: opts})
	if err != nil {
		log.Fatalf("bootstrap build: %v", err)
	}
	defer app.Close()
	app.AttachWorker()

	telemetry.Info("worker.starting", map[string]any{
		"worker_id":   app.Dispatcher.WorkerID,
		"concurrency": cfg.WorkerConcurrency,
		"engines":     cfg.Engines,
	})
	if err := app.RunBackground(ctx); err != nil {
		telemetry.Error("worker.failed", map[string]any{"error": err.Error()})
		app.Close()
		os.Exit(1)
	}
	telemetry.Info("worker.stopped", map[string]any{"worker_id": app.Dispatcher.WorkerID})
}
