package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dealflow-backend/internal/bootstrap"
	"dealflow-backend/internal/shared/config"
	"dealflow-backend/internal/shared/server"
	"dealflow-backend/internal/shared/storage/db"
	"dealflow-backend/internal/shared/telemetry"
)

func main() {
	cfg := config.Load()
	telemetry.Configure(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(ctx, cfg, bootstrap.Options{DBOptions: db.OptionsFromEnv(db.DefaultServerOptions())})
	if err != nil {
		log.Fatalf("bootstrap build: %v", err)
	}
	defer app.Close()

	// Without a database there is no separate worker process to share the
	// queue with, so jobs run here.
	if app.DB == nil {
		app.AttachWorker()
		go func() {
			if err := app.RunBackground(ctx); err != nil {
				telemetry.Error("api.background_failed", map[string]any{"error": err.Error()})
				stop()
			}
		}()
	}

	srv := &http.Server{
		Addr:              server.Addr(cfg.Port),
		Handler:           app.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			telemetry.Error("api.shutdown_failed", map[string]any{"error": err.Error()})
		}
	}()

	telemetry.Info("api.starting", map[string]any{"addr": srv.Addr, "env": cfg.Env})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("listen: %v", err)
	}
	telemetry.Info("api.stopped", nil)
}
