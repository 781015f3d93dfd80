package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ai-research-be/internal/bootstrap"
	"ai-research-be/internal/config"
	"ai-research-be/internal/server"
	"ai-research-be/internal/tracer"
)

func main() {
	// 1. Load Configuration
	cfg := config.Load()

	// 2. Bootstrap Dependencies (Container)
	container, err := bootstrap.NewContainer(cfg)
	if err != nil {
		log.Fatalf("Unable to bootstrap: %v", err)
	}

	// 3. Tracer
	shutdownTracer := tracer.InitTracer(cfg.Telemetry, container.Logger)

	// 4. Start Background Services
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := container.Start(ctx); err != nil {
		log.Fatalf("Unable to start background services: %v", err)
	}

	// 5. Initialize Server
	srv := server.New(cfg, container)
	go func() {
		if err := srv.Run(); err != nil {
			container.Logger.Error("Server", "Listener stopped", map[string]interface{}{"error": err.Error()})
			stop()
		}
	}()

	<-ctx.Done()
	container.Logger.Info("Server", "Shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		container.Logger.Warn("Server", "Forced shutdown", map[string]interface{}{"error": err.Error()})
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		container.Logger.Warn("Tracer", "Flush failed", map[string]interface{}{"error": err.Error()})
	}
	container.Close()
}
