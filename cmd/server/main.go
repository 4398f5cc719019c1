package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rl1809/inventory-ledger/internal/app"
	"github.com/rl1809/inventory-ledger/internal/platform/otel"
)

const serviceName = "inventory-ledger"

func main() {
	log.SetPrefix("[inventory] ")
	logger := log.Default()

	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Setup(ctx, serviceName, cfg.OTelEndpoint, cfg.OTelEnabled)
	if err != nil {
		log.Fatalf("setup tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Printf("flush traces: %v", err)
		}
	}()

	server, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	log.Printf("store driver %s, mirror workers %d", cfg.StoreDriver, cfg.MirrorWorkers)

	if err := server.Serve(ctx); err != nil {
		log.Printf("server error: %v", err)
		return
	}
	log.Println("connections closed")
}
