package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"positionscan/internal/api"
	"positionscan/internal/config"
	"positionscan/internal/eventbus"
	"positionscan/internal/ingester"
	"positionscan/internal/market"
	"positionscan/internal/models"
	"positionscan/internal/repository"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

// Exit codes: 0 clean shutdown, 1 configuration or startup failure,
// 2 a chain's log source failed persistently.
const (
	exitConfig      = 1
	exitSourceFatal = 2
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	log.Printf("Initializing positionscan (commit %s)...", BuildCommit)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("Config error: %v", err)
		os.Exit(exitConfig)
	}

	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Printf("Failed to connect to DB: %v", err)
		os.Exit(exitConfig)
	}
	defer repo.Close()

	if os.Getenv("SKIP_MIGRATION") == "true" {
		log.Println("Database migration SKIPPED (SKIP_MIGRATION=true)")
	} else {
		log.Println("Running database migration...")
		if err := repo.Migrate("schema.sql"); err != nil {
			log.Printf("Migration failed: %v", err)
			os.Exit(exitConfig)
		}
		log.Println("Database migration complete.")
	}

	endpoints := make(map[models.Chain]market.Endpoint, len(cfg.Chains))
	for chain, cc := range cfg.Chains {
		endpoints[chain] = market.Endpoint{URL: cc.Endpoint, APIKey: cc.APIKey}
	}
	prices := market.New(endpoints)

	bus := eventbus.New()
	defer bus.Close()

	svc := ingester.NewService(cfg, repo)
	svc.OnEvent(func(ev models.PositionEvent) {
		bus.Publish(eventbus.Event{
			Topic:     eventbus.TopicPositionEvent,
			Chain:     ev.Chain,
			Height:    ev.BlockNumber,
			Timestamp: ev.BlockTimestamp,
			Data:      &ev,
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svcDone := make(chan struct{})
	go func() {
		svc.Start(ctx)
		close(svcDone)
	}()

	apiServer := api.NewServer(cfg, repo, svc, prices, bus)
	go func() {
		log.Printf("API server listening on :%d", cfg.APIPort)
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			log.Printf("API server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		log.Printf("Received %s, shutting down...", sig)
	case chain := <-svc.Fatal():
		log.Printf("Chain %s: log source persistently failing, shutting down...", chain)
		exitCode = exitSourceFatal
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("API shutdown error: %v", err)
	}

	select {
	case <-svcDone:
	case <-shutdownCtx.Done():
		log.Println("Indexer loops did not stop in time")
	}

	log.Println("Shutdown complete.")
	os.Exit(exitCode)
}
