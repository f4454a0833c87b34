/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the entitlement engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load environment configuration, apply flag overrides
  2. Open the SQLite store (crash recovery runs here)
  3. Construct the sandbox billing provider (dev mode)
  4. Wire engine + service, start the background refresh loop
  5. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for an in-memory database

PROVIDER:
  This binary wires the in-memory sandbox provider with a small demo
  catalog. A production build would construct a vendor adapter
  implementing entitlement.Provider instead; nothing else changes.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the engine, close the database
  4. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Environment variables
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/entitlement-engine/api"
	"github.com/warp/entitlement-engine/billing/sandbox"
	"github.com/warp/entitlement-engine/config"
	"github.com/warp/entitlement-engine/entitlement"
	"github.com/warp/entitlement-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Flag overrides for local runs
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	// Initialize store (resets crashed in-flight intents to pending)
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Dev-mode billing provider with a small catalog
	provider := sandbox.New()
	provider.AddProduct(sandbox.Product{
		ID:       "tier-a-monthly",
		Tier:     "tierA",
		Duration: 30 * 24 * time.Hour,
		Price:    decimal.NewFromFloat(4.99),
		Currency: "USD",
	})
	provider.AddProduct(sandbox.Product{
		ID:       "tier-a-lifetime",
		Tier:     "tierA",
		Price:    decimal.NewFromFloat(49.99),
		Currency: "USD",
	})

	// Engine + facade
	engine := entitlement.NewEngine(store, store, provider, entitlement.EngineConfig{
		Backoff: entitlement.Backoff{
			Base:   cfg.BackoffBase,
			Cap:    cfg.BackoffCap,
			Jitter: 0.2,
		},
		CallTimeout:          cfg.CallTimeout,
		RefreshInterval:      cfg.RefreshInterval,
		ConnectivityDebounce: cfg.ConnectivityDebounce,
	})
	service := entitlement.NewService(store, store, engine, entitlement.ServiceConfig{
		CommandWait: cfg.CommandWait,
	})
	// Keep the sandbox account in step with the session so background
	// refreshes agree with purchases made while signed in.
	service.SetSessionHook(provider.SetAccount)

	engine.Start()
	defer engine.Stop()
	defer service.Close()

	// HTTP server
	handler := api.NewHandler(service, engine)
	router := api.NewRouter(handler)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: router,
	}

	go func() {
		log.Printf("[Server] Listening on :%d (db: %s)", *port, *dbPath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("[Server] Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] Forced shutdown: %v", err)
	}
	log.Println("[Server] Stopped")
}
