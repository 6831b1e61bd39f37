/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the payout ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (config.yaml + environment)
  2. Build the zap logger
  3. Open the store (SQLite or PostgreSQL)
  4. Create the ledger, API handler and router
  5. Start the audit scheduler when AUDIT_SCHEDULE is set
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Directory holding config.yaml (default: "." then "./config")

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the audit scheduler
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with the default SQLite file
  ./server

  # Run against PostgreSQL
  DB_DRIVER=postgres DATABASE_URL="postgres://app@localhost/payouts?sslmode=disable" ./server

  # Run with in-memory database, no scheduled audit
  DATABASE_URL=":memory:" AUDIT_SCHEDULE="" ./server

SEE ALSO:
  - config/config.go: Settings and defaults
  - api/server.go: Router configuration
  - store/sqlite, store/postgres: Database implementations
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/payout-ledger/api"
	"github.com/warp/payout-ledger/config"
	"github.com/warp/payout-ledger/ledger"
	"github.com/warp/payout-ledger/logging"
	"github.com/warp/payout-ledger/store/postgres"
	"github.com/warp/payout-ledger/store/sqldb"
	"github.com/warp/payout-ledger/store/sqlite"
	"go.uber.org/zap"
)

func main() {
	configDir := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	feeRate, err := cfg.FeeRate()
	if err != nil {
		return err
	}

	// Initialize store
	db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer db.Close()
	logger.Info("store opened", zap.String("driver", cfg.DBDriver))

	l := ledger.New(db, logger.Named("ledger"))

	// Initialize handler
	handler := api.NewHandler(l, logger.Named("http"), feeRate)
	handler.Pinger = db

	if cfg.AuditSchedule != "" {
		auditor, err := api.NewAuditScheduler(l, logger.Named("audit"), cfg.AuditSchedule)
		if err != nil {
			return err
		}
		auditor.Start()
		defer auditor.Stop()
		handler.Auditor = auditor
	}

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins:  cfg.Origins(),
		RateLimitPerMin: cfg.RateLimitPerMin,
		RateLimitBurst:  cfg.RateLimitBurst,
		RequestTimeout:  15 * time.Second,
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.AppPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", server.Addr), zap.String("env", cfg.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return err
	case <-quit:
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(cfg *config.Config) (*sqldb.DB, error) {
	switch cfg.DBDriver {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return postgres.New(ctx, cfg.DatabaseURL, cfg.LockTimeout)
	default:
		return sqlite.New(cfg.DatabaseURL, cfg.LockTimeout)
	}
}
