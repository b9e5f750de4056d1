/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the debt engine HTTP server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (defaults, TOML file, DEBT_ENGINE_* env), then flags
  2. Configure slog with tint
  3. Open SQLite store and apply migrations
  4. Build service, metrics recorder, router
  5. Start the consistency sweeper (when enabled)
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port         HTTP server port (overrides server.port)
  -db           SQLite database path (overrides database.path)
                Use ":memory:" for an in-memory database
  -issue-token  Print a bearer token for the given user id and exit

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweeper
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  # Run with file database
  ./server -db="./data/ledger.db"

  # Get a token for local testing
  ./server -issue-token=alice

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/debt-engine/api"
	"github.com/warp/debt-engine/auth"
	"github.com/warp/debt-engine/config"
	"github.com/warp/debt-engine/expenses"
	"github.com/warp/debt-engine/ledger"
	"github.com/warp/debt-engine/metrics"
	"github.com/warp/debt-engine/pkg/logging"
	"github.com/warp/debt-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Flags
	port := flag.Int("port", cfg.Server.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.Database.Path, "SQLite database path")
	issueToken := flag.String("issue-token", "", "print a bearer token for this user id and exit")
	flag.Parse()

	logger := logging.SetupWithLevel(logging.LevelFromEnv(cfg.Log.SlogLevel()))
	jwt := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	if *issueToken != "" {
		token, err := jwt.Generate(ledger.UserID(*issueToken))
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}
	if cfg.Auth.JWTSecret == config.DefaultJWTSecret {
		logger.Warn("using the development JWT secret; set DEBT_ENGINE_AUTH_JWT_SECRET")
	}

	policy, err := cfg.Ledger.DeletePolicy()
	if err != nil {
		return err
	}

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	recorder := metrics.NewRecorder()
	svc := expenses.NewService(store, store, expenses.Options{
		PurchaseDeletePolicy: policy,
		MaxRetries:           cfg.Ledger.MaxRetries,
		Logger:               logger,
		Observer:             recorder,
	})

	sweeper := expenses.NewSweeper(svc, store, cfg.Ledger.SweepInterval, cfg.Ledger.SweepRepair)
	sweeper.Start()
	defer sweeper.Stop()

	router := api.NewRouter(api.NewHandler(svc, logger), api.RouterOptions{
		JWT:            jwt,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Metrics:        recorder.Handler(),
		Observer:       recorder,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"addr", server.Addr, "db", *dbPath, "purchase_delete_policy", string(policy))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("shutting down server")
	sweeper.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
