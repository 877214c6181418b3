/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the tax engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (file, TAXENGINE_* environment, defaults)
  2. Build the zap logger
  3. Open the SQLite store
  4. Seed the rule catalog (embedded defaults or rules.file)
  5. Create the engine, handler, router and expiration scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a YAML config file (default: ./taxengine.yaml if present)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the expiration scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (server.shutdown_timeout)
  4. Close database connection

EXAMPLES:
  # Run with file database
  TAXENGINE_DATABASE_PATH=./data/tax.db ./server

  # Run with in-memory database and a custom rule set
  TAXENGINE_DATABASE_PATH=":memory:" TAXENGINE_RULES_FILE=rules.yaml ./server

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/warp/tax-engine/api"
	"github.com/warp/tax-engine/calculation"
	"github.com/warp/tax-engine/config"
	"github.com/warp/tax-engine/logging"
	"github.com/warp/tax-engine/rules"
	"github.com/warp/tax-engine/store/sqlite"
	"github.com/warp/tax-engine/tax"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging())
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	catalog := rules.NewCatalog(store)
	if err := seedRules(ctx, catalog, cfg.Rules.File, logger); err != nil {
		return err
	}

	engine := calculation.NewEngine(store, catalog, calculation.WithLogger(logger))

	scheduler := api.NewExpirationScheduler(engine, store, logger)
	scheduler.CheckInterval = cfg.Scheduler.CheckInterval
	scheduler.Enabled = cfg.Scheduler.Enabled

	handler := api.NewHandler(engine, catalog, scheduler, logger)
	handler.Ping = store.Ping

	router := api.NewRouter(handler, api.RouterOptions{
		Logger:         logger,
		AllowedOrigins: cfg.Server.CORSAllowOrigins,
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	scheduler.Start()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("database", cfg.Database.Path),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	}

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func seedRules(ctx context.Context, catalog *rules.Catalog, file string, logger *zap.Logger) error {
	var (
		entries []tax.RuleEntry
		err     error
		source  = "embedded defaults"
	)
	if file != "" {
		entries, err = rules.LoadFile(file)
		source = file
	} else {
		entries, err = rules.Defaults()
	}
	if err != nil {
		return fmt.Errorf("failed to load rules from %s: %w", source, err)
	}

	inserted, err := catalog.Seed(ctx, entries)
	if err != nil {
		return fmt.Errorf("failed to seed rules from %s: %w", source, err)
	}
	logger.Info("rule catalog seeded",
		zap.String("source", source),
		zap.Int("entries", len(entries)),
		zap.Int("inserted", inserted),
	)
	return nil
}
