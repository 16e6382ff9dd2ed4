/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the roll-up engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Configure structured logging
  3. Initialize SQLite store
  4. Wire orchestrator, worker pool, and stale-run sweeper
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port           HTTP server port (default: 8080)
  -db             SQLite database path (default: rollup.db)
                  Use ":memory:" for in-memory database
  -workers        Compute worker count (default: 2)
  -queue          Compute queue size (default: 64)
  -sweep-interval How often to look for abandoned runs (default: 1m)
  -sweep-timeout  Computing age before a run is reclaimed (default: 30m)
  -log-level      logrus level: debug, info, warn, error (default: info)
  -log-json       Emit JSON log lines (default: true)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the worker pool and sweeper
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/rollup.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run on different port with more workers
  ./server -port=3000 -workers=4

SEE ALSO:
  - api/server.go: Router configuration
  - rollup/worker.go: Background compute execution
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ledgerline/rollup-engine/api"
	"github.com/ledgerline/rollup-engine/rollup"
	"github.com/ledgerline/rollup-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "rollup.db", "SQLite database path")
	workers := flag.Int("workers", 2, "compute worker count")
	queueSize := flag.Int("queue", 64, "compute queue size")
	sweepInterval := flag.Duration("sweep-interval", time.Minute, "abandoned-run sweep interval")
	sweepTimeout := flag.Duration("sweep-timeout", 30*time.Minute, "computing age before a run is reclaimed")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logJSON := flag.Bool("log-json", true, "emit JSON log lines")
	flag.Parse()

	// Logging
	log := logrus.New()
	if *logJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		log.WithError(err).Warn("invalid log level, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	defer store.Close()

	// Wire orchestrator, worker pool, and sweeper
	orch := rollup.NewOrchestrator(store, log)
	worker := rollup.NewWorker(orch, *workers, *queueSize)
	worker.Start()
	defer worker.Stop()

	sweeper := rollup.NewSweeper(store, log)
	sweeper.Interval = *sweepInterval
	sweeper.Timeout = *sweepTimeout
	sweeper.Start()
	defer sweeper.Stop()

	// Router and server
	handler := api.NewHandler(orch, worker)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.WithField("addr", server.Addr).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Fatal("server forced to shutdown")
	}

	log.Info("server stopped")
}
