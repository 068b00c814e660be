/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the appointment engine server: SQLite store,
  telephony dispatcher, reminder scheduler, and HTTP API. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and parse command-line flags
  2. Initialize SQLite store
  3. Build the telephony dispatcher from DISPATCH_* environment variables
  4. Start the reminder scheduler tick loop
  5. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -port           HTTP server port (default: 8080)
  -db             SQLite database path (default: appointments.db)
                  Use ":memory:" for an in-memory database
  -tick           Scheduler tick interval (default: 60s)
  -callback-base  Public base URL for provider status callbacks
                  (default: http://localhost:<port>)

ENVIRONMENT:
  DISPATCH_ACCOUNT_SID   Telephony account SID
  DISPATCH_AUTH_TOKEN    Telephony auth token
  DISPATCH_FROM_NUMBER   Caller/sender phone number
  DISPATCH_API_BASE_URL  Provider API base URL (optional override)
  Without credentials the server still runs; reminders stay queued and a
  warning is logged.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler and wait for an in-flight tick
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/appointments.db"

  # Run with a public callback URL so voice status webhooks reach us
  ./server -callback-base="https://reminders.example.com"

SEE ALSO:
  - api/server.go: Router configuration
  - reminder/scheduler.go: Tick loop
  - dispatch/client.go: Telephony provider client
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

	"github.com/joho/godotenv"

	"github.com/warp/appointment-engine/api"
	"github.com/warp/appointment-engine/dispatch"
	"github.com/warp/appointment-engine/reminder"
	"github.com/warp/appointment-engine/store/sqlite"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded configuration from .env")
	}

	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "appointments.db", "SQLite database path")
	tick := flag.Duration("tick", reminder.DefaultTickInterval, "scheduler tick interval")
	callbackBase := flag.String("callback-base", "", "public base URL for provider status callbacks")
	flag.Parse()

	if *callbackBase == "" {
		*callbackBase = fmt.Sprintf("http://localhost:%d", *port)
	}

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Telephony dispatcher from environment; may be not-ready, which the
	// scheduler tolerates by holding the queue.
	dispatcher := dispatch.FromEnv()
	if !dispatcher.Ready() {
		log.Println("Warning: telephony credentials not configured; reminders will queue but not dispatch")
	}

	// Reminder scheduler
	scheduler := reminder.New(store, dispatcher, reminder.Config{
		TickInterval:    *tick,
		CallbackBaseURL: *callbackBase,
	})
	scheduler.Start()
	defer scheduler.Stop()

	// Create router
	router := api.NewRouter(api.NewHandler(store, scheduler))

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", *port)
		log.Printf("📊 API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
