/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the bunker ledger service. Handles configuration,
  dependency injection, the background reconciler, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and parse flags
  2. Initialize the SQLite document store
  3. Wire the event publisher (Kafka when brokers are configured)
  4. Create the synchronizer, reconciler, and HTTP handler
  5. Start the server and the reconciliation loop

CONFIGURATION:
  Flags, each with an environment fallback:
    -port       PORT                 HTTP server port (default: 8080)
    -db         DATABASE_PATH        SQLite path (default: ledger.db,
                                     ":memory:" for in-memory)
    -brokers    KAFKA_BROKERS        Comma-separated Kafka brokers; empty
                                     disables event publishing
    -topic      KAFKA_TOPIC          Event topic (default: ledger-events)
    -secret     ACTOR_JWT_SECRET     HMAC secret for Bearer actor tokens;
                                     empty trusts the X-Actor-Id header
    -reconcile  RECONCILE_INTERVAL   Sweep interval (default: 5m)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM: stop accepting connections, drain active requests
  (30s timeout), stop the reconciler, close the store and publisher.

SEE ALSO:
  - api/server.go: Router configuration
  - ledger/reconcile.go: Background reconciliation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/meridian/bunkerledger/api"
	"github.com/meridian/bunkerledger/events"
	"github.com/meridian/bunkerledger/events/kafka"
	"github.com/meridian/bunkerledger/ledger"
	"github.com/meridian/bunkerledger/store/sqlite"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envStr("DATABASE_PATH", "ledger.db"), "SQLite database path")
	brokers := flag.String("brokers", envStr("KAFKA_BROKERS", ""), "Kafka brokers, comma-separated")
	topic := flag.String("topic", envStr("KAFKA_TOPIC", "ledger-events"), "Kafka event topic")
	secret := flag.String("secret", envStr("ACTOR_JWT_SECRET", ""), "HMAC secret for actor tokens")
	reconcileEvery := flag.Duration("reconcile", envDuration("RECONCILE_INTERVAL", 5*time.Minute), "Reconciliation sweep interval")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	// Event sink
	var publisher events.Publisher = events.Noop{}
	if *brokers != "" {
		publisher = kafka.NewPublisher(strings.Split(*brokers, ","), *topic)
		log.Info("kafka publisher enabled", zap.String("brokers", *brokers), zap.String("topic", *topic))
	}
	defer publisher.Close()

	// Domain wiring
	sync := ledger.NewSynchronizer(store, publisher, log)
	reconciler := ledger.NewReconciler(store, log, *reconcileEvery)
	handler := api.NewHandler(sync, store, reconciler, log)
	router := api.NewRouter(handler, []byte(*secret))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reconciler.Run(ctx)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server starting", zap.Int("port", *port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal("forced shutdown", zap.Error(err))
	}
	log.Info("server stopped")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
