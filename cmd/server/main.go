/*
main.go - Application entry point

PURPOSE:
  Wires the cash-wire transactional core and starts the HTTP server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and parse flags
  2. Open the store (sqlite or postgres)
  3. Wire services: directory, audit, ledger, requests, event pools
  4. Start the maintenance scheduler
  5. Serve HTTP with graceful shutdown

CONFIGURATION:
  Flags override environment variables:
    -port / PORT            HTTP port (default 8080)
    -driver / DB_DRIVER     "sqlite" or "postgres" (default sqlite)
    -db / DB_DSN            sqlite path or postgres DSN
                            (default cashwire.db; ":memory:" works)
    -log-level / LOG_LEVEL  "debug", "info", "warn" (default info)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM: stop the scheduler, drain in-flight requests
  (30s timeout), close the store.

SEE ALSO:
  - api/server.go: router configuration
  - api/scheduler.go: background maintenance
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

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/cashwire/api"
	"github.com/warp/cashwire/audit"
	"github.com/warp/cashwire/core"
	"github.com/warp/cashwire/directory"
	"github.com/warp/cashwire/eventpool"
	"github.com/warp/cashwire/ledger"
	"github.com/warp/cashwire/notify"
	"github.com/warp/cashwire/request"
	"github.com/warp/cashwire/store/postgres"
	"github.com/warp/cashwire/store/sqlite"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	driver := flag.String("driver", envStr("DB_DRIVER", "sqlite"), "store driver: sqlite or postgres")
	dsn := flag.String("db", envStr("DB_DSN", "cashwire.db"), "sqlite path or postgres DSN")
	logLevel := flag.String("log-level", envStr("LOG_LEVEL", "info"), "debug, info or warn")
	flag.Parse()

	log := newLogger(*logLevel)
	defer log.Sync()

	store, err := openStore(*driver, *dsn)
	if err != nil {
		log.Fatalw("opening store", "driver", *driver, "error", err)
	}
	defer store.Close()

	// Shared collaborators.
	clock := core.SystemClock{}
	ids := core.UUIDGen{}
	dir := &directory.StoreDirectory{Store: store}
	writer := audit.NewWriter(clock, ids)
	emitter := &notify.Emitter{
		Sink:  &notify.LogSink{Log: log},
		Store: store,
		Audit: writer,
		Log:   log,
	}

	// Domain services.
	led := ledger.NewService(store, clock, ids, dir, writer)
	led.Notify = emitter
	requests := request.NewService(store, clock, ids, dir, led, writer)
	requests.Notify = emitter
	events := eventpool.NewService(store, clock, ids, dir, led, writer)
	events.Notify = emitter
	users := directory.NewService(store, clock, ids, writer)
	auditSvc := audit.NewService(store, dir, clock, ids)

	scheduler := api.NewScheduler(requests, auditSvc, store, clock, emitter, log)
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(led, requests, events, users, auditSvc, log)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("server starting", "addr", server.Addr, "driver", *driver)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalw("forced shutdown", "error", err)
	}
	log.Info("server stopped")
}

func openStore(driver, dsn string) (core.Store, error) {
	switch driver {
	case "sqlite":
		return sqlite.New(dsn)
	case "postgres":
		return postgres.New(dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func newLogger(level string) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger.Sugar()
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}
