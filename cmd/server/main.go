/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the referrer rebate engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and parse flags
  2. Build the zap logger
  3. Open the store (sqlite, mysql or memory)
  4. Open the bbolt audit log (optional)
  5. Create reconciler, API handler and router
  6. Start the consistency scheduler
  7. Start server with graceful shutdown

FLAGS (env: REBATE_ENGINE_<FLAG>, dashes as underscores):
  --port            HTTP server port (default: 8080)
  --driver          sqlite | mysql | memory (default: sqlite)
  --db              SQLite path or MySQL DSN (default: rebates.db)
  --audit-db        bbolt audit file, empty to disable (default: audit.db)
  --rebate-rate     Rebate rate as a decimal fraction (default: 0.20)
  --audit-interval  Consistency check interval (default: 1h)
  --audit-days      Days covered by each consistency check (default: 7)
  --dev             Development logging
  --log-level       debug | info | warn | error (default: info)

EXAMPLES:
  ./server --db=":memory:"
  ./server --driver=mysql --db="user:pass@tcp(localhost:3306)/billing?parseTime=true"
  REBATE_ENGINE_PORT=3000 ./server

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Consistency scheduler
  - rebate/reconciler.go: Event handlers
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/purehealth/rebate-engine/api"
	"github.com/purehealth/rebate-engine/audit"
	"github.com/purehealth/rebate-engine/rebate"
	"github.com/purehealth/rebate-engine/rebate/store"
	"github.com/purehealth/rebate-engine/store/mysql"
	"github.com/purehealth/rebate-engine/store/sqlite"
)

func main() {
	// A missing .env is fine; flags and the environment still apply.
	_ = godotenv.Load()

	fs := ff.NewFlagSet("rebate-engine")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		driver        = fs.StringLong("driver", "sqlite", "Store driver: 'sqlite', 'mysql' or 'memory'")
		dbPath        = fs.StringLong("db", "rebates.db", "SQLite database path or MySQL DSN")
		auditPath     = fs.StringLong("audit-db", "audit.db", "Audit log file (empty disables auditing)")
		rateFlag      = fs.StringLong("rebate-rate", "0.20", "Rebate rate as a decimal fraction")
		auditInterval = fs.DurationLong("audit-interval", time.Hour, "Consistency check interval")
		auditDays     = fs.IntLong("audit-days", 7, "Days covered by each consistency check")
		dev           = fs.BoolLong("dev", "Development logging")
		logLevel      = fs.StringLong("log-level", "info", "Log level: debug, info, warn, error")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("REBATE_ENGINE"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(*dev, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	rate, err := decimal.NewFromString(*rateFlag)
	if err != nil || rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		log.Fatal("Invalid rebate rate", zap.String("rebate_rate", *rateFlag))
	}

	// Initialize store
	st, closeStore, err := openStore(*driver, *dbPath)
	if err != nil {
		log.Fatal("Failed to initialize database", zap.String("driver", *driver), zap.Error(err))
	}
	defer closeStore()

	opts := []rebate.Option{
		rebate.WithLogger(log),
		rebate.WithRate(rate),
	}

	// Initialize audit log
	var auditLog rebate.AuditLog
	if *auditPath != "" {
		bolt, err := audit.NewBoltLog(*auditPath)
		if err != nil {
			log.Fatal("Failed to open audit log", zap.String("path", *auditPath), zap.Error(err))
		}
		defer bolt.Close()
		auditLog = bolt
		opts = append(opts, rebate.WithAuditLog(bolt))
	}

	reconciler := rebate.NewReconciler(st, opts...)
	handler := api.NewHandler(st, reconciler, auditLog, log)
	router := api.NewRouter(handler)

	// Consistency scheduler
	scheduler := api.NewConsistencyScheduler(reconciler, log)
	scheduler.CheckInterval = *auditInterval
	scheduler.Days = *auditDays
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("Server starting",
			zap.String("address", fmt.Sprintf("http://localhost:%d", *port)),
			zap.String("driver", *driver),
			zap.Stringer("rebate_rate", rate),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server stopped")
}

func newLogger(dev bool, level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg.Level = lvl
	return cfg.Build()
}

func openStore(driver, dsn string) (api.Store, func(), error) {
	switch driver {
	case "sqlite":
		s, err := sqlite.New(dsn)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "mysql":
		s, err := mysql.New(dsn)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "memory":
		return store.NewMemory(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown driver %q (valid: sqlite, mysql, memory)", driver)
	}
}
