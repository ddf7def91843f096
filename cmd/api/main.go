package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	scheduler "github.com/ncecere/scrapesched"
	"github.com/ncecere/scrapesched/api"
	"github.com/ncecere/scrapesched/db"
	"github.com/ncecere/scrapesched/pkg/tracing"
)

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Structured logging with JSON output
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("scrape scheduler initializing", "version", "1.0.0")

	tp, err := tracing.InitTracer("scrapesched")
	if err != nil {
		logger.Warn("failed to initialize tracer, continuing without tracing", "error", err)
	} else {
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.Error("error shutting down tracer", "error", err)
			}
		}()
	}

	// Defaults from the environment
	defaultPort := getEnv("PORT", "8080")
	defaultDriver := getEnv("DB_DRIVER", "sqlite")
	defaultDSN := getEnv("DB_DSN", "./data/app.db")

	// Command-line flags (override environment variables)
	port := flag.String("port", defaultPort, "Server port")
	dbDriver := flag.String("db-driver", defaultDriver, "Database driver (sqlite or postgres)")
	dbDSN := flag.String("db-dsn", defaultDSN, "Database path (sqlite) or connection string (postgres)")
	disableCORS := flag.Bool("disable-cors", false, "Disable CORS")
	flag.Parse()

	config := api.Config{
		Addr: ":" + *port,
		DBConfig: db.Config{
			Driver: *dbDriver,
			DSN:    *dbDSN,
		},
		SchedulerConfig: scheduler.Config{},
		CORSEnabled:     !*disableCORS,
	}

	server, err := api.NewServer(config)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	go func() {
		logger.Info("scrape scheduler starting",
			"port", *port,
			"db_driver", *dbDriver,
			"db_dsn", *dbDSN,
		)

		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down gracefully")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
