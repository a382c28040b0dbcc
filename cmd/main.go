package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lib/pq"

	"github.com/amirphl/stop-trigger/internal/api"
	"github.com/amirphl/stop-trigger/internal/config"
	"github.com/amirphl/stop-trigger/internal/db"
	"github.com/amirphl/stop-trigger/internal/db/conf"
	"github.com/amirphl/stop-trigger/internal/exchange"
	"github.com/amirphl/stop-trigger/internal/manager"
	"github.com/amirphl/stop-trigger/internal/notifier"
	"github.com/amirphl/stop-trigger/internal/utils"
	"github.com/amirphl/stop-trigger/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := utils.GetLogger()

	cfg := config.MustLoadConfig()
	if err := utils.ConfigureLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		logger.Fatalf("Failed to configure logger: %v", err)
	}
	logger.Infof("Starting stop-trigger in %s environment (feed=%s, execution=%s, store=%s)",
		cfg.Environment, cfg.Feed, cfg.Execution, cfg.Store)
	if cfg.IsLive() && cfg.Execution == config.ExecutionOanda {
		logger.Warn("Orders will be placed on a LIVE account")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	storage, closeStorage := openStorage(ctx, cfg)
	defer closeStorage()

	feed, exec := newVenue(cfg)
	logger.Infof("Price feed: %s, execution: %s", feed.Name(), exec.Name())

	var notify notifier.Notifier = notifier.Nop{}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		notify = notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID, cfg.NotificationRetries, cfg.NotificationDelay)
	}

	mgr, err := manager.New(manager.Options{
		Store:    storage,
		Journal:  storage,
		Feed:     feed,
		Exec:     exec,
		Notifier: notify,
		Watch: watcher.Config{
			PollInterval: cfg.PollInterval,
			Retry: watcher.RetryPolicy{
				Attempts: cfg.FeedRetryAttempts,
				Delay:    cfg.FeedRetryDelay,
			},
		},
	})
	if err != nil {
		logger.Fatalf("Failed to create order manager: %v", err)
	}

	n, err := mgr.Recover(ctx)
	if err != nil {
		logger.Fatalf("Failed to recover pending orders: %v", err)
	}
	logger.Infof("Watching %d pending orders from a previous run", n)

	app := api.NewApp(mgr, storage)
	go func() {
		if err := app.Listen(cfg.HTTPAddr); err != nil {
			logger.Errorf("HTTP server stopped: %v", err)
			cancel()
		}
	}()
	logger.Infof("HTTP API listening on %s", cfg.HTTPAddr)

	<-ctx.Done()
	logger.Info("Shutting down...")

	api.Shutdown(app, shutdownTimeout)
	mgr.Shutdown()
	mgr.Wait()
	logger.Info("Shutdown complete, pending orders kept for the next start")
}

func openStorage(ctx context.Context, cfg config.Config) (db.Storage, func()) {
	logger := utils.GetLogger()

	if cfg.Store == config.StoreMemory {
		logger.Warn("Using in-memory store, pending orders are lost on exit")
		return db.NewMemory(), func() {}
	}

	if cfg.RunMigration {
		if err := runMigrations(ctx, cfg.DBConnStr); err != nil {
			logger.Fatalf("Failed to run migrations: %v", err)
		}
	}

	dbConfig, err := conf.NewConfig(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
	if err != nil {
		logger.Fatalf("Failed to create DB config: %v", err)
	}
	storage, err := db.New(*dbConfig)
	if err != nil {
		logger.Fatalf("Failed to initialize database: %v", err)
	}
	logger.Info("Connected to Postgres")

	return storage, func() {
		if err := dbConfig.DB.Close(); err != nil {
			logger.Warnf("Closing database: %v", err)
		}
	}
}

func newVenue(cfg config.Config) (exchange.PriceFeed, exchange.ExecutionClient) {
	var oanda *exchange.OandaClient
	if cfg.Feed == config.FeedOanda || cfg.Execution == config.ExecutionOanda {
		oanda = exchange.NewOandaClient(cfg.OandaEndpoint, cfg.OandaAccessToken, cfg.OandaAccountID, cfg.CandleGranularity)
	}

	var feed exchange.PriceFeed = oanda
	if cfg.Feed == config.FeedWallex {
		feed = exchange.NewWallexFeed(cfg.WallexAPIKey, cfg.CandleGranularity)
	}

	var exec exchange.ExecutionClient = oanda
	if cfg.Execution == config.ExecutionPaper {
		exec = exchange.NewPaperExecution()
	}
	return feed, exec
}

// runMigrations creates the database when missing and applies scripts/schema.sql.
func runMigrations(ctx context.Context, connStr string) error {
	logger := utils.GetLogger()
	logger.Info("Running database migrations...")

	u, err := url.Parse(connStr)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}
	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return fmt.Errorf("database name not found in connection string")
	}

	base := *u
	base.Path = "/postgres"
	baseDB, err := sql.Open("postgres", base.String())
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer baseDB.Close()

	var exists bool
	err = baseDB.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", dbName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}
	if !exists {
		logger.Infof("Creating database %s...", dbName)
		if _, err := baseDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))); err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	}

	target, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer target.Close()

	schemaPath, err := conf.FindSchema()
	if err != nil {
		return err
	}
	schemaSQL, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to read schema.sql: %w", err)
	}
	if _, err := target.ExecContext(ctx, string(schemaSQL)); err != nil {
		return fmt.Errorf("failed to execute schema.sql: %w", err)
	}

	logger.Info("Database migrations completed successfully")
	return nil
}
