package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/podpilot/podpilot/hub/internal/db"
	"github.com/podpilot/podpilot/hub/internal/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	port            string
	databaseURL     string
	shutdownTimeout string
	dbDriver        string
	logLevel        string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "hub",
		Short: "podpilot hub — central coordinator for podpilot agents",
		Long: `podpilot hub accepts WebSocket registrations from podpilot agents,
tracks their liveness via a periodic heartbeat, and reaps agents that
go quiet.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.port, "port", envOrDefault("PORT", "80"), "HTTP/WebSocket listen port")
	root.PersistentFlags().StringVar(&cfg.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Database connection string (required)")
	root.PersistentFlags().StringVar(&cfg.shutdownTimeout, "shutdown-timeout", envOrDefault("SHUTDOWN_TIMEOUT", "8s"), "Grace period for in-flight connections during shutdown")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hub %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.databaseURL == "" {
		return fmt.Errorf("database URL is required — set --database-url or DATABASE_URL")
	}

	shutdownTimeout, err := parseDuration(cfg.shutdownTimeout)
	if err != nil {
		return fmt.Errorf("invalid shutdown timeout %q: %w", cfg.shutdownTimeout, err)
	}

	logger.Info("starting podpilot hub",
		zap.String("version", version),
		zap.String("port", cfg.port),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
		zap.Duration("shutdown_timeout", shutdownTimeout),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.databaseURL,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	srv := server.New(server.Config{
		ListenAddr:    ":" + cfg.port,
		DB:            gormDB,
		Logger:        logger,
		HubVersion:    version,
		ShutdownGrace: shutdownTimeout,
	})

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server stopped with error: %w", err)
	}

	logger.Info("podpilot hub stopped")
	return nil
}

// parseDuration accepts either a bare integer (interpreted as seconds) or a
// Go duration string such as "5s", "200ms", "2m".
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
