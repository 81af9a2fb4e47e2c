// Package main is the entry point for the podpilot-agent binary.
// It wires all internal packages together and starts the hub session loop.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Resolve hostname / tailscale IP defaults
//  4. Build the session client (hub WebSocket connection) and status server
//  5. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/podpilot/podpilot/agent/internal/gpuinfo"
	"github.com/podpilot/podpilot/agent/internal/server"
	"github.com/podpilot/podpilot/agent/internal/session"
	"github.com/podpilot/podpilot/shared/types"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	hubURL             string
	statusPort         string
	providerType       string
	providerInstanceID string
	hostname           string
	tailscaleIP        string
	logLevel           string
	stateDir           string
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
		Use:   "agent",
		Short: "podpilot agent — runs on each GPU worker node",
		Long: `podpilot agent runs on each GPU-bearing worker node. It registers with
the podpilot hub over a persistent WebSocket connection, replies to
heartbeats, and reconnects automatically with backoff on any failure.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.hubURL, "hub-websocket-url", envOrDefault("HUB_WEBSOCKET_URL", "ws://localhost:80/ws/agent"), "Hub WebSocket URL")
	root.PersistentFlags().StringVar(&cfg.statusPort, "status-port", envOrDefault("STATUS_PORT", "8081"), "Local status HTTP listen port")
	root.PersistentFlags().StringVar(&cfg.providerType, "provider-type", envOrDefault("PROVIDER_TYPE", "local"), "Cloud provider type (vastai, runpod, local)")
	root.PersistentFlags().StringVar(&cfg.providerInstanceID, "provider-instance-id", os.Getenv("PROVIDER_INSTANCE_ID"), "Provider instance ID (empty = generate hostname+suffix and persist)")
	root.PersistentFlags().StringVar(&cfg.hostname, "hostname", os.Getenv("HOSTNAME"), "Hostname to report (empty = OS hostname)")
	root.PersistentFlags().StringVar(&cfg.tailscaleIP, "tailscale-ip", envOrDefault("TAILSCALE_IP", "0.0.0.0"), "Overlay-network IP to report")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("AGENT_STATE_DIR", defaultStateDir()), "Directory for persisted agent state")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	hostname := cfg.hostname
	if hostname == "" {
		hostname, err = os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
	}

	logger.Info("starting podpilot agent",
		zap.String("version", version),
		zap.String("hub_websocket_url", cfg.hubURL),
		zap.String("provider_type", cfg.providerType),
		zap.String("hostname", hostname),
		zap.String("tailscale_ip", cfg.tailscaleIP),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := server.New(server.Config{
		StatusAddr: ":" + cfg.statusPort,
		Session: session.Config{
			HubURL:             cfg.hubURL,
			Provider:           types.ProviderType(cfg.providerType),
			ProviderInstanceID: cfg.providerInstanceID,
			Hostname:           hostname,
			TailscaleIP:        cfg.tailscaleIP,
			AgentVersion:       version,
			GpuInfoFn:          gpuinfo.Collect,
			StateDir:           cfg.stateDir,
		},
		Logger: logger,
	})

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("agent stopped with error: %w", err)
	}

	logger.Info("podpilot agent stopped")
	return nil
}

// defaultStateDir returns the default state directory: ~/.podpilot on every
// platform, or .podpilot in the working directory when the home directory
// cannot be determined.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.podpilot"
	}
	return ".podpilot"
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
