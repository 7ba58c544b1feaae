package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/marmos91/zfsfuse/internal/logger"
	"github.com/marmos91/zfsfuse/pkg/config"
	"github.com/marmos91/zfsfuse/pkg/server"
	"github.com/spf13/cobra"
)

var servePools []string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the zfsfused daemon in the foreground",
	Long: `Run the zfsfused daemon.

The daemon takes the administrative lock, mounts and shares every configured
pool, then serves all FUSE sessions until it receives SIGINT or SIGTERM. On
shutdown the pools are unshared and unmounted in reverse order.

Examples:
  # Serve the pools listed in the configuration
  zfsfused serve

  # Override the pool list
  zfsfused serve --pool tank --pool backup

  # Debug logging through the environment
  ZFSFUSE_LOGGING_LEVEL=DEBUG zfsfused serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringSliceVar(&servePools, "pool", nil, "Pool to enable (repeatable; overrides the configured list)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(servePools) > 0 {
		cfg.Pools = servePools
	}
	return serve(cmd.Context(), cfg)
}

// serve runs the daemon until SIGINT or SIGTERM.
func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("zfsfused %s starting", Version)
	logger.Info("Configuration loaded from %s", getConfigSource())

	srv, err := server.New(ctx, cfg, server.Options{})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if cfg.Metrics.Enabled {
		logger.Info("Metrics enabled on port %d", cfg.Metrics.Port)
	}

	if err := srv.Serve(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
