package commands

import (
	"context"

	"github.com/marmos91/zfsfuse/pkg/mount"
	"github.com/spf13/cobra"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Enable or disable every dataset of a pool",
}

var poolEnableCmd = &cobra.Command{
	Use:   "enable <pool>",
	Short: "Mount and share a pool, serving it in the foreground",
	Long: `Mount and share every dataset of a pool.

FUSE sessions live in the process that mounted them, so this runs the daemon
for the given pool only, in the foreground, until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Pools = []string{args[0]}
		return serve(cmd.Context(), cfg)
	},
}

var poolDisableForce bool

var poolDisableCmd = &cobra.Command{
	Use:   "disable <pool>",
	Short: "Unshare and unmount every mounted dataset of a pool",
	Long: `Unshare and unmount every mounted dataset of a pool, nested mounts
first. Default and inherited mountpoint directories are removed afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, o *mount.Orchestrator) error {
			return o.PoolDisableDatasets(ctx, args[0], poolDisableForce)
		})
	},
}

func init() {
	poolDisableCmd.Flags().BoolVarP(&poolDisableForce, "force", "f", false, "Unmount lazily even if busy")

	poolCmd.AddCommand(poolEnableCmd)
	poolCmd.AddCommand(poolDisableCmd)
}
