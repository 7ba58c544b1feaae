package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/marmos91/zfsfuse/pkg/mnttab"
	"github.com/marmos91/zfsfuse/pkg/mount"
	"github.com/marmos91/zfsfuse/pkg/server"
	"github.com/marmos91/zfsfuse/pkg/share"
	"github.com/spf13/cobra"
)

// withAdmin runs fn against an administrative orchestrator while holding
// the administrative lock.
func withAdmin(cmd *cobra.Command, fn func(ctx context.Context, o *mount.Orchestrator) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	admin, err := server.NewAdmin(ctx, cfg, server.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = admin.Close() }()

	return admin.Locked(ctx, fn)
}

// resolveTarget maps a mountpoint argument to its dataset. Anything not
// starting with "/" is taken as a dataset name.
func resolveTarget(o *mount.Orchestrator, arg string) (name, mountpoint string, err error) {
	if !strings.HasPrefix(arg, "/") {
		return arg, "", nil
	}
	entries, err := o.Cache().Entries()
	if err != nil {
		return "", "", fmt.Errorf("cannot read mount table: %w", err)
	}
	for _, e := range entries {
		if e.Mountpoint == arg {
			return e.Dataset, e.Mountpoint, nil
		}
	}
	return "", "", fmt.Errorf("%s is not a zfsfused mountpoint", arg)
}

func parseProtocols(names []string) ([]share.Protocol, error) {
	protos := make([]share.Protocol, 0, len(names))
	for _, n := range names {
		p, err := share.ParseProtocol(strings.ToLower(n))
		if err != nil {
			return nil, err
		}
		protos = append(protos, p)
	}
	return protos, nil
}

var unmountForce bool

var unmountCmd = &cobra.Command{
	Use:   "unmount <dataset|mountpoint>",
	Short: "Unshare and unmount a dataset",
	Long: `Unshare and unmount a dataset through the host umount helper.

If unmounting fails the dataset is shared again before the error is reported.

Examples:
  zfsfused unmount tank/home
  zfsfused unmount /tank/home --force`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, o *mount.Orchestrator) error {
			name, mountpoint, err := resolveTarget(o, args[0])
			if err != nil {
				return err
			}
			var flags mount.Flags
			if unmountForce {
				flags |= mount.FlagForce
			}
			return o.Unmount(ctx, name, mountpoint, flags)
		})
	},
}

var shareProtocols []string

var shareCmd = &cobra.Command{
	Use:   "share <dataset>",
	Short: "Export a mounted dataset",
	Long: `Export a mounted dataset over the protocols whose share property is set.

Examples:
  zfsfused share tank/home
  zfsfused share tank/home --protocol nfs`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		protos, err := parseProtocols(shareProtocols)
		if err != nil {
			return err
		}
		return withAdmin(cmd, func(ctx context.Context, o *mount.Orchestrator) error {
			return o.Share(ctx, args[0], protos...)
		})
	},
}

var unshareProtocols []string

var unshareCmd = &cobra.Command{
	Use:   "unshare <dataset|mountpoint>",
	Short: "Remove the exports of a dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		protos, err := parseProtocols(unshareProtocols)
		if err != nil {
			return err
		}
		return withAdmin(cmd, func(ctx context.Context, o *mount.Orchestrator) error {
			name, mountpoint, err := resolveTarget(o, args[0])
			if err != nil {
				return err
			}
			return o.Unshare(ctx, name, mountpoint, protos...)
		})
	},
}

func init() {
	unmountCmd.Flags().BoolVarP(&unmountForce, "force", "f", false, "Unmount lazily even if busy")
	shareCmd.Flags().StringSliceVar(&shareProtocols, "protocol", nil, "Protocol to share over (nfs, smb; default: all)")
	unshareCmd.Flags().StringSliceVar(&unshareProtocols, "protocol", nil, "Protocol to unshare (nfs, smb; default: all)")
}

// mountRow is the serialized form of one mount for json and yaml output.
type mountRow struct {
	Dataset    string `json:"dataset" yaml:"dataset"`
	Mountpoint string `json:"mountpoint" yaml:"mountpoint"`
	Options    string `json:"options,omitempty" yaml:"options,omitempty"`
}

func mountRows(entries []mnttab.Entry) []mountRow {
	rows := make([]mountRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, mountRow{Dataset: e.Dataset, Mountpoint: e.Mountpoint, Options: e.Options})
	}
	return rows
}
