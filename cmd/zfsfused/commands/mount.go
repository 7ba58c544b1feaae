package commands

import (
	"github.com/marmos91/zfsfuse/internal/cli/output"
	"github.com/marmos91/zfsfuse/pkg/mnttab"
	"github.com/spf13/cobra"
)

var mountOutput string

var mountCmd = &cobra.Command{
	Use:   "mount",
	Short: "List mounted datasets",
	Long: `List the datasets currently mounted through zfsfused, as recorded in
the host mount table.

Mounting happens inside the daemon: use "zfsfused serve" or
"zfsfused pool enable".

Examples:
  zfsfused mount
  zfsfused mount --output json`,
	Args: cobra.NoArgs,
	RunE: runMount,
}

func init() {
	mountCmd.Flags().StringVarP(&mountOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

func runMount(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(mountOutput)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	entries, err := mnttab.NewHostTable(cfg.Mount.MountTable, cfg.Mount.FSType).Entries()
	if err != nil {
		return err
	}

	tbl := output.NewTable("DATASET", "MOUNTPOINT", "OPTIONS")
	for _, e := range entries {
		tbl.AddRow(e.Dataset, e.Mountpoint, e.Options)
	}
	return output.Print(cmd.OutOrStdout(), format, tbl, mountRows(entries))
}
