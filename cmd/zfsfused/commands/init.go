package commands

import (
	"fmt"

	"github.com/marmos91/zfsfuse/pkg/config"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample zfsfused configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/zfsfuse/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  zfsfused init

  # Initialize with custom path
  zfsfused init --config /etc/zfsfuse/config.yaml

  # Force overwrite existing config
  zfsfused init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	var configPath string
	var err error

	if cfgFile != "" {
		err = config.InitConfigToPath(cfgFile, initForce)
		configPath = cfgFile
	} else {
		configPath, err = config.InitConfig(initForce)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration file created at: %s\n", configPath)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Declare your datasets under catalog.datasets and list the pools to enable")
	fmt.Fprintln(out, "  2. Start the daemon with: zfsfused serve")
	fmt.Fprintf(out, "  3. Or specify custom config: zfsfused serve --config %s\n", configPath)
	return nil
}
