package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gonzalop/ftpd/internal/config"
)

const defaultConfigPath = "ftpd.yaml"

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with the default settings",
	Long: `Write a configuration file with the default settings.

The file is created at the --config path, or ./ftpd.yaml when none is given.
Add users with password hashes from "ftpd hash-password".`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

func runInit(cmd *cobra.Command, _ []string) error {
	path := cfgFile
	if path == "" {
		path = defaultConfigPath
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	if err := config.Save(config.Default(), path); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration file created at: %s\n", path)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Add users with: ftpd hash-password")
	fmt.Fprintf(out, "  2. Start the server with: ftpd serve --config %s\n", path)
	return nil
}
