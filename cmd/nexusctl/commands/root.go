// Package commands implements the CLI commands for nexusctl.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/nexuscore/nexusd/cmd/nexusctl/cmdutil"
)

// Version information injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "nexusctl",
	Short: "nexusctl - control plane CLI for nexusd",
	Long: `nexusctl drives a nexusd node's per-nexus REST API: creating,
inspecting, and tearing down mirrored block devices, managing their
children, publishing them over NVMe-oF, and driving rebuilds.

Use "nexusctl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cmdutil.Flags.ServerURL, "server", "", "nexusd control-plane URL (default: http://localhost:8420, or $NEXUSCTL_SERVER)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(shutdownCmd)
	rootCmd.AddCommand(addChildCmd)
	rootCmd.AddCommand(removeChildCmd)
	rootCmd.AddCommand(offlineChildCmd)
	rootCmd.AddCommand(onlineChildCmd)
	rootCmd.AddCommand(faultChildCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(unpublishCmd)
	rootCmd.AddCommand(getAnaStateCmd)
	rootCmd.AddCommand(setAnaStateCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(snapshotCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("nexusctl %s (commit: %s, built: %s)\n", Version, Commit, Date)
		return nil
	},
}
