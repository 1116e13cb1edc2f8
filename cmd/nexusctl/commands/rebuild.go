package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nexuscore/nexusd/cmd/nexusctl/cmdutil"
	"github.com/nexuscore/nexusd/internal/cli/output"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Manage child rebuilds",
}

func init() {
	rebuildCmd.AddCommand(rebuildStartCmd)
	rebuildCmd.AddCommand(rebuildStopCmd)
	rebuildCmd.AddCommand(rebuildPauseCmd)
	rebuildCmd.AddCommand(rebuildResumeCmd)
	rebuildCmd.AddCommand(rebuildStatusCmd)
}

var rebuildStartCmd = &cobra.Command{
	Use:   "start <name> <child-uri>",
	Short: "Start rebuilding a child",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cmdutil.Client().StartRebuild(context.Background(), args[0], args[1]); err != nil {
			return fmt.Errorf("failed to start rebuild: %w", err)
		}
		fmt.Fprintln(os.Stdout, "Rebuild started.")
		return nil
	},
}

var rebuildStopCmd = &cobra.Command{
	Use:   "stop <name> <child-uri>",
	Short: "Stop rebuilding a child",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cmdutil.Client().StopRebuild(context.Background(), args[0], args[1]); err != nil {
			return fmt.Errorf("failed to stop rebuild: %w", err)
		}
		fmt.Fprintln(os.Stdout, "Rebuild stopped.")
		return nil
	},
}

var rebuildPauseCmd = &cobra.Command{
	Use:   "pause <name> <child-uri>",
	Short: "Pause a running rebuild",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cmdutil.Client().PauseRebuild(context.Background(), args[0], args[1]); err != nil {
			return fmt.Errorf("failed to pause rebuild: %w", err)
		}
		fmt.Fprintln(os.Stdout, "Rebuild paused.")
		return nil
	},
}

var rebuildResumeCmd = &cobra.Command{
	Use:   "resume <name> <child-uri>",
	Short: "Resume a paused rebuild",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cmdutil.Client().ResumeRebuild(context.Background(), args[0], args[1]); err != nil {
			return fmt.Errorf("failed to resume rebuild: %w", err)
		}
		fmt.Fprintln(os.Stdout, "Rebuild resumed.")
		return nil
	},
}

var rebuildStatusCmd = &cobra.Command{
	Use:   "status <name> <child-uri>",
	Short: "Show rebuild progress for a child",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := cmdutil.Client().RebuildStatusOf(context.Background(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to get rebuild status: %w", err)
		}
		return output.SimpleTable(os.Stdout, [][2]string{
			{"State", status.State},
			{"Blocks Total", strconv.FormatUint(status.BlocksTotal, 10)},
			{"Blocks Recovered", strconv.FormatUint(status.BlocksRecovered, 10)},
			{"Progress", strconv.FormatFloat(status.Progress, 'f', 2, 64)},
		})
	},
}
