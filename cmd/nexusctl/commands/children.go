package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nexuscore/nexusd/cmd/nexusctl/cmdutil"
)

var addChildNoRebuild bool

var addChildCmd = &cobra.Command{
	Use:   "add-child <name> <uri>",
	Short: "Add a child device to a nexus",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		view, err := cmdutil.Client().AddChild(context.Background(), args[0], args[1], addChildNoRebuild)
		if err != nil {
			return fmt.Errorf("failed to add child: %w", err)
		}
		return printNexusView(cmd, view)
	},
}

func init() {
	addChildCmd.Flags().BoolVar(&addChildNoRebuild, "no-rebuild", false, "Add the child without starting a rebuild")
}

var removeChildCmd = &cobra.Command{
	Use:   "remove-child <name> <uri>",
	Short: "Remove a child device from a nexus",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		view, err := cmdutil.Client().RemoveChild(context.Background(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to remove child: %w", err)
		}
		return printNexusView(cmd, view)
	},
}

var offlineChildCmd = &cobra.Command{
	Use:   "offline-child <name> <uri>",
	Short: "Take a child device offline",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		view, err := cmdutil.Client().OfflineChild(context.Background(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to offline child: %w", err)
		}
		return printNexusView(cmd, view)
	},
}

var onlineChildCmd = &cobra.Command{
	Use:   "online-child <name> <uri>",
	Short: "Bring a child device back online",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		view, err := cmdutil.Client().OnlineChild(context.Background(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to online child: %w", err)
		}
		return printNexusView(cmd, view)
	},
}

var faultChildCmd = &cobra.Command{
	Use:   "fault-child <name> <uri>",
	Short: "Forcibly fault a child device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		view, err := cmdutil.Client().FaultChild(context.Background(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to fault child: %w", err)
		}
		return printNexusView(cmd, view)
	},
}
