package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nexuscore/nexusd/cmd/nexusctl/cmdutil"
	"github.com/nexuscore/nexusd/internal/cli/output"
)

var (
	publishKeyHex       string
	publishAllowedHosts []string
)

var publishCmd = &cobra.Command{
	Use:   "publish <name>",
	Short: "Publish a nexus over NVMe-oF",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key []byte
		if publishKeyHex != "" {
			decoded, err := hex.DecodeString(publishKeyHex)
			if err != nil {
				return fmt.Errorf("invalid --key hex: %w", err)
			}
			key = decoded
		}
		uri, err := cmdutil.Client().Publish(context.Background(), args[0], key, publishAllowedHosts)
		if err != nil {
			return fmt.Errorf("failed to publish nexus: %w", err)
		}
		fmt.Fprintln(os.Stdout, uri)
		return nil
	},
}

func init() {
	publishCmd.Flags().StringVar(&publishKeyHex, "key", "", "Pre-shared host-connect key, hex encoded")
	publishCmd.Flags().StringArrayVar(&publishAllowedHosts, "allowed-host", nil, "Host NQN allowed to connect, repeatable (default: any)")
}

var unpublishCmd = &cobra.Command{
	Use:   "unpublish <name>",
	Short: "Unpublish a nexus",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cmdutil.Client().Unpublish(context.Background(), args[0]); err != nil {
			return fmt.Errorf("failed to unpublish nexus: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Nexus %q unpublished.\n", args[0])
		return nil
	},
}

var getAnaStateCmd = &cobra.Command{
	Use:   "get-ana-state <name>",
	Short: "Show a nexus's ANA state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := cmdutil.Client().GetAnaState(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get ANA state: %w", err)
		}
		return output.SimpleTable(os.Stdout, [][2]string{{"ANA State", strconv.Itoa(state)}})
	},
}

var setAnaStateCmd = &cobra.Command{
	Use:   "set-ana-state <name> <state>",
	Short: "Set a nexus's ANA state",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid ANA state %q: %w", args[1], err)
		}
		view, err := cmdutil.Client().SetAnaState(context.Background(), args[0], state)
		if err != nil {
			return fmt.Errorf("failed to set ANA state: %w", err)
		}
		return printNexusView(cmd, view)
	},
}
