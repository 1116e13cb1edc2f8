package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nexuscore/nexusd/cmd/nexusctl/cmdutil"
	"github.com/nexuscore/nexusd/cmd/nexusctl/client"
	"github.com/nexuscore/nexusd/internal/cli/output"
)

var (
	createUUID              string
	createSizeBytes         uint64
	createChildURIs         []string
	createReservationKey    uint64
	createPreemptKey        uint64
	createControllerIDStart uint16
	createControllerIDEnd   uint16
	createDataOffsetBlocks  uint64
)

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new nexus",
	Long: `Create a new mirrored virtual block device.

Examples:
  nexusctl create my-nexus --size-bytes 10737418240 --child mem://a --child mem://b
  nexusctl create my-nexus --size-bytes 10737418240 --child nvmf://host/nqn-a`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringVar(&createUUID, "uuid", "", "Nexus UUID (default: generated)")
	createCmd.Flags().Uint64Var(&createSizeBytes, "size-bytes", 0, "Nexus size in bytes (required)")
	createCmd.Flags().StringArrayVar(&createChildURIs, "child", nil, "Child device URI, repeatable (at least one required)")
	createCmd.Flags().Uint64Var(&createReservationKey, "reservation-key", 0, "NVMe reservation key")
	createCmd.Flags().Uint64Var(&createPreemptKey, "preempt-key", 0, "NVMe preempt key")
	createCmd.Flags().Uint16Var(&createControllerIDStart, "controller-id-start", 0, "NVMe controller ID range start")
	createCmd.Flags().Uint16Var(&createControllerIDEnd, "controller-id-end", 0, "NVMe controller ID range end")
	createCmd.Flags().Uint64Var(&createDataOffsetBlocks, "data-offset-blocks", 0, "Data offset in blocks")
}

func runCreate(cmd *cobra.Command, args []string) error {
	id := createUUID
	if id == "" {
		id = uuid.NewString()
	}
	view, err := cmdutil.Client().Create(context.Background(), client.CreateParams{
		Name:              args[0],
		UUID:              id,
		SizeBytes:         createSizeBytes,
		ChildURIs:         createChildURIs,
		ReservationKey:    createReservationKey,
		PreemptKey:        createPreemptKey,
		ControllerIDStart: createControllerIDStart,
		ControllerIDEnd:   createControllerIDEnd,
		DataOffsetBlocks:  createDataOffsetBlocks,
	})
	if err != nil {
		return fmt.Errorf("failed to create nexus: %w", err)
	}
	return printNexusView(cmd, view)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all nexuses",
	RunE:  runList,
}

// nexusList renders a slice of NexusView as a table.
type nexusList []client.NexusView

func (l nexusList) Headers() []string {
	return []string{"NAME", "STATE", "STATUS", "SIZE BYTES", "CHILDREN", "SHARE URI"}
}

func (l nexusList) Rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, n := range l {
		rows = append(rows, []string{
			n.Name, n.State, n.Status,
			strconv.FormatUint(n.SizeBytes, 10),
			strconv.Itoa(len(n.Children)),
			n.ShareURI,
		})
	}
	return rows
}

func runList(cmd *cobra.Command, args []string) error {
	views, err := cmdutil.Client().List(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list nexuses: %w", err)
	}
	if len(views) == 0 {
		fmt.Fprintln(os.Stdout, "No nexuses found.")
		return nil
	}
	return output.PrintTable(os.Stdout, nexusList(views))
}

var getCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Show one nexus in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func runGet(cmd *cobra.Command, args []string) error {
	view, err := cmdutil.Client().Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get nexus: %w", err)
	}
	return printNexusView(cmd, view)
}

var destroyCmd = &cobra.Command{
	Use:   "destroy <name>",
	Short: "Destroy a nexus",
	Args:  cobra.ExactArgs(1),
	RunE:  runDestroy,
}

func runDestroy(cmd *cobra.Command, args []string) error {
	if err := cmdutil.Client().Destroy(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to destroy nexus: %w", err)
	}
	fmt.Fprintf(os.Stdout, "Nexus %q destroyed.\n", args[0])
	return nil
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown <name>",
	Short: "Gracefully shut down a nexus",
	Args:  cobra.ExactArgs(1),
	RunE:  runShutdown,
}

func runShutdown(cmd *cobra.Command, args []string) error {
	view, err := cmdutil.Client().Shutdown(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to shut down nexus: %w", err)
	}
	return printNexusView(cmd, view)
}

// printNexusView renders a single nexus as a key-value table.
func printNexusView(cmd *cobra.Command, v *client.NexusView) error {
	pairs := [][2]string{
		{"Name", v.Name},
		{"UUID", v.UUID},
		{"State", v.State},
		{"Status", v.Status},
		{"Size Bytes", strconv.FormatUint(v.SizeBytes, 10)},
		{"Block Len", strconv.FormatUint(uint64(v.BlockLen), 10)},
		{"Num Blocks", strconv.FormatUint(v.NumBlocks, 10)},
		{"Share URI", v.ShareURI},
		{"ANA State", strconv.Itoa(v.AnaState)},
	}
	if err := output.SimpleTable(os.Stdout, pairs); err != nil {
		return err
	}
	if len(v.Children) == 0 {
		return nil
	}
	fmt.Fprintln(os.Stdout)
	return output.PrintTable(os.Stdout, childList(v.Children))
}

// childList renders a slice of ChildView as a table.
type childList []client.ChildView

func (l childList) Headers() []string {
	return []string{"URI", "STATE", "HEALTHY", "REASON", "REBUILD JOB"}
}

func (l childList) Rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, c := range l {
		rows = append(rows, []string{c.URI, c.State, strconv.FormatBool(c.Healthy), c.Reason, c.RebuildJob})
	}
	return rows
}
