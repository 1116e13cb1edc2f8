package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nexuscore/nexusd/cmd/nexusctl/cmdutil"
	"github.com/nexuscore/nexusd/cmd/nexusctl/client"
)

var snapshotChildURIs []string

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <name> <snapshot-name>",
	Short: "Create a crash-consistent snapshot across a nexus's children",
	Long: `Create a crash-consistent snapshot across a nexus's children.

By default every currently healthy child is snapshotted; pass one or more
--child flags to restrict the set.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		childURIs := snapshotChildURIs
		if len(childURIs) == 0 {
			view, err := cmdutil.Client().Get(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("failed to look up nexus children: %w", err)
			}
			for _, c := range view.Children {
				if c.Healthy {
					childURIs = append(childURIs, c.URI)
				}
			}
		}
		if len(childURIs) == 0 {
			return fmt.Errorf("no healthy children to snapshot")
		}

		descriptors := make([]client.SnapshotDescriptor, 0, len(childURIs))
		for _, uri := range childURIs {
			descriptors = append(descriptors, client.SnapshotDescriptor{
				ChildURI:     uri,
				SnapshotUUID: uuid.NewString(),
			})
		}

		if err := cmdutil.Client().CreateSnapshot(context.Background(), args[0], args[1], descriptors); err != nil {
			return fmt.Errorf("failed to create snapshot: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Snapshot %q created across %d child(ren).\n", args[1], len(descriptors))
		return nil
	},
}

func init() {
	snapshotCmd.Flags().StringArrayVar(&snapshotChildURIs, "child", nil, "Child device URI to snapshot, repeatable (default: all healthy children)")
}
