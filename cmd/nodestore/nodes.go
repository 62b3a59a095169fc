package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/i5heu/nodestore"
	"github.com/i5heu/nodestore/pkg/node"
)

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Print the current version of a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ns *nodestore.NodeStore) error {
			n, err := ns.Read(cmd.Context(), args[0], caller)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), n)
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version <id> <ver>",
	Short: "Print a historical version of a node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ns *nodestore.NodeStore) error {
			ver, err := node.ParseVersion(args[1])
			if err != nil {
				return err
			}
			n, err := ns.ReadVersion(cmd.Context(), args[0], ver, caller)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), n)
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put <file|->",
	Short: "Create a node, or update one with --id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(cmd, args[0])
		if err != nil {
			return err
		}
		id, _ := cmd.Flags().GetString("id")
		return withStore(cmd.Context(), func(ns *nodestore.NodeStore) error {
			if id == "" {
				res, err := ns.Create(cmd.Context(), raw)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			}
			ver, err := ns.Update(cmd.Context(), id, raw, caller)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"id": id, "ver": ver})
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a node and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ns *nodestore.NodeStore) error {
			if err := ns.Delete(cmd.Context(), args[0], caller); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		})
	},
}

var linksCmd = &cobra.Command{
	Use:   "links <id>",
	Short: "List the nodes a node links to, or with --in the nodes linking to it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inbound, _ := cmd.Flags().GetBool("in")
		return withStore(cmd.Context(), func(ns *nodestore.NodeStore) error {
			query := ns.OutLinkage
			if inbound {
				query = ns.InLinkage
			}
			report, err := query(cmd.Context(), args[0], caller)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		})
	},
}

func readInput(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(name)
}

func init() {
	putCmd.Flags().String("id", "", "update the node with this id")
	linksCmd.Flags().Bool("in", false, "list inbound links")
	rootCmd.AddCommand(getCmd, versionCmd, putCmd, deleteCmd, linksCmd)
}
