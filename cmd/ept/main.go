// Command ept is the entry point for build, merge, and info subcommands
// over one or more EPT trees: a silent-usage root command that only
// wires subcommands, leaving flag parsing and errors to each
// subcommand's own RunE.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/entwine-go/ept/cmd/ept/commands"
)

func main() {
	root := &cobra.Command{
		Use:   "ept",
		Short: "Entwine-style out-of-core point cloud indexer",
		Long: `ept builds and merges EPT (Entwine Point Tile) trees.

Commands:
  build   Build an EPT tree from one or more point files
  merge   Fold N disjoint subset builds into one tree
  info    Print a tree's metadata`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(commands.NewBuildCommand())
	root.AddCommand(commands.NewMergeCommand())
	root.AddCommand(commands.NewInfoCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ept: %v\n", err)
		os.Exit(1)
	}
}
