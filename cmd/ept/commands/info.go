package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/entwine-go/ept/config"
	"github.com/entwine-go/ept/store"
)

// NewInfoCommand builds the "ept info" subcommand: print a completed
// (or in-progress subset) tree's ept.json/ept-build.json metadata as
// plain text to stdout.
func NewInfoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "info",
		Short:        "Print a tree's metadata",
		SilenceUsage: true,
	}

	flags := cmd.Flags()
	var cfgPath string
	flags.StringVar(&cfgPath, "config", "", "path to a config file (default: .ept.yaml in the working directory)")
	flags.String("output", "", "tree directory (required)")
	flags.String("subset", "", `inspect subset i of "of" instead of the merged tree, e.g. "1/4"`)

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		v, err := loadViper(cmd, cfgPath)
		if err != nil {
			return err
		}

		output := v.GetString("output")
		if output == "" {
			return fmt.Errorf("cmd/ept: --output is required")
		}

		postfix := ""
		if s := v.GetString("subset"); s != "" {
			id, of, err := parseSubset(s)
			if err != nil {
				return err
			}
			postfix = (config.Build{Subset: &config.Subset{ID: id, Of: of}}).Postfix()
		}

		ep, err := store.NewLocal(output)
		if err != nil {
			return err
		}

		treeData, err := store.EnsureGet(ep, fmt.Sprintf("ept%s.json", postfix))
		if err != nil {
			return fmt.Errorf("cmd/ept: reading ept%s.json: %w", postfix, err)
		}
		tree, err := config.UnmarshalTree(treeData)
		if err != nil {
			return err
		}

		buildData, err := store.EnsureGet(ep, fmt.Sprintf("ept-build%s.json", postfix))
		if err != nil {
			return fmt.Errorf("cmd/ept: reading ept-build%s.json: %w", postfix, err)
		}
		build, err := config.UnmarshalBuild(buildData)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "bounds:           %s\n", tree.Bounds)
		fmt.Fprintf(out, "boundsConforming: %s\n", tree.BoundsConforming)
		fmt.Fprintf(out, "span:             %d\n", tree.Span)
		fmt.Fprintf(out, "points:           %d\n", tree.Points)
		fmt.Fprintf(out, "dataType:         %s\n", tree.DataType)
		fmt.Fprintf(out, "srs:              %s\n", tree.Srs)
		fmt.Fprintf(out, "hierarchyType:    %s\n", tree.HierarchyType)
		fmt.Fprintf(out, "minNodeSize:      %d\n", build.MinNodeSize)
		fmt.Fprintf(out, "maxNodeSize:      %d\n", build.MaxNodeSize)
		fmt.Fprintf(out, "sharedDepth:      %d\n", build.SharedDepth)
		if build.Subset != nil {
			fmt.Fprintf(out, "subset:           %d/%d\n", build.Subset.ID, build.Subset.Of)
		}
		for _, s := range tree.Schema {
			fmt.Fprintf(out, "schema:           %s %s (%d bytes)\n", s.Name, s.Type, s.Size)
		}
		return nil
	}

	return cmd
}
