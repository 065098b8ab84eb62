package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/entwine-go/ept/merge"
	"github.com/entwine-go/ept/ptlog"
	"github.com/entwine-go/ept/store"
)

// NewMergeCommand builds the "ept merge" subcommand: fold every subset
// build named by --subsets into one non-subset tree at --output.
func NewMergeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "merge",
		Short:        "Fold N disjoint subset builds into one tree",
		SilenceUsage: true,
	}

	flags := cmd.Flags()
	var cfgPath string
	flags.StringVar(&cfgPath, "config", "", "path to a config file (default: .ept.yaml in the working directory)")
	flags.String("output", "", "output directory holding the subset builds (required)")
	flags.IntSlice("subsets", nil, "subset IDs to merge, e.g. \"1,2,3,4\" (required)")
	flags.Int("of", 0, "fan-out denominator the subsets were built with (required)")
	flags.String("threads", "", `clip threads, "M" (default: NumCPU)`)
	flags.String("metrics-addr", "", "serve Prometheus metrics at this address while merging (default: disabled)")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		v, err := loadViper(cmd, cfgPath)
		if err != nil {
			return err
		}

		output := v.GetString("output")
		if output == "" {
			return fmt.Errorf("cmd/ept: --output is required")
		}
		subsets := v.GetIntSlice("subsets")
		if len(subsets) == 0 {
			return fmt.Errorf("cmd/ept: --subsets is required")
		}
		of := v.GetInt("of")
		if of < 1 {
			return fmt.Errorf("cmd/ept: --of is required")
		}

		work, clip, err := parseThreads(v.GetString("threads"))
		if err != nil {
			return err
		}
		if clip == 0 {
			clip = work
		}
		if clip == 0 {
			clip = runtime.NumCPU()
		}

		ep, err := store.NewLocal(output)
		if err != nil {
			return err
		}

		logger := ptlog.New("ept-merge")
		reg := startMetrics(v.GetString("metrics-addr"))

		res, err := merge.Merge(merge.Config{
			Endpoint:    ep,
			Subsets:     subsets,
			Of:          of,
			ClipThreads: clip,
			Logger:      logger,
			Metrics:     reg,
		})
		if err != nil {
			return fmt.Errorf("cmd/ept: merge failed: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "ept: merged %d subsets into one tree: %d points\n", len(subsets), res.Points)
		return nil
	}

	return cmd
}
