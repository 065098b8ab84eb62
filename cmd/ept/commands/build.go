package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/entwine-go/ept/builder"
	entconfig "github.com/entwine-go/ept/config"
	"github.com/entwine-go/ept/key"
	"github.com/entwine-go/ept/pointsource"
	"github.com/entwine-go/ept/pointsource/xyz"
	"github.com/entwine-go/ept/ptlog"
	"github.com/entwine-go/ept/store"
	"github.com/entwine-go/ept/tile"
)

// NewBuildCommand builds the "ept build" subcommand: the usual entwine
// flag set (--input/--output/--tmp/--threads/--limit/--reprojection/
// --force/--deep/--absolute/--no-trust-headers/--progress/--subset),
// plus the tree parameters (--span, --point-size, node sizes,
// --shared-depth, --data-type, --bounds-*) a real build infers from LAS
// headers this reader has none of.
func NewBuildCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "build",
		Short:        "Build an EPT tree from one or more point files",
		SilenceUsage: true,
	}

	flags := cmd.Flags()
	var (
		cfgPath                            string
		boundsMidX, boundsMidY, boundsMidZ float64
	)
	flags.StringVar(&cfgPath, "config", "", "path to a config file (default: .ept.yaml in the working directory)")
	flags.StringArray("input", nil, "input file paths or globs (repeatable)")
	flags.String("output", "", "output directory (required)")
	flags.String("tmp", "", "local scratch directory for resume state (default: a fresh system temp dir, removed on exit)")
	flags.String("threads", "", `worker threads, "N" or "N,M" for work,clip (default: NumCPU)`)
	flags.Uint64("limit", 0, "stop after this many points across all inputs (0 = unlimited)")
	flags.String("reprojection", "", "target SRS, recorded in ept.json (no coordinate transform is performed)")
	flags.Bool("force", false, "ignore any existing build at --output and start fresh")
	flags.Bool("deep", false, "scan every input fully for bounds inference (always honored: this reader has no headers to trust)")
	flags.Bool("absolute", false, "treat input coordinates as absolute (always honored: xyz carries no offset/scale header)")
	flags.Bool("no-trust-headers", false, "do not trust input header bounds/counts (always honored: xyz has no headers)")
	flags.Uint64("progress", 0, "print a progress line to stdout every N points read per file (0 = off)")
	flags.String("subset", "", `build only subset i of "of", e.g. "1/4"`)

	flags.Uint32("span", 128, "grid resolution per chunk")
	flags.Int("point-size", 24, "bytes per point record")
	flags.Uint64("min-node-size", 100000, "points below which a node stays unsplit")
	flags.Uint64("max-node-size", 1500000, "points above which a node is forced to split")
	flags.Uint8("shared-depth", 0, "depth below which subset builds share nodes")
	flags.String("data-type", "bin", "ept-data tile codec: bin or zst (lz4 is available only through --fast-compress)")
	flags.Float64("bounds-width", 0, "cube bounds side length (default: scanned from the inputs)")
	flags.Float64Var(&boundsMidX, "bounds-mid-x", 0, "cube bounds center X (with --bounds-width)")
	flags.Float64Var(&boundsMidY, "bounds-mid-y", 0, "cube bounds center Y (with --bounds-width)")
	flags.Float64Var(&boundsMidZ, "bounds-mid-z", 0, "cube bounds center Z (with --bounds-width)")
	flags.Bool("fast-compress", false, "use the lz4 tile codec in place of --data-type's default")
	flags.String("metrics-addr", "", "serve Prometheus metrics at this address while building (default: disabled)")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		v, err := loadViper(cmd, cfgPath)
		if err != nil {
			return err
		}

		output := v.GetString("output")
		if output == "" {
			return fmt.Errorf("cmd/ept: --output is required")
		}
		inputPatterns := v.GetStringSlice("input")
		if len(inputPatterns) == 0 {
			return fmt.Errorf("cmd/ept: --input is required")
		}

		files, err := resolveInputs(inputPatterns)
		if err != nil {
			return err
		}

		work, clip, err := parseThreads(v.GetString("threads"))
		if err != nil {
			return err
		}
		if work == 0 {
			work = runtime.NumCPU()
		}

		var sub *entconfig.Subset
		if s := v.GetString("subset"); s != "" {
			id, of, err := parseSubset(s)
			if err != nil {
				return err
			}
			sub = &entconfig.Subset{ID: id, Of: of}
		}

		boundsWidth := v.GetFloat64("bounds-width")
		var bounds key.Bounds
		if boundsWidth > 0 {
			bounds = key.NewCube(key.Point{X: boundsMidX, Y: boundsMidY, Z: boundsMidZ}, boundsWidth)
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "ept: scanning inputs for bounds")
			bounds, err = scanBounds(files)
			if err != nil {
				return err
			}
		}

		dataType := v.GetString("data-type")
		registry := tile.NewRegistry()
		if v.GetBool("fast-compress") {
			registry.Register(tile.Lz4Codec{})
			if dataType == string(tile.FormatBin) {
				dataType = string(tile.FormatLz4)
			}
		}
		codec, err := registry.Get(tile.Format(dataType))
		if err != nil {
			return err
		}

		tmp := v.GetString("tmp")
		if tmp == "" {
			tmp, err = os.MkdirTemp("", "ept-build-")
			if err != nil {
				return fmt.Errorf("cmd/ept: creating --tmp: %w", err)
			}
			defer os.RemoveAll(tmp)
		}

		ep, err := store.NewLocal(output)
		if err != nil {
			return err
		}

		logger := ptlog.New("ept-build")
		reg := startMetrics(v.GetString("metrics-addr"))

		pointSize := v.GetInt("point-size")
		bcfg := builder.Config{
			Endpoint:    ep,
			TmpDir:      tmp,
			Bounds:      bounds,
			Span:        v.GetUint32("span"),
			PointSize:   pointSize,
			MinNodeSize: v.GetUint64("min-node-size"),
			MaxNodeSize: v.GetUint64("max-node-size"),
			SharedDepth: uint8(v.GetUint("shared-depth")),
			Codec:       codec,
			Srs:         v.GetString("reprojection"),
			DataType:    dataType,
			WorkThreads: work,
			ClipThreads: clip,
			Subset:      sub,
			Force:       v.GetBool("force"),
			Logger:      logger,
			Metrics:     reg,
		}

		b, err := builder.New(bcfg)
		if err != nil {
			return err
		}
		defer b.Close()

		every := v.GetUint64("progress")
		limit := v.GetUint64("limit")
		var counted uint64

		inputs := make([]builder.Input, len(files))
		for i, path := range files {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("cmd/ept: opening %s: %w", path, err)
			}
			defer f.Close()
			var src pointsource.Source = xyz.New(f, bounds, v.GetString("reprojection"))
			if every > 0 || limit > 0 {
				src = &progressSource{Source: src, path: path, out: cmd.OutOrStdout(), every: every, limit: limit, counted: &counted}
			}
			inputs[i] = builder.Input{Path: path, Source: src}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := b.Run(ctx, inputs)
		if err != nil {
			return fmt.Errorf("cmd/ept: build failed: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "ept: build %s complete: %d points across %d files\n", res.ID, res.Points, len(inputs))
		return nil
	}

	return cmd
}
