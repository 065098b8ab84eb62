package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/entwine-go/ept/key"
	"github.com/entwine-go/ept/pointsource"
	"github.com/entwine-go/ept/pointsource/xyz"
)

// resolveInputs expands every glob pattern in patterns with filepath.Glob
// (falling back to the literal path when nothing matches but the path
// exists) into a sorted, deduplicated file list.
func resolveInputs(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	for _, pat := range patterns {
		matches, err := filepath.Glob(pat)
		if err != nil {
			return nil, fmt.Errorf("cmd/ept: --input %q: %w", pat, err)
		}
		if matches == nil {
			if _, err := os.Stat(pat); err == nil {
				matches = []string{pat}
			}
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("cmd/ept: --input matched no files")
	}
	sort.Strings(files)
	return files, nil
}

// scanBounds opens every file once as an xyz.Source to measure the
// dataset's true extent, the way a real build would infer bounds from
// input headers when none is given explicitly on the command line. The
// cube it returns is padded fractionally past the measured extent so a
// point lying exactly on the max face (Bounds.Contains is half-open)
// still falls inside.
func scanBounds(files []string) (key.Bounds, error) {
	var lo, hi key.Point
	first := true
	for _, path := range files {
		if err := scanFileBounds(path, &lo, &hi, &first); err != nil {
			return key.Bounds{}, err
		}
	}
	if first {
		return key.Bounds{}, fmt.Errorf("cmd/ept: no points found while scanning bounds")
	}
	mid := key.Point{X: (lo.X + hi.X) / 2, Y: (lo.Y + hi.Y) / 2, Z: (lo.Z + hi.Z) / 2}
	width := hi.X - lo.X
	if w := hi.Y - lo.Y; w > width {
		width = w
	}
	if w := hi.Z - lo.Z; w > width {
		width = w
	}
	if width <= 0 {
		width = 1
	}
	width *= 1.001
	return key.NewCube(mid, width), nil
}

func scanFileBounds(path string, lo, hi *key.Point, first *bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cmd/ept: opening %s: %w", path, err)
	}
	defer f.Close()

	src := xyz.New(f, key.Bounds{}, "")
	for {
		rec, ok, err := src.Next()
		if err != nil {
			return fmt.Errorf("cmd/ept: scanning %s: %w", path, err)
		}
		if !ok {
			return nil
		}
		if *first {
			*lo, *hi = rec.Point, rec.Point
			*first = false
			continue
		}
		lo.X, hi.X = minf(lo.X, rec.Point.X), maxf(hi.X, rec.Point.X)
		lo.Y, hi.Y = minf(lo.Y, rec.Point.Y), maxf(hi.Y, rec.Point.Y)
		lo.Z, hi.Z = minf(lo.Z, rec.Point.Z), maxf(hi.Z, rec.Point.Z)
	}
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// progressSource wraps a pointsource.Source, printing a plain-text
// progress line to out every `every` records read from this file and
// refusing further records once counted, shared across every file in
// the run, reaches limit (0 disables both behaviors).
type progressSource struct {
	pointsource.Source
	path    string
	out     io.Writer
	every   uint64
	limit   uint64
	counted *uint64
	n       uint64
}

func (s *progressSource) Next() (pointsource.Record, bool, error) {
	if s.limit > 0 && atomic.LoadUint64(s.counted) >= s.limit {
		return pointsource.Record{}, false, nil
	}
	rec, ok, err := s.Source.Next()
	if err != nil || !ok {
		return rec, ok, err
	}
	s.n++
	total := atomic.AddUint64(s.counted, 1)
	if s.every > 0 && s.n%s.every == 0 {
		fmt.Fprintf(s.out, "ept: %s: %d points read (%d total)\n", s.path, s.n, total)
	}
	return rec, ok, nil
}
