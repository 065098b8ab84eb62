// Package xyz reads whitespace- or comma-separated "x y z" text, one
// point per line — the smallest real pointsource.Source, used by the
// build command and by tests that want a human-readable fixture instead
// of a binary one. Parsing is stdlib bufio/strconv: the format is a
// trivial 3-float-per-line grid with no framing or schema to speak of,
// so no ecosystem CSV/parsing library does anything a scanner wouldn't.
package xyz

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/entwine-go/ept/key"
	"github.com/entwine-go/ept/pointsource"
)

// Source reads Records from an xyz text stream. Bounds must be supplied
// by the caller (the format carries no header), typically computed by a
// prior full pass or supplied by the user.
type Source struct {
	scanner *bufio.Scanner
	bounds  key.Bounds
	srs     string
	line    int
}

// New wraps r as a pointsource.Source. bounds and srs describe the
// dataset as a whole, since the xyz format itself carries neither.
func New(r io.Reader, bounds key.Bounds, srs string) *Source {
	return &Source{scanner: bufio.NewScanner(r), bounds: bounds, srs: srs}
}

func (s *Source) Bounds() key.Bounds { return s.bounds }
func (s *Source) Srs() string        { return s.srs }

// PointSize is 24: three float64 fields (X, Y, Z), encoded little-endian
// by Next so every Record's Data matches tile.BinCodec's layout.
func (s *Source) PointSize() int { return 24 }

// Next parses the next non-blank line as "x y z", tolerating either
// whitespace or comma separators.
func (s *Source) Next() (pointsource.Record, bool, error) {
	for s.scanner.Scan() {
		s.line++
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
		if len(fields) < 3 {
			return pointsource.Record{}, false, fmt.Errorf("xyz: line %d: expected 3 fields, got %d", s.line, len(fields))
		}
		x, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return pointsource.Record{}, false, fmt.Errorf("xyz: line %d: parse x: %w", s.line, err)
		}
		y, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return pointsource.Record{}, false, fmt.Errorf("xyz: line %d: parse y: %w", s.line, err)
		}
		z, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return pointsource.Record{}, false, fmt.Errorf("xyz: line %d: parse z: %w", s.line, err)
		}
		p := key.Point{X: x, Y: y, Z: z}
		data := make([]byte, 24)
		binary.LittleEndian.PutUint64(data[0:8], math.Float64bits(x))
		binary.LittleEndian.PutUint64(data[8:16], math.Float64bits(y))
		binary.LittleEndian.PutUint64(data[16:24], math.Float64bits(z))
		return pointsource.Record{Point: p, Data: data}, true, nil
	}
	if err := s.scanner.Err(); err != nil {
		return pointsource.Record{}, false, fmt.Errorf("xyz: scan: %w", err)
	}
	return pointsource.Record{}, false, nil
}
