// Package tile implements the pluggable tile-format and point-table codec
// boundary: a writer is a pure function (PointTable, Bounds) -> bytes, a
// reader is bytes -> PointTable, and the core dispatches on a format tag
// without knowing about compression.
package tile

import (
	"errors"
	"fmt"

	"github.com/entwine-go/ept/key"
)

// ErrCodecUnavailable is returned for a recognized but unimplemented
// format tag: laz has no encoder registered here, since full LAS/LAZ
// parsing and compression are treated as an external collaborator rather
// than something this package implements itself.
var ErrCodecUnavailable = errors.New("tile: codec recognized but not available in this build")

// ErrUnknownFormat is returned for a tag with no registered codec at all.
var ErrUnknownFormat = errors.New("tile: unknown data format")

// Format tags, matching the ept-data file extensions a tree's tiles use.
type Format string

const (
	FormatBin Format = "bin"
	FormatZst Format = "zst"
	FormatLaz Format = "laz"
)

// Record is one fixed-width point record's raw bytes plus the decoded
// point coordinate used for tile-fidelity checks.
type Record struct {
	Point key.Point
	Data  []byte
}

// PointTable is the in-memory representation passed to and returned from a
// Codec: an ordered list of records of uniform pointSize.
type PointTable struct {
	PointSize int
	Records   []Record
}

// Codec is a pure (table, bounds) -> bytes writer and bytes -> table
// reader, keyed by format tag.
type Codec interface {
	Format() Format
	Write(table PointTable, bounds key.Bounds) ([]byte, error)
	Read(data []byte, pointSize int) (PointTable, error)
	Extension() string
}

// Registry dispatches on Format tag. The zero value is usable; register
// codecs with Register.
type Registry struct {
	codecs map[Format]Codec
}

// NewRegistry builds a registry pre-populated with the codecs this module
// ships (bin, zst); laz is present as a recognized-but-unavailable tag so
// callers get ErrCodecUnavailable instead of ErrUnknownFormat.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[Format]Codec)}
	r.Register(BinCodec{})
	r.Register(ZstdCodec{})
	return r
}

// Register installs or replaces the codec for its own Format tag.
func (r *Registry) Register(c Codec) {
	if r.codecs == nil {
		r.codecs = make(map[Format]Codec)
	}
	r.codecs[c.Format()] = c
}

// Get returns the codec registered for format, or an error.
func (r *Registry) Get(format Format) (Codec, error) {
	if c, ok := r.codecs[format]; ok {
		return c, nil
	}
	if format == FormatLaz {
		return nil, fmt.Errorf("%w: %s", ErrCodecUnavailable, format)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
}
