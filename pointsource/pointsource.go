// Package pointsource defines the input-pipeline boundary the builder
// reads points through. Real point-cloud parsing (LAS/LAZ, COPC, any of
// the wire formats PDAL understands) is delegated to an external pipeline
// library, so this package is deliberately thin: an interface plus the
// handful of concrete sources that let the rest of the indexer be built
// and tested without one.
package pointsource

import "github.com/entwine-go/ept/key"

// Record is one input point: its spatial position plus the fixed-width
// attribute payload that rides alongside it into the octree (point
// format details — field order, byte width — are the caller's concern;
// Source only guarantees every Record's Data is the same length within
// one source).
type Record struct {
	Point key.Point
	Data  []byte
}

// Source is a sequential point reader. Next returns ok=false once
// exhausted; a non-nil err always takes precedence over ok.
type Source interface {
	Next() (rec Record, ok bool, err error)
	Bounds() key.Bounds
	Srs() string
	PointSize() int
}
