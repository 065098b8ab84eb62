// Package store implements the storage boundary every ept component
// writes tiles, metadata, and hierarchy pages through: a path-addressed
// byte get/put. It mirrors massifs.ObjectReaderWriter's shape
// (massifs/objectstore.go), generalized from a fixed massif/checkpoint
// object pair to arbitrary relative paths, since an EPT dataset's object
// set (ept.json, ept-data/*, ept-hierarchy/*) is open-ended.
package store

import "errors"

// ErrNotFound is returned by Get when path does not exist. Concrete
// endpoints must translate their backend's not-found condition to this
// sentinel so callers (builder.New's resume check in particular) can tell
// "never written" apart from a transient failure.
var ErrNotFound = errors.New("store: object not found")

// Endpoint is the storage boundary. Get/Put satisfy chunk.Endpoint
// structurally; TryGetSize is a cheap existence/size probe that avoids a
// full body read.
type Endpoint interface {
	Get(path string) ([]byte, error)
	Put(path string, data []byte) error
	TryGetSize(path string) (int64, bool, error)
}
