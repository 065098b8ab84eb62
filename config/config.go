// Package config holds the JSON-serializable metadata ept writes
// alongside a tree: ept.json (public tree metadata) and ept-build.json
// (internal build metadata). These are literal file format requirements,
// not a stylistic choice, so encoding/json is used directly rather than
// through any schema/codegen layer.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/entwine-go/ept/key"
)

// HierarchyType distinguishes a single hierarchy.json file from one
// split into stepped pages via hierarchy.Split.
type HierarchyType string

const (
	HierarchySingle  HierarchyType = "json"
	HierarchyStepped HierarchyType = "json-stepped"
)

// Schema describes one point attribute, mirroring the minimal subset of
// the real EPT schema.json entries this indexer needs to round-trip
// point layout (name, type, byte size).
type Schema struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int    `json:"size"`
}

// Tree is ept.json: the public, client-facing tree metadata.
type Tree struct {
	Bounds           key.Bounds    `json:"bounds"`
	BoundsConforming key.Bounds    `json:"boundsConforming"`
	Schema           []Schema      `json:"schema"`
	Srs              string        `json:"srs,omitempty"`
	DataType         string        `json:"dataType"`
	Span             uint32        `json:"span"`
	HierarchyType    HierarchyType `json:"hierarchyType"`
	HierarchyStep    int           `json:"hierarchyStep,omitempty"`
	Points           uint64        `json:"points"`
}

// Subset records a subset build's position within a fixed fan-out. Merge
// combines whichever subset IDs it is given; it does not check that all
// of 1..Of are present.
type Subset struct {
	ID int `json:"id"`
	Of int `json:"of"`
}

// Build is ept-build.json: internal parameters needed to resume or
// extend a build that a read-only EPT client has no use for.
type Build struct {
	MinNodeSize uint64  `json:"minNodeSize"`
	MaxNodeSize uint64  `json:"maxNodeSize"`
	SharedDepth uint8   `json:"sharedDepth"`
	Subset      *Subset `json:"subset,omitempty"`
}

// Postfix returns the subset suffix ept's output layout appends to
// every path while a subset build is in progress ("-<id>"), or "" for a
// non-subset (or already-merged) build.
func (b Build) Postfix() string {
	if b.Subset == nil {
		return ""
	}
	return fmt.Sprintf("-%d", b.Subset.ID)
}

// MarshalTree and MarshalBuild/UnmarshalTree/UnmarshalBuild are thin
// wrappers so callers don't sprinkle json.Marshal/Unmarshal error
// wrapping across builder/merge/cmd.

func MarshalTree(t Tree) ([]byte, error) {
	b, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("config: marshal ept.json: %w", err)
	}
	return b, nil
}

func UnmarshalTree(data []byte) (Tree, error) {
	var t Tree
	if err := json.Unmarshal(data, &t); err != nil {
		return Tree{}, fmt.Errorf("config: unmarshal ept.json: %w", err)
	}
	return t, nil
}

func MarshalBuild(b Build) ([]byte, error) {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("config: marshal ept-build.json: %w", err)
	}
	return data, nil
}

func UnmarshalBuild(data []byte) (Build, error) {
	var b Build
	if err := json.Unmarshal(data, &b); err != nil {
		return Build{}, fmt.Errorf("config: unmarshal ept-build.json: %w", err)
	}
	return b, nil
}
