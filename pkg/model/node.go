package model

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// NodeContentType marks an uploaded body as a structural manifest rather than raw chunk bytes
const NodeContentType = "application/vnd.casket.node+json"

// NodeKind discriminates the node union
type NodeKind string

const (
	// KindChunk is a leaf holding raw bytes, or a split of oversize raw bytes via Parts
	KindChunk NodeKind = "chunk"

	// KindFile is an ordered sequence of chunks with a content type
	KindFile NodeKind = "file"

	// KindCollection is a directory-like name to key mapping
	KindCollection NodeKind = "collection"
)

// canonicalJSON is the frozen serializer for node manifests.
//
// Map keys are sorted so that identical structures always yield identical
// bytes, hence identical content keys.
var canonicalJSON = jsoniter.Config{SortMapKeys: true}.Froze()

// Node is the tagged union describing a DAG node. A node's content key is the
// hash of its canonical representation: for a raw chunk these are the chunk
// bytes themselves, for everything else the canonical JSON of this structure.
type Node struct {
	Kind NodeKind `json:"kind"`

	// Parts splits a chunk larger than the threshold into sub-chunks
	Parts []ContentKey `json:"parts,omitempty"`

	// Chunks and ChunkSizes are the parallel lists of a file node
	Chunks     []ContentKey `json:"chunks,omitempty"`
	ChunkSizes []int64      `json:"chunkSizes,omitempty"`

	ContentType string `json:"contentType,omitempty"`

	// Entries maps names to children for a collection node
	Entries map[string]ContentKey `json:"entries,omitempty"`

	// Size in bytes of the represented content, not of the manifest
	Size int64 `json:"size"`
}

// CanonicalBytes serializes the node deterministically
func (n *Node) CanonicalBytes() ([]byte, error) {
	return canonicalJSON.Marshal(n)
}

// UnmarshalNode parses a manifest body
func UnmarshalNode(data []byte) (*Node, error) {
	var n Node
	if err := canonicalJSON.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("node manifest unmarshal: %v", err)
	}
	return &n, nil
}

// Children returns the keys this node declares, in a stable order
func (n *Node) Children() []ContentKey {
	switch n.Kind {
	case KindChunk:
		return append([]ContentKey(nil), n.Parts...)
	case KindFile:
		return append([]ContentKey(nil), n.Chunks...)
	case KindCollection:
		keys := make([]ContentKey, 0, len(n.Entries))
		for _, k := range n.Entries {
			keys = append(keys, k)
		}
		return keys
	}
	return nil
}

// Validate checks structural invariants of a manifest node.
//
// Raw chunk bodies never reach this: only chunk nodes with Parts are
// expressed as manifests.
func (n *Node) Validate() error {
	switch n.Kind {
	case KindChunk:
		if len(n.Parts) == 0 {
			return fmt.Errorf("chunk manifest must declare parts, raw chunks are uploaded as bytes")
		}
	case KindFile:
		if len(n.Chunks) != len(n.ChunkSizes) {
			return fmt.Errorf("file node declares %d chunks but %d sizes", len(n.Chunks), len(n.ChunkSizes))
		}
		var total int64
		for i, sz := range n.ChunkSizes {
			if sz < 0 {
				return fmt.Errorf("file node chunk %d has negative size", i)
			}
			total += sz
		}
		if total != n.Size {
			return fmt.Errorf("file node size %d does not match chunk sizes sum %d", n.Size, total)
		}
	case KindCollection:
		for name := range n.Entries {
			if name == "" {
				return fmt.Errorf("collection entry with empty name")
			}
		}
	default:
		return fmt.Errorf("unknown node kind %q", n.Kind)
	}
	for _, k := range n.Children() {
		if !k.IsValid() {
			return &BadKey{Value: k.String()}
		}
	}
	if n.Size < 0 {
		return fmt.Errorf("node size must not be negative")
	}
	return nil
}

// NodeInfo is the structural metadata the DAG index keeps per key.
// Bytes live in the content store, never here.
type NodeInfo struct {
	Key         ContentKey   `json:"key"`
	Children    []ContentKey `json:"children,omitempty"`
	ContentType string       `json:"contentType,omitempty"`
	Size        int64        `json:"size"`
}
