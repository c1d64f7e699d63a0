// Package format defines the KAr archive records and their little-endian
// encoding.
//
// An archive is a fixed prefix, three tables (trie nodes, items, chunks)
// and the concatenated chunk payload:
//
//	magic[4] version:u16 flags:u16 chunk_size:u32 dir_count:u32 file_count:u32
//	node_count:u32  node_count  x {ch, lo, eq, hi: u16}
//	item_count:u32  item_count  x {reference:u16 flags:u16 offset:u32 length:u32}
//	chunk_count:u32 chunk_count x {algorithm:u16 flags:u16 length:u32 compressed_length:u32}
//	payload
//
// Chunks carry no absolute offsets; readers consume them sequentially
// starting at Header.Size.
package format

import (
	"fmt"
)

// Magic identifies a KAr archive.
var Magic = [4]byte{'K', 'A', 'r', ' '}

// Version is the only format version this package reads and writes.
const Version uint16 = 1

// Header flags.
const (
	// FlagSolid marks an archive whose chunks span item boundaries.
	FlagSolid uint16 = 1 << 1
)

// ItemFlagDir marks the directory sentinel item.
const ItemFlagDir uint16 = 1

// DirItem is the reserved item id for directory entries.
const DirItem uint16 = 0

// NoChild marks an absent trie child.
const NoChild uint16 = 0xFFFF

// Table limits imposed by the 16-bit indices.
const (
	// MaxNodes is the largest node count, so every index is below NoChild.
	MaxNodes = 0xFFFE

	// MaxItems is the largest item count.
	MaxItems = 0xFFFE

	// MaxReference is the largest reference count an item can hold.
	MaxReference = 0xFFFF
)

// Record sizes in bytes.
const (
	prefixSize      = 20
	countSize       = 4
	NodeRecordSize  = 8
	ItemRecordSize  = 12
	ChunkRecordSize = 12
)

// Algorithm identifies how a chunk's bytes are stored.
type Algorithm uint16

const (
	// AlgorithmStore stores bytes verbatim.
	AlgorithmStore Algorithm = iota

	// AlgorithmLZ4 stores an LZ4 block.
	AlgorithmLZ4

	// AlgorithmZstd stores a single zstd frame.
	AlgorithmZstd
)

// String returns the human-readable name of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case AlgorithmStore:
		return "store"
	case AlgorithmLZ4:
		return "lz4"
	case AlgorithmZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(a))
	}
}

// Valid reports whether a is a known algorithm.
func (a Algorithm) Valid() bool {
	return a <= AlgorithmZstd
}

// ParseAlgorithm parses an algorithm name. "none" is accepted for store.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "store", "none":
		return AlgorithmStore, nil
	case "lz4":
		return AlgorithmLZ4, nil
	case "zstd":
		return AlgorithmZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression algorithm: %q", name)
	}
}

// Node is one trie node holding a single UTF-16 code unit.
// For a terminal node (Ch == 0) Eq holds the item id.
type Node struct {
	Ch uint16
	Lo uint16
	Eq uint16
	Hi uint16
}

// NewNode returns a node with no children.
func NewNode(ch uint16) Node {
	return Node{Ch: ch, Lo: NoChild, Eq: NoChild, Hi: NoChild}
}

// Item is the persisted part of an item table entry.
type Item struct {
	Reference uint16
	Flags     uint16
	Offset    uint32
	Length    uint32
}

// IsDir reports whether the item is the directory sentinel.
func (it Item) IsDir() bool {
	return it.Flags&ItemFlagDir != 0
}

// Chunk describes one stored byte range of the payload.
type Chunk struct {
	Algorithm        Algorithm
	Flags            uint16
	Length           uint32
	CompressedLength uint32
}
