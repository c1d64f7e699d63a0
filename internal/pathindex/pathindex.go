// Package pathindex implements the archive path index: a ternary search
// trie over UTF-16 code units, stored as a flat node array.
//
// Every stored path is terminated by a NUL node whose eq child holds the
// path's item id. Node 0 is the root.
package pathindex

import (
	"errors"
	"fmt"
	"iter"
	"strings"
	"unicode/utf16"

	"github.com/meigma/kar/internal/format"
)

// ErrNulInPath is returned when a path contains a NUL character, which is
// reserved for the terminal node.
var ErrNulInPath = errors.New("kar: path contains NUL")

// Index is a ternary search trie mapping paths to item ids.
//
// The zero value is an empty index ready for use.
type Index struct {
	nodes []format.Node
}

// Entry is one stored path and its item id.
type Entry struct {
	Path string
	Item uint16
}

// New returns an empty index.
func New() *Index {
	return &Index{}
}

// Load adopts a decoded node array.
//
// Child indices must be in range and no node may be referenced twice, so
// the nodes reachable from the root always form a tree. The slice is
// retained; callers must not modify it afterwards.
func Load(nodes []format.Node) (*Index, error) {
	if len(nodes) > format.MaxNodes {
		return nil, fmt.Errorf("%w: %d nodes", format.ErrCorruptIndex, len(nodes))
	}
	seen := make([]bool, len(nodes))
	if len(nodes) > 0 {
		seen[0] = true
	}
	for i, n := range nodes {
		children := [3]uint16{n.Lo, n.Eq, n.Hi}
		if n.Ch == 0 {
			// A terminal node's eq slot is a value, not a child.
			children[1] = format.NoChild
		}
		for _, c := range children {
			if c == format.NoChild {
				continue
			}
			if int(c) >= len(nodes) {
				return nil, fmt.Errorf("%w: node %d links to %d of %d", format.ErrCorruptIndex, i, c, len(nodes))
			}
			if seen[c] {
				return nil, fmt.Errorf("%w: node %d referenced twice", format.ErrCorruptIndex, c)
			}
			seen[c] = true
		}
	}
	return &Index{nodes: nodes}, nil
}

// Len returns the number of nodes.
func (idx *Index) Len() int {
	return len(idx.nodes)
}

// Nodes returns the node array in serialization order.
func (idx *Index) Nodes() []format.Node {
	return idx.nodes
}

// Insert stores path with the given value.
//
// If path is already present, Insert returns its stored value and true
// without creating nodes. Otherwise it appends nodes for the unmatched
// suffix and returns (0, false). When the new nodes would push the count
// past format.MaxNodes, Insert returns format.ErrIndexOverflow and leaves
// the index unchanged.
func (idx *Index) Insert(path string, value uint16) (uint16, bool, error) {
	if strings.IndexByte(path, 0) >= 0 {
		return 0, false, ErrNulInPath
	}
	units := encode(path)

	if len(idx.nodes) == 0 {
		if _, err := idx.appendChain(units, value); err != nil {
			return 0, false, err
		}
		return 0, false, nil
	}

	cur := uint16(0)
	i := 0
	for {
		n := idx.nodes[cur]
		c := units[i]
		var next uint16
		var e edge
		switch {
		case c < n.Ch:
			next, e = n.Lo, edgeLo
		case c > n.Ch:
			next, e = n.Hi, edgeHi
		case c == 0:
			return n.Eq, true, nil
		default:
			i++
			next, e = n.Eq, edgeEq
		}
		if next != format.NoChild {
			cur = next
			continue
		}
		first, err := idx.appendChain(units[i:], value)
		if err != nil {
			return 0, false, err
		}
		parent := &idx.nodes[cur]
		switch e {
		case edgeLo:
			parent.Lo = first
		case edgeHi:
			parent.Hi = first
		default:
			parent.Eq = first
		}
		return 0, false, nil
	}
}

// appendChain appends one node per unit, linked through eq, with the
// terminal's eq holding value. It returns the index of the first new node.
func (idx *Index) appendChain(units []uint16, value uint16) (uint16, error) {
	if len(idx.nodes)+len(units) > format.MaxNodes {
		return 0, format.ErrIndexOverflow
	}
	first := uint16(len(idx.nodes)) //nolint:gosec // bounded by MaxNodes
	for _, u := range units {
		n := format.NewNode(u)
		if u == 0 {
			n.Eq = value
		} else {
			n.Eq = uint16(len(idx.nodes) + 1) //nolint:gosec // bounded by MaxNodes
		}
		idx.nodes = append(idx.nodes, n)
	}
	return first, nil
}

// Lookup returns the value stored for path.
func (idx *Index) Lookup(path string) (uint16, bool) {
	if len(idx.nodes) == 0 || strings.IndexByte(path, 0) >= 0 {
		return 0, false
	}
	units := encode(path)
	cur := uint16(0)
	i := 0
	for cur != format.NoChild && int(cur) < len(idx.nodes) {
		n := idx.nodes[cur]
		c := units[i]
		switch {
		case c < n.Ch:
			cur = n.Lo
		case c > n.Ch:
			cur = n.Hi
		case c == 0:
			return n.Eq, true
		default:
			i++
			cur = n.Eq
		}
	}
	return 0, false
}

type edge uint8

const (
	edgeRoot edge = iota
	edgeLo
	edgeEq
	edgeHi
)

type frame struct {
	node uint16
	step uint8
}

// All iterates every stored path and value.
//
// The walk visits the lo subtree, the node itself, the eq subtree and the
// hi subtree, using explicit stacks so deep paths cannot exhaust the
// goroutine stack. Order follows code units, not any locale; callers that
// need a particular order sort. Invalid UTF-16 decodes to U+FFFD.
func (idx *Index) All() iter.Seq2[string, uint16] {
	return func(yield func(string, uint16) bool) {
		if len(idx.nodes) == 0 {
			return
		}
		frames := []frame{{node: 0}}
		edges := []edge{edgeRoot}
		var path []uint16

		push := func(node uint16, e edge) {
			frames = append(frames, frame{node: node})
			edges = append(edges, e)
		}

		for len(frames) > 0 {
			top := &frames[len(frames)-1]
			n := idx.nodes[top.node]
			switch top.step {
			case 0:
				top.step++
				if n.Lo != format.NoChild {
					push(n.Lo, edgeLo)
				}
			case 1:
				top.step++
				if n.Ch == 0 {
					if !yield(string(utf16.Decode(path)), n.Eq) {
						return
					}
				} else if n.Eq != format.NoChild {
					path = append(path, n.Ch)
					push(n.Eq, edgeEq)
				}
			case 2:
				top.step++
				if n.Hi != format.NoChild {
					push(n.Hi, edgeHi)
				}
			default:
				if edges[len(edges)-1] == edgeEq {
					path = path[:len(path)-1]
				}
				frames = frames[:len(frames)-1]
				edges = edges[:len(edges)-1]
			}
		}
	}
}

// Entries returns every stored path and value in iteration order.
func (idx *Index) Entries() []Entry {
	var out []Entry
	for p, v := range idx.All() {
		out = append(out, Entry{Path: p, Item: v})
	}
	return out
}

func encode(path string) []uint16 {
	units := utf16.Encode([]rune(path))
	return append(units, 0)
}
