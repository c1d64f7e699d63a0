package kar

import (
	"fmt"
	"io"
	"strings"

	"github.com/meigma/kar/internal/format"
	"github.com/meigma/kar/internal/pathindex"
)

// ItemRecord is one entry of an archive's item table.
type ItemRecord = format.Item

// ChunkRecord is one entry of an archive's chunk table.
type ChunkRecord = format.Chunk

// catalog is a decoded header together with its path index.
type catalog struct {
	header  *format.Header
	index   *pathindex.Index
	entries []pathindex.Entry
}

// readCatalog decodes the header from r and checks that every path in the
// index names an existing item and agrees with it on being a directory.
// On success r is positioned at the chunk payload.
func readCatalog(r io.Reader) (*catalog, error) {
	hdr, err := format.ReadHeader(r)
	if err != nil {
		return nil, err
	}
	idx, err := pathindex.Load(hdr.Nodes)
	if err != nil {
		return nil, err
	}
	entries := idx.Entries()
	for _, e := range entries {
		if int(e.Item) >= len(hdr.Items) {
			return nil, fmt.Errorf("%w: %q refers to item %d of %d", format.ErrCorruptIndex, e.Path, e.Item, len(hdr.Items))
		}
		dir := hdr.Items[e.Item].IsDir()
		if dir != strings.HasSuffix(e.Path, "/") {
			return nil, fmt.Errorf("%w: %q does not match its item kind", format.ErrCorruptIndex, e.Path)
		}
	}
	return &catalog{header: hdr, index: idx, entries: entries}, nil
}

// item returns the record for id, which readCatalog has bounds-checked
// for every indexed path.
func (c *catalog) item(id uint16) format.Item {
	return c.header.Items[id]
}
