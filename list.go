package kar

import (
	"bufio"
	"context"
	"io"
	"os"
	"slices"
	"strings"
)

// Listing describes an archive without reading its payload.
type Listing struct {
	Solid     bool
	ChunkSize uint32
	DirCount  uint32
	FileCount uint32

	// Entries holds every stored path sorted by byte-wise path order.
	Entries []ListEntry

	Items  []ItemRecord
	Chunks []ChunkRecord

	// HeaderSize is the byte offset of the chunk payload.
	HeaderSize int64
}

// ListEntry is one path in a Listing.
type ListEntry struct {
	// Path is the stored path. Directories end in "/".
	Path string
	Item uint16
	Dir  bool
	Size uint64
}

// TotalSize returns the uncompressed size of the unique content.
func (l *Listing) TotalSize() uint64 {
	var n uint64
	for _, it := range l.Items {
		n += uint64(it.Length)
	}
	return n
}

// StoredSize returns the number of payload bytes in the archive.
func (l *Listing) StoredSize() uint64 {
	var n uint64
	for _, c := range l.Chunks {
		n += uint64(c.CompressedLength)
	}
	return n
}

// List decodes the header and path index of the archive at archive.
func List(ctx context.Context, archive string) (*Listing, error) {
	f, err := os.Open(archive)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ListReader(ctx, f)
}

// ListReader decodes the header and path index read from r. Only the
// header is consumed.
//
// The index walks paths in UTF-16 code unit order, which differs from Go
// string order for characters outside the BMP, so entries are re-sorted.
func ListReader(ctx context.Context, r io.Reader) (*Listing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cat, err := readCatalog(bufio.NewReader(r))
	if err != nil {
		return nil, err
	}
	hdr := cat.header
	l := &Listing{
		Solid:      hdr.Solid(),
		ChunkSize:  hdr.ChunkSize,
		DirCount:   hdr.DirCount,
		FileCount:  hdr.FileCount,
		Entries:    make([]ListEntry, len(cat.entries)),
		Items:      hdr.Items,
		Chunks:     hdr.Chunks,
		HeaderSize: hdr.Size(),
	}
	for i, e := range cat.entries {
		it := cat.item(e.Item)
		l.Entries[i] = ListEntry{
			Path: e.Path,
			Item: e.Item,
			Dir:  it.IsDir(),
			Size: uint64(it.Length),
		}
	}
	slices.SortFunc(l.Entries, func(a, b ListEntry) int {
		return strings.Compare(a.Path, b.Path)
	})
	return l, nil
}
