// Package itemtable builds the deduplicated item table from resolved
// (source, destination) pairs.
package itemtable

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/kar/internal/format"
	"github.com/meigma/kar/internal/scan"
	"github.com/meigma/kar/internal/sizing"
)

// File is one source file mapped to a destination path.
type File struct {
	Source string
	Dest   string
}

// Item is one unique content blob, or the directory sentinel at id 0.
type Item struct {
	Digest    scan.Digest
	Length    uint64
	Reference uint32
	Flags     uint16
	Offset    uint64

	// Source is the first source file that produced this item.
	Source string
	// Dest is the destination of that first source.
	Dest string
}

// IsDir reports whether the item is the directory sentinel.
func (it *Item) IsDir() bool {
	return it.Flags&format.ItemFlagDir != 0
}

// Entry maps a destination path to an item id.
type Entry struct {
	Dest   string
	Source string
	Item   uint16
}

// Table is the result of Build.
type Table struct {
	Items   []Item
	Entries []Entry

	DirCount  int
	FileCount int
	Dups      int
}

// Options configures Build.
type Options struct {
	Hash        scan.HashAlgorithm
	Concurrency int
	Logger      *slog.Logger

	// OnScan is called once per file in id order after it has been hashed.
	OnScan func(done, total int, f File)
}

// Build scans files and assigns item ids.
//
// Files are ordered by SortKey before scanning, so item ids and offsets
// are deterministic for a given input set. Scanning may run in parallel
// but results are consumed in sorted order.
func Build(ctx context.Context, files []File, dirs []string, opts Options) (*Table, error) {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if len(dirs) > format.MaxReference {
		return nil, fmt.Errorf("%w: %d directories", format.ErrTooManyItems, len(dirs))
	}

	sorted := slices.Clone(files)
	slices.SortStableFunc(sorted, func(a, b File) int {
		return CompareSortKeys(SortKey(a.Source), SortKey(b.Source))
	})

	results, err := scanAll(ctx, sorted, opts)
	if err != nil {
		return nil, err
	}

	t := &Table{
		Items:     []Item{{Reference: uint32(len(dirs)), Flags: format.ItemFlagDir}}, //nolint:gosec // checked above
		DirCount:  len(dirs),
		FileCount: len(files),
	}
	for _, d := range dirs {
		t.Entries = append(t.Entries, Entry{Dest: d, Item: format.DirItem})
	}

	type key struct {
		length uint64
		digest scan.Digest
	}
	byContent := make(map[key]uint16, len(sorted))
	var offset uint64
	for i, f := range sorted {
		res := results[i]
		k := key{length: res.Length, digest: res.Digest}
		if id, ok := byContent[k]; ok {
			it := &t.Items[id]
			if it.Reference >= format.MaxReference {
				return nil, fmt.Errorf("%w: %s referenced more than %d times", format.ErrTooManyItems, it.Source, format.MaxReference)
			}
			it.Reference++
			t.Dups++
			log.Debug("duplicate content", "source", f.Source, "first", it.Source)
			t.Entries = append(t.Entries, Entry{Dest: f.Dest, Source: f.Source, Item: id})
			continue
		}

		if len(t.Items) >= format.MaxItems {
			return nil, fmt.Errorf("%w: more than %d items", format.ErrTooManyItems, format.MaxItems)
		}
		end, ok := sizing.AddUint64(offset, res.Length)
		if !ok {
			return nil, fmt.Errorf("%w: %s", format.ErrSizeOverflow, f.Source)
		}
		if _, err := sizing.ToUint32(end, format.ErrSizeOverflow); err != nil {
			return nil, fmt.Errorf("%w: %s ends at %d", err, f.Source, end)
		}
		id := uint16(len(t.Items)) //nolint:gosec // bounded by MaxItems
		t.Items = append(t.Items, Item{
			Digest:    res.Digest,
			Length:    res.Length,
			Reference: 1,
			Offset:    offset,
			Source:    f.Source,
			Dest:      f.Dest,
		})
		byContent[k] = id
		offset = end
		t.Entries = append(t.Entries, Entry{Dest: f.Dest, Source: f.Source, Item: id})
	}

	log.Debug("item table built",
		"items", len(t.Items),
		"files", t.FileCount,
		"dirs", t.DirCount,
		"duplicates", t.Dups,
		"bytes", offset)
	return t, nil
}

func scanAll(ctx context.Context, files []File, opts Options) ([]scan.Result, error) {
	results := make([]scan.Result, len(files))
	done := make([]chan struct{}, len(files))
	for i := range done {
		done[i] = make(chan struct{})
	}

	limit := opts.Concurrency
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	// Report progress in id order while workers finish out of order.
	reported := make(chan struct{})
	go func() {
		defer close(reported)
		for i := range files {
			select {
			case <-done[i]:
			case <-gctx.Done():
				// Wait cancels gctx on success too; finished scans still report.
				select {
				case <-done[i]:
				default:
					return
				}
			}
			if opts.OnScan != nil {
				opts.OnScan(i+1, len(files), files[i])
			}
		}
	}()

	for i, f := range files {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := scan.File(f.Source, opts.Hash)
			if err != nil {
				return fmt.Errorf("scan %s: %w", f.Source, err)
			}
			results[i] = res
			close(done[i])
			return nil
		})
	}
	err := g.Wait()
	<-reported
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// Key is the solid ordering key of a source path.
type Key struct {
	Prio int
	Ext  string
	Name string
	Path string
}

// SortKey computes the ordering key for src: executable-like extensions
// first, then by extension (none sorts as "zzz"), file name and full path,
// all lowercased.
func SortKey(src string) Key {
	lower := strings.ToLower(filepath.ToSlash(src))
	name := path.Base(lower)
	ext := strings.TrimPrefix(path.Ext(name), ".")
	k := Key{Ext: ext, Name: name, Path: lower}
	switch ext {
	case "":
		k.Ext = "zzz"
	case "exe", "dll", "ocx", "sys":
		k.Prio = -1
	}
	return k
}

// CompareSortKeys orders keys field by field.
func CompareSortKeys(a, b Key) int {
	return cmp.Or(
		cmp.Compare(a.Prio, b.Prio),
		strings.Compare(a.Ext, b.Ext),
		strings.Compare(a.Name, b.Name),
		strings.Compare(a.Path, b.Path),
	)
}

// Records returns the persisted form of the item table.
func (t *Table) Records() ([]format.Item, error) {
	out := make([]format.Item, len(t.Items))
	for i, it := range t.Items {
		offset, err := sizing.ToUint32(it.Offset, format.ErrSizeOverflow)
		if err != nil {
			return nil, fmt.Errorf("item %d offset: %w", i, err)
		}
		length, err := sizing.ToUint32(it.Length, format.ErrSizeOverflow)
		if err != nil {
			return nil, fmt.Errorf("item %d length: %w", i, err)
		}
		out[i] = format.Item{
			Reference: uint16(it.Reference), //nolint:gosec // bounded by MaxReference
			Flags:     it.Flags,
			Offset:    offset,
			Length:    length,
		}
	}
	return out, nil
}

// TotalLength returns the length of the logical stream.
func (t *Table) TotalLength() uint64 {
	var total uint64
	for _, it := range t.Items {
		total += it.Length
	}
	return total
}

// FileItems returns the non-directory items in id order.
func (t *Table) FileItems() []Item {
	if len(t.Items) == 0 {
		return nil
	}
	return t.Items[1:]
}
