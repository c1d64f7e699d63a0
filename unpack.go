package kar

import (
	"bufio"
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/meigma/kar/internal/chunk"
	"github.com/meigma/kar/internal/codec"
	"github.com/meigma/kar/internal/pathindex"
)

// Unpack extracts the archive at archive into dir.
//
// The header and path index are decoded and checked before anything is
// written, so an archive with a bad magic or an unsafe path creates no
// output. Files are written in item order, which reads the chunk payload
// front to back exactly once; later paths sharing an item are copied from
// the first extracted file. All writes are confined to dir.
func Unpack(ctx context.Context, archive, dir string, opts ...UnpackOption) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()
	return UnpackReader(ctx, f, dir, opts...)
}

// UnpackReader extracts an archive read sequentially from r into dir.
func UnpackReader(ctx context.Context, r io.Reader, dir string, opts ...UnpackOption) error {
	var cfg unpackConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	u := &unpacker{cfg: cfg, log: discardIfNil(cfg.logger)}
	return u.run(ctx, r, dir)
}

type unpacker struct {
	cfg unpackConfig
	log *slog.Logger
}

func (u *unpacker) run(ctx context.Context, r io.Reader, dir string) error {
	br := bufio.NewReaderSize(r, 1<<20)
	cat, err := readCatalog(br)
	if err != nil {
		return err
	}
	entries, err := extractionOrder(cat.entries)
	if err != nil {
		return err
	}
	hdr := cat.header
	u.log.Info("unpacking archive",
		"dir", dir,
		"entries", len(entries),
		"items", len(hdr.Items),
		"chunks", len(hdr.Chunks),
		"solid", hdr.Solid())

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return err
	}
	defer root.Close()

	c, err := codec.New(decoderOptions(u.cfg.maxMemory)...)
	if err != nil {
		return err
	}
	defer c.Close()
	cur := chunk.NewCursor(br, hdr.Chunks, c)

	total := hdr.TotalLength()
	var bytesDone uint64
	prevItem := -1
	prevName := ""
	files := 0
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := archivePath(e.Path)
		it := cat.item(e.Item)

		switch {
		case it.IsDir():
			if err := root.MkdirAll(name, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", e.Path, err)
			}
			continue
		case int(e.Item) == prevItem:
			u.log.Debug("copying duplicate", "path", e.Path, "from", prevName)
			if err := copyWithin(root, prevName, name); err != nil {
				return fmt.Errorf("extract %s: %w", e.Path, err)
			}
		default:
			if err := cur.SeekTo(uint64(it.Offset)); err != nil {
				return fmt.Errorf("extract %s: %w", e.Path, err)
			}
			if err := writeFromCursor(root, name, cur, uint64(it.Length)); err != nil {
				return fmt.Errorf("extract %s: %w", e.Path, err)
			}
			bytesDone += uint64(it.Length)
			u.log.Debug("extracted", "path", e.Path, "item", e.Item, "size", it.Length)
		}
		prevItem, prevName = int(e.Item), name
		files++
		u.cfg.progress.report(ProgressEvent{
			Stage:      StageExtracting,
			Path:       e.Path,
			BytesDone:  bytesDone,
			BytesTotal: total,
			FilesDone:  i + 1,
			FilesTotal: len(entries),
		})
	}

	u.log.Info("archive unpacked", "dir", dir, "files", files, "bytes", bytesDone)
	return nil
}

// extractionOrder validates every path and orders entries by item id,
// then path, so the payload is consumed sequentially.
func extractionOrder(entries []pathindex.Entry) ([]pathindex.Entry, error) {
	for _, e := range entries {
		if err := validateDest(e.Path, strings.HasSuffix(e.Path, "/")); err != nil {
			return nil, err
		}
	}
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b pathindex.Entry) int {
		return cmp.Or(
			cmp.Compare(a.Item, b.Item),
			strings.Compare(a.Path, b.Path),
		)
	})
	return sorted, nil
}

func ensureParent(root *os.Root, name string) error {
	parent := path.Dir(name)
	if parent == "." {
		return nil
	}
	return root.MkdirAll(parent, 0o755)
}

func writeFromCursor(root *os.Root, name string, cur *chunk.Cursor, n uint64) error {
	if err := ensureParent(root, name); err != nil {
		return err
	}
	f, err := root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := cur.Copy(f, n); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func copyWithin(root *os.Root, from, to string) error {
	if err := ensureParent(root, to); err != nil {
		return err
	}
	src, err := root.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := root.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
